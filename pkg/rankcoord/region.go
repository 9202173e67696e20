package rankcoord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// defaultSharedMemoryDir is where regions live unless [Options.Dir] says
// otherwise. Files in it are backed by memory, not disk.
const defaultSharedMemoryDir = "/dev/shm"

// region is one process's mapping of a coordination region.
//
// The mapping is the only resource; the file descriptor is closed as soon as
// the mapping exists.
type region struct {
	path    string
	data    []byte
	state   *sharedState
	created bool // this process won the creation race
}

// resolveDir returns the directory regions are created in.
func resolveDir(dir string) string {
	if dir != "" {
		return dir
	}

	info, err := os.Stat(defaultSharedMemoryDir)
	if err == nil && info.IsDir() {
		return defaultSharedMemoryDir
	}

	return os.TempDir()
}

// regionPath returns the file backing the region for coordinationID.
func regionPath(dir, coordinationID string) string {
	return filepath.Join(resolveDir(dir), regionFilePrefix+coordinationID)
}

// validateCoordinationID rejects ids that cannot name a single file.
func validateCoordinationID(id string) error {
	if id == "" {
		return fmt.Errorf("coordination id is required: %w", ErrInvalidInput)
	}

	if len(id) > maxCoordinationIDLen {
		return fmt.Errorf("coordination id length %d exceeds max %d: %w", len(id), maxCoordinationIDLen, ErrInvalidInput)
	}

	if id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("coordination id %q must be a single path element: %w", id, ErrInvalidInput)
	}

	return nil
}

// openOrCreateRegion joins the region at path, creating it when absent.
//
// Creation is arbitrated by O_EXCL: exactly one process creates the file,
// sizes it, initializes it and publishes the magic. Everybody else waits for
// the magic before reading anything.
func openOrCreateRegion(ctx context.Context, path string, worldSize uint32, initTimeout, poll time.Duration) (*region, error) {
	for range maxOpenAttempts {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return joinRegion(ctx, fd, path, initTimeout, poll)
		}

		if !errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("open region %s: %w", path, err)
		}

		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
		if err == nil {
			return createRegion(fd, path, worldSize)
		}

		if !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("create region %s: %w", path, err)
		}

		// Lost the creation race. Join the winner's region.
	}

	return nil, fmt.Errorf("region %s kept appearing and disappearing: %w", path, ErrCorrupt)
}

// createRegion sizes and initializes a freshly created region file.
// On failure the file is unlinked so joiners don't wait on it.
func createRegion(fd int, path string, worldSize uint32) (*region, error) {
	fail := func(err error) (*region, error) {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)

		return nil, err
	}

	err := unix.Ftruncate(fd, int64(regionSize))
	if err != nil {
		return fail(fmt.Errorf("ftruncate region: %w", err))
	}

	data, err := unix.Mmap(fd, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(fmt.Errorf("mmap region: %w", err))
	}

	_ = unix.Close(fd)

	state := stateAt(data)
	state.reset(worldSize)
	state.magic.Store(regionMagic)

	return &region{path: path, data: data, state: state, created: true}, nil
}

// joinRegion maps an existing region once its creator has sized it and
// published the magic.
func joinRegion(ctx context.Context, fd int, path string, initTimeout, poll time.Duration) (*region, error) {
	deadline := time.Now().Add(initTimeout)

	// The creator truncates right after O_EXCL, so a zero size only means
	// it has not got there yet.
	for {
		size, err := fileSize(fd)
		if err != nil || size != 0 {
			break
		}

		err = sleepUntil(ctx, deadline, poll)
		if err != nil {
			_ = unix.Close(fd)

			return nil, fmt.Errorf("waiting for region %s to be sized: %w", path, err)
		}
	}

	reg, err := mapRegion(fd, path)
	if err != nil {
		return nil, err
	}

	err = reg.waitForMagic(ctx, deadline, poll)
	if err != nil {
		return nil, err
	}

	return reg, nil
}

// attachRegion maps an existing, initialized region without creating it or
// waiting for it.
func attachRegion(path string) (*region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}

	reg, err := mapRegion(fd, path)
	if err != nil {
		return nil, err
	}

	err = reg.checkHeader()
	if err == nil {
		if ws := reg.state.worldSize.Load(); ws == 0 || ws > MaxRanks {
			err = fmt.Errorf("world size %d out of range: %w", ws, ErrCorrupt)
		}
	}

	if err != nil {
		_ = reg.unmap()

		return nil, err
	}

	return reg, nil
}

func fileSize(fd int) (int64, error) {
	var stat unix.Stat_t

	err := unix.Fstat(fd, &stat)
	if err != nil {
		return 0, fmt.Errorf("stat region: %w", err)
	}

	return stat.Size, nil
}

// mapRegion maps fd if the file has the expected size. fd is closed either
// way.
func mapRegion(fd int, path string) (*region, error) {
	size, err := fileSize(fd)
	if err == nil && size != int64(regionSize) {
		err = fmt.Errorf("region size %d != %d: %w", size, regionSize, ErrIncompatible)
	}

	if err != nil {
		_ = unix.Close(fd)

		return nil, err
	}

	data, err := unix.Mmap(fd, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	_ = unix.Close(fd)

	if err != nil {
		return nil, fmt.Errorf("mmap region: %w", err)
	}

	return &region{path: path, data: data, state: stateAt(data)}, nil
}

// waitForMagic waits until the creator publishes the magic, then checks the
// header. The region is unmapped on failure.
func (r *region) waitForMagic(ctx context.Context, deadline time.Time, poll time.Duration) error {
	for r.state.magic.Load() == 0 {
		err := sleepUntil(ctx, deadline, poll)
		if err != nil {
			_ = r.unmap()

			return fmt.Errorf("waiting for region %s to be initialized: %w", r.path, err)
		}
	}

	err := r.checkHeader()
	if err != nil {
		_ = r.unmap()

		return err
	}

	return nil
}

func (r *region) checkHeader() error {
	if magic := r.state.magic.Load(); magic != regionMagic {
		return fmt.Errorf("bad magic %#x: %w", magic, ErrCorrupt)
	}

	if version := r.state.version.Load(); version != layoutVersion {
		return fmt.Errorf("layout version %d != %d: %w", version, layoutVersion, ErrIncompatible)
	}

	return nil
}

// unmap releases the mapping. The typed view must not be used afterwards.
func (r *region) unmap() error {
	if r.data == nil {
		return nil
	}

	r.state = nil
	data := r.data
	r.data = nil

	err := unix.Munmap(data)
	if err != nil {
		return fmt.Errorf("munmap region: %w", err)
	}

	return nil
}

// unlink removes the region's name. Existing mappings stay valid; the memory
// is reclaimed once the last one is gone.
func unlinkRegion(path string) error {
	err := unix.Unlink(path)
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink region %s: %w", path, err)
	}

	return nil
}

// sleepUntil sleeps one poll interval, failing once deadline has passed or
// ctx is done.
func sleepUntil(ctx context.Context, deadline time.Time, poll time.Duration) error {
	if !time.Now().Before(deadline) {
		return ErrTimeout
	}

	timer := time.NewTimer(poll)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
