package workload

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
)

// Discover returns the regular files under root whose slash-separated path
// relative to root matches pattern, sorted. Every rank must see the same
// list for sharding to partition it.
func Discover(ctx context.Context, root, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidWorkload, pattern)
	}

	var (
		mu    sync.Mutex
		files []string
	)

	conf := fastwalk.Config{Follow: false}

	err := fastwalk.Walk(&conf, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		if !doublestar.MatchUnvalidated(pattern, filepath.ToSlash(rel)) {
			return nil
		}

		mu.Lock()
		files = append(files, p)
		mu.Unlock()

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}

	slices.Sort(files)

	return files, nil
}

// ReadFileList reads one path per line. Blank lines and lines starting with
// '#' are skipped; relative paths resolve against the list's directory.
func ReadFileList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read filelist: %w", err)
	}
	defer f.Close()

	base := filepath.Dir(path)

	var files []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}

		files = append(files, line)
	}

	err = sc.Err()
	if err != nil {
		return nil, fmt.Errorf("read filelist %s: %w", path, err)
	}

	return files, nil
}
