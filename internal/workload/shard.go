package workload

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Strategy decides which rank reads which file.
type Strategy string

// Shard strategies.
const (
	// Interleaved gives file i to rank i mod worldSize.
	Interleaved Strategy = "interleaved"
	// Contiguous gives each rank one block; the first len%worldSize ranks
	// get one extra file.
	Contiguous Strategy = "contiguous"
	// Hash gives a file to murmur3(path) mod worldSize, so the assignment
	// does not depend on list order.
	Hash Strategy = "hash"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case Interleaved, Contiguous, Hash:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: interleaved, contiguous, hash)", ErrUnknownStrategy, s)
	}
}

// Shard returns rank's share of files. Over all ranks of a group the shares
// partition files. files is not modified.
func Shard(files []string, rank, worldSize uint32, strategy Strategy) ([]string, error) {
	if worldSize == 0 || rank >= worldSize {
		return nil, fmt.Errorf("%w: rank %d of world size %d", ErrInvalidWorkload, rank, worldSize)
	}

	n := uint32(len(files)) //nolint:gosec // file lists are far below 4G entries
	var out []string

	switch strategy {
	case Interleaved:
		for i := rank; i < n; i += worldSize {
			out = append(out, files[i])
		}
	case Contiguous:
		chunk, rem := n/worldSize, n%worldSize
		start := rank*chunk + min(rank, rem)
		end := start + chunk
		if rank < rem {
			end++
		}

		out = append(out, files[start:end]...)
	case Hash:
		for _, f := range files {
			if murmur3.Sum32([]byte(f))%worldSize == rank {
				out = append(out, f)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	return out, nil
}
