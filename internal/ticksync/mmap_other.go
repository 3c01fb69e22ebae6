//go:build !unix

package ticksync

import "errors"

func newMmapAllocator(string) (allocator, error) {
	return nil, errors.New("shared memory TickSync requires a unix platform")
}
