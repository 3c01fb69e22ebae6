//go:build unix

package ticksync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

const headerFile = "TickSync.dir"

type mmapAllocator struct {
	dir string
}

func newMmapAllocator(dir string) (*mmapAllocator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &mmapAllocator{dir: dir}, nil
}

type mapping struct {
	data []byte
}

func (m *mapping) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func (a *mmapAllocator) header() (*header, io.Closer, error) {
	data, err := mapFile(filepath.Join(a.dir, headerFile), int(unsafe.Sizeof(header{})))
	if err != nil {
		return nil, nil, err
	}
	return (*header)(unsafe.Pointer(&data[0])), &mapping{data: data}, nil
}

func (a *mmapAllocator) page(index, size int) ([]Record, io.Closer, error) {
	name := filepath.Join(a.dir, fmt.Sprintf("TickSync.%d", index))
	data, err := mapFile(name, size*RecordSize)
	if err != nil {
		return nil, nil, err
	}
	return unsafe.Slice((*Record)(unsafe.Pointer(&data[0])), size), &mapping{data: data}, nil
}

// mapFile opens (creating and zero-extending if needed) and maps a file shared.
func mapFile(name string, size int) ([]byte, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, err
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return data, nil
}
