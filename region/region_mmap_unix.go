//go:build unix

package region

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion is a Region backed by a memory-mapped file, used for the
// persistent Overwrite and Recover modes: writes land directly in the
// page cache and Flush forces them out with msync.
type mmapRegion struct {
	file *os.File
	data []byte
}

// OpenMmap opens (creating if needed) path, truncates it to size bytes
// if it is smaller, and maps the first size bytes shared and
// read-write.
func OpenMmap(path string, size int) (Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: stat %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("region: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}

	return &mmapRegion{file: f, data: data}, nil
}

func (r *mmapRegion) Bytes() []byte { return r.data }
func (r *mmapRegion) Len() int      { return len(r.data) }

func (r *mmapRegion) Flush() error {
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("region: msync: %w", err)
	}
	return nil
}

func (r *mmapRegion) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		r.file.Close()
		return fmt.Errorf("region: munmap: %w", err)
	}
	return r.file.Close()
}
