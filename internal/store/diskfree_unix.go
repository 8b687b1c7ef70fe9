//go:build unix

package store

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DiskFree returns the bytes available to the engine on the filesystem
// holding the database.
func (s *Store) DiskFree() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(s.path), &st); err != nil {
		return 0, storageErr("statfs", err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
