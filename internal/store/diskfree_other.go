//go:build !unix

package store

// DiskFree is not implemented on this platform; callers treat zero as
// "unknown" and skip the low-space warning.
func (s *Store) DiskFree() (uint64, error) {
	return 0, nil
}
