//go:build !unix

package region

import "fmt"

// OpenMmap is unavailable on non-Unix platforms; Overwrite and Recover
// modes require a Unix target. Volatile mode (region.NewVolatile) works
// everywhere.
func OpenMmap(path string, size int) (Region, error) {
	return nil, fmt.Errorf("region: mmap-backed regions are not supported on this platform")
}
