//go:build !unix

package quota

import "errors"

// fsCapacity has no portable implementation here; the snapshot degrades
// to unknown.
func fsCapacity(dir string) (int64, int64, error) {
	return 0, 0, errors.New("filesystem capacity not supported on this platform")
}
