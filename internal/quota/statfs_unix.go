//go:build unix

package quota

import "golang.org/x/sys/unix"

// fsCapacity reports (total, available) bytes for the filesystem holding
// dir.
func fsCapacity(dir string) (int64, int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, 0, err
	}
	bsize := int64(st.Bsize)
	return int64(st.Blocks) * bsize, int64(st.Bavail) * bsize, nil
}
