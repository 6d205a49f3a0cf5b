package assemble

import "golang.org/x/sys/unix"

// AvailableBytes returns the free space on the filesystem containing dir.
func AvailableBytes(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// HasSpaceFor reports whether dir's filesystem has at least
// requiredFraction times expectedSize bytes free (spec.md §4.4: ≥ 110%).
func HasSpaceFor(dir string, expectedSize int64, requiredFraction float64) (bool, error) {
	free, err := AvailableBytes(dir)
	if err != nil {
		return false, err
	}
	needed := uint64(float64(expectedSize) * requiredFraction)
	return free >= needed, nil
}
