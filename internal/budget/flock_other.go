//go:build !unix

package budget

// lockFile is a no-op where flock is unavailable; the in-process mutex still applies.
func lockFile(string, bool) (func(), error) {
	return func() {}, nil
}
