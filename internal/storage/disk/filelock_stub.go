//go:build !unix

package disk

import "os"

// lockFile is a stub on non-Unix platforms; the in-process mutexes still
// serialize writers within a single process.
func lockFile(f *os.File) error { return nil }

// unlockFile is a stub counterpart to lockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }
