//go:build !unix

package lockfile

import "os"

// File locking is advisory and unix-only. Other platforms run
// unguarded; the daemon still refuses concurrent cycles in-process.

func flockExclusive(_ *os.File) error { return nil }

func flockUnlock(_ *os.File) error { return nil }
