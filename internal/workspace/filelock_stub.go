//go:build !unix

package workspace

import "os"

// Only the in-process mutex serializes workspace changes here.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
