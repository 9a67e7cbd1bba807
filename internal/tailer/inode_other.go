//go:build !unix

package tailer

import "os"

// Inodes are unavailable; only truncation is detected.
func inodeOf(os.FileInfo) uint64 { return 0 }
