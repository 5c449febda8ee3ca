//go:build darwin

package main

import (
	"os"
	"syscall"
)

// fileIdentity extracts the (inode, mtime) pair the builder records for
// stale-closure detection (§4.F step 1) from the *syscall.Stat_t that
// os.FileInfo.Sys() returns on Darwin.
func fileIdentity(fi os.FileInfo) (inode uint64, mtime int64) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fi.ModTime().Unix()
	}
	return st.Ino, st.Mtimespec.Sec
}
