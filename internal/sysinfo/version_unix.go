//go:build linux || darwin || freebsd || netbsd || openbsd

// ABOUTME: OS version lookup via uname(2)
// ABOUTME: Reports sysname + release, e.g. "Linux 6.8.0"

package sysinfo

import (
	"golang.org/x/sys/unix"
)

func osVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return unknown
	}
	sysname := unix.ByteSliceToString(uts.Sysname[:])
	release := unix.ByteSliceToString(uts.Release[:])
	if release == "" {
		return unknown
	}
	return sysname + " " + release
}
