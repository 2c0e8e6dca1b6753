//go:build !(linux || darwin || freebsd || netbsd || openbsd)

// ABOUTME: OS version fallback for platforms without uname(2)
// ABOUTME: Reports "unknown" where no version source is wired

package sysinfo

func osVersion() string {
	return unknown
}
