// Copyright 2026 The Memory-Allocator Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// brkSyscall moves the program break to addr and returns the new break.
// brkSyscall(0) queries the current break. The kernel leaves the break
// unchanged and returns its old value when the move fails, there is no
// errno at this level.
func brkSyscall(addr uintptr) uintptr {
	r, _, _ := unix.Syscall(unix.SYS_BRK, addr, 0, 0)
	return r
}

// mmap obtains a fresh private anonymous read-write region of size bytes.
func mmap(size int) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(&b[0]), nil
}

func unmap(addr unsafe.Pointer, size int) error {
	b := unsafe.Slice((*byte)(addr), size)
	return unix.Munmap(b)
}
