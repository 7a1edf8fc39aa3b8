//go:build linux

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const mpolPreferred = 1

// bindPreferred asks the kernel to place the pages of b on node when possible.
func bindPreferred(b []byte, node int) error {
	if len(b) == 0 {
		return nil
	}
	const bitsPerWord = 64
	mask := make([]uint64, node/bitsPerWord+1)
	mask[node/bitsPerWord] |= 1 << (uint(node) % bitsPerWord)

	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(unsafe.SliceData(b))),
		uintptr(len(b)),
		mpolPreferred,
		uintptr(unsafe.Pointer(unsafe.SliceData(mask))),
		uintptr(len(mask)*bitsPerWord+1),
		0)
	if errno != 0 {
		return fmt.Errorf("mbind(MPOL_PREFERRED, node %d): %w", node, errno)
	}
	return nil
}
