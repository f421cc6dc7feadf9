//go:build unix

package guestmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func allocate(size uint64) ([]byte, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("size %d exceeds host address limit", size)
	}
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}
