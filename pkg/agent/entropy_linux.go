//go:build linux

package agent

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// addEntropy credits words to the kernel entropy pool via the RNDADDENTROPY
// ioctl. Every bit of the payload is credited as full entropy: the harness
// only needs the guest pool topped up quickly after boot, not secure
// randomness.
func addEntropy(words []uint32) error {
	fd, err := unix.Open("/dev/urandom", unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open /dev/urandom: %w", err)
	}
	defer unix.Close(fd)

	// struct rand_pool_info { int entropy_count; int buf_size; __u32 buf[]; }
	payload := make([]uint32, 2+len(words))
	payload[0] = uint32(len(words) * 4 * 8) // entropy_count, in bits
	payload[1] = uint32(len(words) * 4)     // buf_size, in bytes
	copy(payload[2:], words)

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.RNDADDENTROPY),
		uintptr(unsafe.Pointer(&payload[0])),
	)
	if errno != 0 {
		return fmt.Errorf("error executing RNDADDENTROPY ioctl: %w", errno)
	}
	return nil
}
