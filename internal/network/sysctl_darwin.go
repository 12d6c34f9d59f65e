//go:build darwin

package network

import (
	"strconv"

	"golang.org/x/sys/unix"
)

func nativeSysctl(key string) (string, bool) {
	v, err := unix.SysctlUint32(key)
	if err != nil {
		return "", false
	}
	return strconv.FormatUint(uint64(v), 10), true
}
