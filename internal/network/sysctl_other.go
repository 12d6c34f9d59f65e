//go:build !darwin

package network

func nativeSysctl(string) (string, bool) {
	return "", false
}
