//go:build !linux

package tunnel

// checkTUNPermission is a no-op here; tun.CreateTUN reports denial itself.
func checkTUNPermission() error {
	return nil
}
