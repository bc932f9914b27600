//go:build linux

package tunnel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

const tunDevicePath = "/dev/net/tun"

// checkTUNPermission reports whether this process may open the TUN clone
// device.
func checkTUNPermission() error {
	err := unix.Access(tunDevicePath, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s: %w", tunnelstate.ErrVPNPermissionDenied, tunDevicePath, err)
	default:
		return fmt.Errorf("%w: %s: %w", tunnelstate.ErrStartTunnel, tunDevicePath, err)
	}
}
