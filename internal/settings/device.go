package settings

import (
	"fmt"
	"net/netip"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// DeviceKind tags the variant held by a DeviceState.
type DeviceKind uint8

const (
	DeviceLoggedOut DeviceKind = iota
	DeviceLoggedIn
	DeviceRevoked
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceLoggedOut:
		return "logged_out"
	case DeviceLoggedIn:
		return "logged_in"
	case DeviceRevoked:
		return "revoked"
	}
	return fmt.Sprintf("device(%d)", uint8(k))
}

func parseDeviceKind(s string) (DeviceKind, error) {
	switch s {
	case "logged_out", "":
		return DeviceLoggedOut, nil
	case "logged_in":
		return DeviceLoggedIn, nil
	case "revoked":
		return DeviceRevoked, nil
	}
	return 0, fmt.Errorf("unknown device state %q", s)
}

// StoredAccount is the account the device is logged in with.
type StoredAccount struct {
	Number string    `yaml:"number"`
	Expiry time.Time `yaml:"expiry,omitempty"`
}

// StoredDevice is the registered device identity.
type StoredDevice struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name,omitempty"`
	PublicKey   wgkey.Key    `yaml:"public_key"`
	KeyCreated  time.Time    `yaml:"key_created"`
	IPv4Address netip.Prefix `yaml:"ipv4_address"`
	IPv6Address netip.Prefix `yaml:"ipv6_address"`
}

// DeviceState is the login state of this device. The zero value is LoggedOut.
type DeviceState struct {
	kind    DeviceKind
	account StoredAccount
	device  StoredDevice
}

func LoggedOut() DeviceState { return DeviceState{kind: DeviceLoggedOut} }
func Revoked() DeviceState   { return DeviceState{kind: DeviceRevoked} }

// LoggedIn returns the logged in state for account and device.
func LoggedIn(account StoredAccount, device StoredDevice) DeviceState {
	return DeviceState{kind: DeviceLoggedIn, account: account, device: device}
}

func (d DeviceState) Kind() DeviceKind { return d.kind }

func (d DeviceState) IsLoggedIn() bool { return d.kind == DeviceLoggedIn }

// Account returns the stored account when logged in.
func (d DeviceState) Account() (StoredAccount, bool) {
	return d.account, d.kind == DeviceLoggedIn
}

// Device returns the stored device when logged in.
func (d DeviceState) Device() (StoredDevice, bool) {
	return d.device, d.kind == DeviceLoggedIn
}

// WithDevice replaces the device of a logged in state. Other states are
// returned unchanged.
func (d DeviceState) WithDevice(device StoredDevice) DeviceState {
	if d.kind != DeviceLoggedIn {
		return d
	}
	d.device = device
	return d
}

// WithAccountExpiry updates the cached account expiry of a logged in state.
func (d DeviceState) WithAccountExpiry(expiry time.Time) DeviceState {
	if d.kind != DeviceLoggedIn {
		return d
	}
	d.account.Expiry = expiry
	return d
}

func (d DeviceState) String() string {
	if d.kind == DeviceLoggedIn {
		return fmt.Sprintf("%s(%s)", d.kind, d.device.ID)
	}
	return d.kind.String()
}

type deviceStateYAML struct {
	State   string         `yaml:"state"`
	Account *StoredAccount `yaml:"account,omitempty"`
	Device  *StoredDevice  `yaml:"device,omitempty"`
}

// MarshalYAML implements yaml.Marshaler.
func (d DeviceState) MarshalYAML() (any, error) {
	out := deviceStateYAML{State: d.kind.String()}
	if d.kind == DeviceLoggedIn {
		account, device := d.account, d.device
		out.Account = &account
		out.Device = &device
	}
	return out, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DeviceState) UnmarshalYAML(value *yaml.Node) error {
	var in deviceStateYAML
	if err := value.Decode(&in); err != nil {
		return err
	}
	kind, err := parseDeviceKind(in.State)
	if err != nil {
		return err
	}
	switch kind {
	case DeviceLoggedIn:
		if in.Account == nil || in.Device == nil {
			return fmt.Errorf("logged in device state requires account and device")
		}
		*d = LoggedIn(*in.Account, *in.Device)
	case DeviceRevoked:
		*d = Revoked()
	case DeviceLoggedOut:
		*d = LoggedOut()
	}
	return nil
}
