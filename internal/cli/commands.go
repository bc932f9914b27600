// Package cli provides the ctl commands that drive a running tunnelctl
// daemon through its local API.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/tunnelctl/internal/api"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// DefaultAPIURL is the address the daemon API listens on by default.
const DefaultAPIURL = "http://127.0.0.1:7390"

// TokenEnv is read when --token is not given.
const TokenEnv = "TUNNELCTL_API_TOKEN"

// APIClient is a client for the daemon REST API.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Out     io.Writer
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		// Connect waits for the tunnel to come up.
		Client: &http.Client{Timeout: 2*time.Minute + 10*time.Second},
		Out:    os.Stdout,
	}
}

// NewCommands creates the ctl command group.
func NewCommands() *cobra.Command {
	var apiURL string
	var apiToken string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running tunnelctl daemon",
	}

	root.PersistentFlags().StringVar(&apiURL, "api", DefaultAPIURL, "API server URL")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "API authentication token (default $"+TokenEnv+")")

	newClient := func(cmd *cobra.Command) *APIClient {
		token := apiToken
		if token == "" {
			token = os.Getenv(TokenEnv)
		}
		c := NewAPIClient(apiURL, token)
		c.Out = cmd.OutOrStdout()
		return c
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).ShowStatus()
		},
	}

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect the tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).Connect()
		},
	}

	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).Disconnect()
		},
	}

	reconnectCmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Reconnect to a newly selected relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).Reconnect()
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run a device check now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).TriggerDeviceCheck()
		},
	}

	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Show device and account state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).ShowDevice()
		},
	}

	loginCmd := &cobra.Command{
		Use:   "login [account]",
		Short: "Log in and register this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).Login(args[0])
		},
	}

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Disconnect and remove this device from the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).Logout()
		},
	}

	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).ShowSettings()
		},
	}

	var update SettingsUpdate
	settingsSetCmd := &cobra.Command{
		Use:   "set",
		Short: "Change settings",
		Long: `Change settings. Only the flags given are changed.

Example:
  tunnelctl ctl settings set --country se --city got
  tunnelctl ctl settings set --dns 9.9.9.9,149.112.112.112
  tunnelctl ctl settings set --dns ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			update.setCountry = flags.Changed("country")
			update.setCity = flags.Changed("city")
			update.setHostname = flags.Changed("hostname")
			update.setMTU = flags.Changed("mtu")
			update.setIPv6 = flags.Changed("ipv6")
			update.setDNS = flags.Changed("dns")
			return newClient(cmd).UpdateSettings(update)
		},
	}
	settingsSetCmd.Flags().StringVar(&update.Country, "country", "", "Relay country code")
	settingsSetCmd.Flags().StringVar(&update.City, "city", "", "Relay city code")
	settingsSetCmd.Flags().StringVar(&update.Hostname, "hostname", "", "Relay hostname")
	settingsSetCmd.Flags().IntVar(&update.MTU, "mtu", 0, "Tunnel MTU (0 for default)")
	settingsSetCmd.Flags().BoolVar(&update.IPv6, "ipv6", false, "Enable IPv6 in the tunnel")
	settingsSetCmd.Flags().StringVar(&update.DNS, "dns", "", "Custom DNS servers, comma-separated (empty to disable)")
	settingsCmd.AddCommand(settingsSetCmd)

	root.AddCommand(statusCmd, connectCmd, disconnectCmd, reconnectCmd, checkCmd, deviceCmd,
		loginCmd, logoutCmd, settingsCmd)

	return root
}

func (c *APIClient) doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.Client.Do(req)
}

// call sends body as JSON and decodes a 2xx response into out.
func (c *APIClient) call(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	resp, err := c.doRequest(method, path, r)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) getJSON(path string, v any) error {
	return c.call(http.MethodGet, path, nil, v)
}

// apiError turns an error response into an error, naming the tunnel state
// when the daemon attached one.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e struct {
		Error  string                    `json:"error"`
		Status *tunnelstate.TunnelStatus `json:"status"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if e.Status != nil && e.Status.State.IsError() {
		return fmt.Errorf("API error: %s - %s (state %s)", resp.Status, e.Error, e.Status.State)
	}
	return fmt.Errorf("API error: %s - %s", resp.Status, e.Error)
}

func (c *APIClient) printStatus(s tunnelstate.TunnelStatus) {
	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", s.State.Kind())
	if cause, ok := s.State.Cause(); ok {
		fmt.Fprintf(w, "Cause:\t%s\n", cause)
	}
	if s.Relay != "" {
		fmt.Fprintf(w, "Relay:\t%s\n", s.Relay)
	}
	fmt.Fprintf(w, "Network:\t%s\n", s.Network)
	w.Flush()
}

// ShowStatus prints the tunnel status.
func (c *APIClient) ShowStatus() error {
	var s tunnelstate.TunnelStatus
	if err := c.getJSON("/api/v1/status", &s); err != nil {
		return err
	}
	c.printStatus(s)
	return nil
}

// Connect starts the tunnel and prints the resulting status.
func (c *APIClient) Connect() error {
	return c.command("/api/v1/connect")
}

// Disconnect stops the tunnel.
func (c *APIClient) Disconnect() error {
	return c.command("/api/v1/disconnect")
}

// Reconnect moves the tunnel to a newly selected relay.
func (c *APIClient) Reconnect() error {
	return c.command("/api/v1/reconnect")
}

func (c *APIClient) command(path string) error {
	var s tunnelstate.TunnelStatus
	if err := c.call(http.MethodPost, path, nil, &s); err != nil {
		return err
	}
	c.printStatus(s)
	return nil
}

// TriggerDeviceCheck schedules a device check.
func (c *APIClient) TriggerDeviceCheck() error {
	if err := c.call(http.MethodPost, "/api/v1/device/check", nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, "Device check scheduled")
	return nil
}

func (c *APIClient) printDevice(d api.DeviceResponse) {
	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", d.State)
	if d.Account != "" {
		fmt.Fprintf(w, "Account:\t%s\n", d.Account)
	}
	if d.AccountExpiry != nil {
		fmt.Fprintf(w, "Expires:\t%s\n", d.AccountExpiry.Format(time.RFC3339))
	}
	if d.DeviceID != "" {
		fmt.Fprintf(w, "Device:\t%s (%s)\n", d.DeviceName, d.DeviceID)
	}
	if d.PublicKey != "" {
		fmt.Fprintf(w, "Public key:\t%s\n", d.PublicKey)
	}
	if d.KeyCreated != nil {
		fmt.Fprintf(w, "Key created:\t%s\n", d.KeyCreated.Format(time.RFC3339))
	}
	for _, addr := range []string{d.IPv4Address, d.IPv6Address} {
		if addr != "" {
			fmt.Fprintf(w, "Address:\t%s\n", addr)
		}
	}
	w.Flush()
}

// ShowDevice prints the device state.
func (c *APIClient) ShowDevice() error {
	var d api.DeviceResponse
	if err := c.getJSON("/api/v1/device", &d); err != nil {
		return err
	}
	c.printDevice(d)
	return nil
}

// Login logs the daemon in with account.
func (c *APIClient) Login(account string) error {
	var d api.DeviceResponse
	if err := c.call(http.MethodPost, "/api/v1/account/login", api.LoginRequest{Account: account}, &d); err != nil {
		return err
	}
	c.printDevice(d)
	return nil
}

// Logout logs the daemon out.
func (c *APIClient) Logout() error {
	if err := c.call(http.MethodPost, "/api/v1/account/logout", nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, "Logged out")
	return nil
}

func (c *APIClient) printSettings(st settings.Settings) {
	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Country:\t%s\n", orAny(st.Relays.Country))
	fmt.Fprintf(w, "City:\t%s\n", orAny(st.Relays.City))
	fmt.Fprintf(w, "Hostname:\t%s\n", orAny(st.Relays.Hostname))
	if len(st.Relays.Providers) > 0 {
		fmt.Fprintf(w, "Providers:\t%s\n", strings.Join(st.Relays.Providers, ", "))
	}
	fmt.Fprintf(w, "Owned only:\t%t\n", st.Relays.OwnedOnly)
	fmt.Fprintf(w, "MTU:\t%d\n", st.EffectiveMTU())
	fmt.Fprintf(w, "IPv6:\t%t\n", st.Tunnel.EnableIPv6)
	if st.Tunnel.DNS.UseCustom {
		servers := make([]string, 0, len(st.Tunnel.DNS.Servers))
		for _, s := range st.Tunnel.DNS.Servers {
			servers = append(servers, s.String())
		}
		fmt.Fprintf(w, "DNS:\t%s\n", strings.Join(servers, ", "))
	} else {
		fmt.Fprintf(w, "DNS:\t%s\n", "relay")
	}
	w.Flush()
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

// ShowSettings prints the daemon settings.
func (c *APIClient) ShowSettings() error {
	var st settings.Settings
	if err := c.getJSON("/api/v1/settings", &st); err != nil {
		return err
	}
	c.printSettings(st)
	return nil
}

// SettingsUpdate lists the settings to change. Only fields whose set flag is
// true are applied.
type SettingsUpdate struct {
	Country  string
	City     string
	Hostname string
	MTU      int
	IPv6     bool
	DNS      string

	setCountry, setCity, setHostname, setMTU, setIPv6, setDNS bool
}

func (u SettingsUpdate) apply(st settings.Settings) (settings.Settings, error) {
	if u.setCountry {
		st.Relays.Country = u.Country
	}
	if u.setCity {
		st.Relays.City = u.City
	}
	if u.setHostname {
		st.Relays.Hostname = u.Hostname
	}
	if u.setMTU {
		st.Tunnel.MTU = u.MTU
	}
	if u.setIPv6 {
		st.Tunnel.EnableIPv6 = u.IPv6
	}
	if u.setDNS {
		var servers []netip.Addr
		for _, s := range strings.Split(u.DNS, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return st, fmt.Errorf("invalid dns server %q: %w", s, err)
			}
			servers = append(servers, addr)
		}
		st.Tunnel.DNS.Servers = servers
		st.Tunnel.DNS.UseCustom = len(servers) > 0
	}
	return st, nil
}

// UpdateSettings reads the current settings, applies u and writes them back.
func (c *APIClient) UpdateSettings(u SettingsUpdate) error {
	var st settings.Settings
	if err := c.getJSON("/api/v1/settings", &st); err != nil {
		return err
	}
	st, err := u.apply(st)
	if err != nil {
		return err
	}
	var updated settings.Settings
	if err := c.call(http.MethodPut, "/api/v1/settings", st, &updated); err != nil {
		return err
	}
	c.printSettings(updated)
	return nil
}
