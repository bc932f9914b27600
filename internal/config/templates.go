package config

// DefaultConfigTemplate is the fully commented sample configuration written
// by "tunnelctl config init".
const DefaultConfigTemplate = `# tunnelctl daemon configuration

# Application logging
logging:
  level: info               # Log level (debug, info, warn, error)
  format: text              # Log format (text or json)
  output: stderr            # Output destination (stdout, stderr, or a file path)

# Local control API (used by "tunnelctl ctl")
api:
  listen: "127.0.0.1:7390"  # Address to listen on
  # token: "${TUNNELCTL_API_TOKEN}"  # Bearer token required by the API (optional)

# Remote account and relay API
control_plane:
  base_url: "https://api.mullvad.net"
  timeout: "30s"            # Per-request timeout
  address_cache:
    enabled: true           # Remember the last API address that worked
    # path: "/var/lib/tunnelctl/api-address.txt"
    # fallback: "45.83.223.196:443"

# Periodic account and device check. These values have no defaults.
device_check:
  interval: "1h"            # How often to check the account and device
  rotation_interval: "168h" # Rotate the device key once it is this old
  timeout: "30s"            # Bound for each remote call
  backoff:
    initial: "30s"          # First retry delay after a failed check
    max: "15m"              # Retry delay cap
    multiplier: 2           # Growth per consecutive failure

# Control-plane reachability probe
connectivity:
  type: tcp                 # tcp or http
  # target: "api.mullvad.net:443"  # Defaults to the control-plane host
  interval: "30s"
  timeout: "5s"

# WireGuard device
tunnel:
  mode: netstack            # netstack (userspace, unprivileged) or tun (kernel TUN device)
  # interface_name: "wg-tunnelctl"  # tun mode only
  # mtu: 1380               # Overrides the user setting when set
  dns_probe_timeout: "2s"   # Query custom DNS servers before use (0 checks addresses only)

# Relay list
relays:
  cache_ttl: "1h"           # How long a fetched relay list is reused
  # list_url: "https://example.com/relays.json"  # Alternative relay list source

# Persistent state
storage:
  dir: "/var/lib/tunnelctl" # Settings, device state and the address cache
  keyring_service: "tunnelctl"  # OS keyring service for device private keys

# Prometheus metrics on /metrics
metrics:
  enabled: true
`
