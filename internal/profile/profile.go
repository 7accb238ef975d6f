// Package profile defines the connection profile describing how photond
// reaches a Lightning node: spawning one locally, dialing a user-supplied
// remote node, or dialing a hosted service.
package profile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ConnectionType selects how the controller reaches the node.
type ConnectionType string

const (
	ConnectionLocal  ConnectionType = "local"
	ConnectionCustom ConnectionType = "custom"
	ConnectionHosted ConnectionType = "hosted"
)

// Setting keys. The required set for a profile is determined solely by its
// connection type.
const (
	SettingAlias     = "alias"
	SettingAutopilot = "autopilot"
	SettingHost      = "host"
	SettingCert      = "cert"
	SettingMacaroon  = "macaroon"
)

var requiredKeys = map[ConnectionType][]string{
	ConnectionLocal:  {SettingAlias, SettingAutopilot},
	ConnectionCustom: {SettingHost, SettingCert, SettingMacaroon},
	ConnectionHosted: {SettingHost},
}

// RequiredKeys returns the exact setting keys a profile of the given type
// must carry. The returned slice is a copy.
func RequiredKeys(ct ConnectionType) []string {
	keys, ok := requiredKeys[ct]
	if !ok {
		return nil
	}
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// ValidationError reports a profile whose settings do not exactly match the
// required key set for its connection type.
type ValidationError struct {
	Type    ConnectionType
	Missing []string
	Extra   []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "extra "+strings.Join(e.Extra, ", "))
	}
	if len(parts) == 0 {
		parts = append(parts, "unknown connection type")
	}
	return fmt.Sprintf("profile: invalid settings for %q connection: %s", e.Type, strings.Join(parts, "; "))
}

// Profile is the immutable per-session description of how to reach a node.
// Construct via New, which enforces the required-key invariant.
type Profile struct {
	connectionType ConnectionType
	currency       string
	network        string
	walletID       string
	settings       map[string]string
}

// New validates the settings against the required key set for the connection
// type and returns the constructed profile. Missing or extra keys are a
// construction error.
func New(ct ConnectionType, currency, network, walletID string, settings map[string]string) (Profile, error) {
	required, ok := requiredKeys[ct]
	if !ok {
		return Profile{}, &ValidationError{Type: ct}
	}

	verr := &ValidationError{Type: ct}
	for _, key := range required {
		if _, present := settings[key]; !present {
			verr.Missing = append(verr.Missing, key)
		}
	}
	requiredSet := make(map[string]struct{}, len(required))
	for _, key := range required {
		requiredSet[key] = struct{}{}
	}
	for key := range settings {
		if _, present := requiredSet[key]; !present {
			verr.Extra = append(verr.Extra, key)
		}
	}
	sort.Strings(verr.Missing)
	sort.Strings(verr.Extra)
	if len(verr.Missing) > 0 || len(verr.Extra) > 0 {
		return Profile{}, verr
	}

	copied := make(map[string]string, len(settings))
	for k, v := range settings {
		copied[k] = v
	}

	return Profile{
		connectionType: ct,
		currency:       currency,
		network:        network,
		walletID:       walletID,
		settings:       copied,
	}, nil
}

// ConnectionType returns how the node is reached.
func (p Profile) ConnectionType() ConnectionType { return p.connectionType }

// Currency returns the ledger currency the profile is scoped to.
func (p Profile) Currency() string { return p.currency }

// Network returns the chain network identifier (mainnet, testnet, ...).
func (p Profile) Network() string { return p.network }

// WalletID returns the opaque wallet identifier scoping storage paths.
func (p Profile) WalletID() string { return p.walletID }

// Local reports whether the profile spawns a local node process.
func (p Profile) Local() bool { return p.connectionType == ConnectionLocal }

// Settings returns a copy of the settings map.
func (p Profile) Settings() map[string]string {
	out := make(map[string]string, len(p.settings))
	for k, v := range p.settings {
		out[k] = v
	}
	return out
}

func (p Profile) setting(key string) string {
	return p.settings[key]
}

// Alias returns the node alias for local profiles.
func (p Profile) Alias() string { return p.setting(SettingAlias) }

// Autopilot reports whether autopilot is enabled for local profiles.
func (p Profile) Autopilot() bool {
	v, err := strconv.ParseBool(p.setting(SettingAutopilot))
	if err != nil {
		return false
	}
	return v
}

// Host returns the remote node endpoint for custom and hosted profiles.
func (p Profile) Host() string { return p.setting(SettingHost) }

// CertPath returns the TLS certificate path for custom profiles.
func (p Profile) CertPath() string { return p.setting(SettingCert) }

// MacaroonPath returns the macaroon credential path for custom profiles.
func (p Profile) MacaroonPath() string { return p.setting(SettingMacaroon) }
