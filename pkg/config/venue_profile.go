package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// VenueProfile describes the operational envelope for a single execution
// venue the operator control plane commands: networking policy for
// reaching it, the crypto policy governing its API key rotation, the
// escalation thresholds operator ceremonies must clear before a command
// reaches it, and how long its audit trail is retained.
type VenueProfile struct {
	Name         string             `yaml:"name" json:"name"`
	Venue        string             `yaml:"venue" json:"venue"`
	Ceremony     CeremonyConfig     `yaml:"ceremony" json:"ceremony"`
	Compliance   []string           `yaml:"compliance" json:"compliance"`
	Networking   NetworkingConfig   `yaml:"networking" json:"networking"`
	CryptoPolicy CryptoPolicyConfig `yaml:"crypto_policy" json:"crypto_policy"`
	Retention    RetentionConfig    `yaml:"retention" json:"retention"`
}

// CeremonyConfig holds escalation thresholds an operator intent targeting
// this venue must clear, on top of the base RBAC/signature checks.
type CeremonyConfig struct {
	MinTimelockMs    int    `yaml:"min_timelock_ms" json:"min_timelock_ms"`
	MinHoldMs        int    `yaml:"min_hold_ms" json:"min_hold_ms"`
	RequireChallenge bool   `yaml:"require_challenge" json:"require_challenge"`
	DomainSeparation string `yaml:"domain_separation" json:"domain_separation"`
}

// NetworkingConfig controls which hosts the venue adapter may reach.
type NetworkingConfig struct {
	OutboundMode string   `yaml:"outbound_mode" json:"outbound_mode"` // "allowlist" | "denylist" | "island"
	Allowlist    []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist     []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
	IslandMode   bool     `yaml:"island_mode" json:"island_mode"` // if true, block all outbound to this venue
}

// CryptoPolicyConfig defines the allowed signing algorithms and key
// rotation cadence for a venue's API credentials.
type CryptoPolicyConfig struct {
	AllowedAlgorithms []string `yaml:"allowed_algorithms" json:"allowed_algorithms"`
	KeyRotationDays   int      `yaml:"key_rotation_days" json:"key_rotation_days"`
	RequireHSM        bool     `yaml:"require_hsm,omitempty" json:"require_hsm,omitempty"`
}

// RetentionConfig defines how long this venue's audit and fill records
// are kept.
type RetentionConfig struct {
	MaxDays      int `yaml:"max_days" json:"max_days"`
	AuditLogDays int `yaml:"audit_log_days" json:"audit_log_days"`
}

// LoadVenueProfile loads a venue profile YAML by venue code. It searches
// profilesDir for venue_<code>.yaml.
func LoadVenueProfile(profilesDir, venue string) (*VenueProfile, error) {
	venue = strings.ToLower(venue)
	path := filepath.Join(profilesDir, fmt.Sprintf("venue_%s.yaml", venue))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load venue profile %q: %w", venue, err)
	}

	var profile VenueProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse venue profile %q: %w", venue, err)
	}

	if profile.Venue == "" {
		profile.Venue = venue
	}
	return &profile, nil
}

// LoadAllVenueProfiles loads every venue_*.yaml file from profilesDir.
func LoadAllVenueProfiles(profilesDir string) (map[string]*VenueProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "venue_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*VenueProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile VenueProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Venue == "" {
			base := filepath.Base(path)
			profile.Venue = strings.TrimSuffix(strings.TrimPrefix(base, "venue_"), ".yaml")
		}
		profiles[profile.Venue] = &profile
	}

	return profiles, nil
}

// IsIslandMode returns true if the profile blocks all outbound networking
// to this venue, i.e. every execution command targeting it must be
// rejected before it reaches the bus.
func (p *VenueProfile) IsIslandMode() bool {
	return p.Networking.IslandMode || p.Networking.OutboundMode == "island"
}

// IsAllowed reports whether hostname may be reached under this venue's
// networking policy.
func (p *VenueProfile) IsAllowed(hostname string) bool {
	if p.IsIslandMode() {
		return false
	}

	switch p.Networking.OutboundMode {
	case "allowlist":
		for _, h := range p.Networking.Allowlist {
			if h == hostname {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range p.Networking.Denylist {
			if h == hostname {
				return false
			}
		}
		return true
	default:
		return true
	}
}
