// Package profile defines deployment behavior profiles: which optional
// cognitive states a deployment enables and under what policy the agent
// consents to shutdown.
//
// A profile is loaded once at startup and is immutable for the run.
// WORK and SHUTDOWN are not listed here because they are always
// reachable; only the optional states carry a policy.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StatePolicy enables or disables one optional cognitive state.
type StatePolicy struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Rationale string `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// ShutdownMode selects how the agent consents to shutdown.
type ShutdownMode string

const (
	// ShutdownAlwaysConsent requires consent for every shutdown.
	ShutdownAlwaysConsent ShutdownMode = "always_consent"
	// ShutdownInstant never requires consent.
	ShutdownInstant ShutdownMode = "instant"
	// ShutdownConditional requires consent only when one of the
	// listed conditions triggers.
	ShutdownConditional ShutdownMode = "conditional"
)

// ShutdownPolicy is the consent policy for the shutdown transition.
//
// Mode is deliberately not validated against the known set at load
// time: the condition evaluator fails safe on anything it does not
// recognize, and rejecting the file here would turn that safety net
// into a crash.
type ShutdownPolicy struct {
	Mode                     ShutdownMode `yaml:"mode" json:"mode"`
	Rationale                string       `yaml:"rationale,omitempty" json:"rationale,omitempty"`
	RequireConsentWhen       []string     `yaml:"require_consent_when,omitempty" json:"require_consent_when,omitempty"`
	InstantShutdownOtherwise bool         `yaml:"instant_shutdown_otherwise,omitempty" json:"instant_shutdown_otherwise,omitempty"`
}

// Profile is one deployment's behavior profile.
type Profile struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Wakeup   StatePolicy `yaml:"wakeup" json:"wakeup"`
	Play     StatePolicy `yaml:"play" json:"play"`
	Dream    StatePolicy `yaml:"dream" json:"dream"`
	Solitude StatePolicy `yaml:"solitude" json:"solitude"`

	Shutdown ShutdownPolicy `yaml:"shutdown" json:"shutdown"`
}

// Default returns the profile used when no file is configured: every
// optional state enabled, shutdown conditional on the built-in safety
// conditions, defaulting to consent when nothing triggers.
func Default() *Profile {
	return &Profile{
		Name:        "default",
		Description: "All optional states enabled, conditional shutdown consent",
		Wakeup:      StatePolicy{Enabled: true, Rationale: "identity confirmation on startup"},
		Play:        StatePolicy{Enabled: true, Rationale: "creative exploration permitted"},
		Dream:       StatePolicy{Enabled: true, Rationale: "memory consolidation permitted"},
		Solitude:    StatePolicy{Enabled: true, Rationale: "reflection permitted"},
		Shutdown: ShutdownPolicy{
			Mode:      ShutdownConditional,
			Rationale: "negotiate unless the agent is mid-obligation",
			RequireConsentWhen: []string{
				"active_crisis_response",
				"pending_deferred_decision",
			},
			InstantShutdownOtherwise: false,
		},
	}
}

// Load reads a profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks structural requirements. Policy choices that only
// affect runtime behavior (unknown shutdown modes, unknown condition
// names) are reported by Warnings instead.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	return nil
}

// Warnings returns human-readable notes about policy values the
// runtime will tolerate but degrade on. Callers log these at startup.
func (p *Profile) Warnings() []string {
	var warnings []string
	switch p.Shutdown.Mode {
	case ShutdownAlwaysConsent, ShutdownInstant, ShutdownConditional:
	case "":
		warnings = append(warnings, "shutdown.mode is unset; every shutdown will require consent")
	default:
		warnings = append(warnings, fmt.Sprintf("shutdown.mode %q is not recognized; every shutdown will require consent", p.Shutdown.Mode))
	}
	if p.Shutdown.Mode == ShutdownConditional && len(p.RequireConsentWhen()) == 0 {
		warnings = append(warnings, "shutdown.mode is conditional but require_consent_when is empty")
	}
	return warnings
}

// RequireConsentWhen returns the ordered condition list for the
// conditional mode.
func (p *Profile) RequireConsentWhen() []string {
	return p.Shutdown.RequireConsentWhen
}

// Write serializes the profile to a YAML file. Used by the init
// wizard to materialize templates.
func (p *Profile) Write(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profile file: %w", err)
	}
	return nil
}
