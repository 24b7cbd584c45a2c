package types

const (
	// JointCurrentField matches when any joint current exceeds the threshold
	JointCurrentField = "joint_current"

	DefaultSeverity        = "warning"
	DefaultCooldownSeconds = 30.0
)

// Rule is a named threshold check over one sample field.
// Enabled, Severity and CooldownSeconds are pointers/zero-aware so that
// a descriptor omitting them picks up the defaults.
type Rule struct {
	Name            string   `json:"name" yaml:"name"`
	Field           string   `json:"condition" yaml:"field"`
	Threshold       float64  `json:"threshold" yaml:"threshold"`
	Enabled         *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Severity        string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	CooldownSeconds *float64 `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
}

// NewRule returns an enabled rule with default severity and cooldown
func NewRule(name, field string, threshold float64) Rule {
	return Rule{Name: name, Field: field, Threshold: threshold}.WithDefaults()
}

// WithDefaults fills unset optional attributes
func (r Rule) WithDefaults() Rule {
	if r.Enabled == nil {
		enabled := true
		r.Enabled = &enabled
	} else {
		enabled := *r.Enabled
		r.Enabled = &enabled
	}
	if r.Severity == "" {
		r.Severity = DefaultSeverity
	}
	if r.CooldownSeconds == nil {
		cooldown := DefaultCooldownSeconds
		r.CooldownSeconds = &cooldown
	} else {
		cooldown := *r.CooldownSeconds
		r.CooldownSeconds = &cooldown
	}
	return r
}

// IsEnabled reports whether the rule is evaluated; unset means enabled
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Cooldown returns the cooldown in seconds; unset means the default
func (r Rule) Cooldown() float64 {
	if r.CooldownSeconds == nil {
		return DefaultCooldownSeconds
	}
	return *r.CooldownSeconds
}

// SetEnabled returns a copy of r with Enabled set to v
func (r Rule) SetEnabled(v bool) Rule {
	r.Enabled = &v
	return r
}

// SetCooldown returns a copy of r with CooldownSeconds set to seconds
func (r Rule) SetCooldown(seconds float64) Rule {
	r.CooldownSeconds = &seconds
	return r
}
