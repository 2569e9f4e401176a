package approval

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/soyeahso/turnstile/internal/config"
)

// Policy is an ApprovalConfig with its pattern rules compiled. A Policy is
// immutable; config changes swap in a new one.
type Policy struct {
	cfg      config.ApprovalConfig
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// CompilePolicy compiles every pattern rule once.
func CompilePolicy(cfg config.ApprovalConfig) (*Policy, error) {
	p := &Policy{
		cfg:   cfg,
		exact: make(map[string]struct{}),
	}
	p.cfg.RequiredTools = slices.Clone(cfg.RequiredTools)

	for i, rule := range cfg.RequiredTools {
		switch rule.Kind {
		case config.RuleExact, "":
			p.exact[rule.Value] = struct{}{}
		case config.RulePattern:
			re, err := regexp.Compile(rule.Value)
			if err != nil {
				return nil, fmt.Errorf("approval: rule %d %q: %w", i, rule.String(), err)
			}
			p.patterns = append(p.patterns, re)
		default:
			return nil, fmt.Errorf("approval: rule %d: unknown kind %q", i, rule.Kind)
		}
	}
	return p, nil
}

// Matches reports whether toolName needs sign-off. A disabled policy
// matches nothing.
func (p *Policy) Matches(toolName string) bool {
	if !p.cfg.Enabled {
		return false
	}
	if _, ok := p.exact[toolName]; ok {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(toolName) {
			return true
		}
	}
	return false
}

// DefaultTimeout converts the configured minutes to a duration.
func (p *Policy) DefaultTimeout() time.Duration {
	return Minutes(p.cfg.DefaultTimeoutMinutes)
}

// Config returns a copy of the configuration the policy was built from.
func (p *Policy) Config() config.ApprovalConfig {
	c := p.cfg
	c.RequiredTools = slices.Clone(p.cfg.RequiredTools)
	return c
}

// Minutes converts fractional minutes to a duration.
func Minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// ConfigPatch is a partial ApprovalConfig. Nil fields are left unchanged.
type ConfigPatch struct {
	Enabled               *bool              `json:"enabled,omitempty"`
	DefaultTimeoutMinutes *float64           `json:"defaultTimeoutMinutes,omitempty"`
	RequiredTools         *[]config.ToolRule `json:"requiredTools,omitempty"`
}

func (c ConfigPatch) apply(cfg config.ApprovalConfig) config.ApprovalConfig {
	if c.Enabled != nil {
		cfg.Enabled = *c.Enabled
	}
	if c.DefaultTimeoutMinutes != nil {
		cfg.DefaultTimeoutMinutes = *c.DefaultTimeoutMinutes
	}
	if c.RequiredTools != nil {
		cfg.RequiredTools = slices.Clone(*c.RequiredTools)
	}
	return cfg
}
