package config

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for turnstile.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Approval ApprovalConfig `yaml:"approval,omitempty"`
	Timeline TimelineConfig `yaml:"timeline,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Store    StoreConfig    `yaml:"store,omitempty"`
	Channels ChannelsConfig `yaml:"channels,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures the WebSocket handshake credentials.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway listener.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}

// ApprovalConfig controls which tool invocations wait for a human.
type ApprovalConfig struct {
	Enabled               bool       `yaml:"enabled"`
	DefaultTimeoutMinutes float64    `yaml:"defaultTimeoutMinutes,omitempty"`
	RequiredTools         []ToolRule `yaml:"requiredTools,omitempty"`
}

// TimelineConfig controls timeline assembly and tool pairing.
type TimelineConfig struct {
	// ExcludedTools are never folded into a paired interaction.
	ExcludedTools []string `yaml:"excludedTools,omitempty"`
}

// SessionConfig controls per-session event processing.
type SessionConfig struct {
	MaxConcurrent     int `yaml:"maxConcurrent,omitempty"`
	LaneBuffer        int `yaml:"laneBuffer,omitempty"`
	PruneAfterMinutes int `yaml:"pruneAfterMinutes,omitempty"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// ChannelsConfig holds chat integrations used to relay approvals.
type ChannelsConfig struct {
	IRC *IRCConfig `yaml:"irc,omitempty"`
}

// IRCConfig defines the IRC approval relay.
type IRCConfig struct {
	Server   string   `yaml:"server"`
	Port     int      `yaml:"port,omitempty"`
	Nick     string   `yaml:"nick"`
	Password string   `yaml:"password,omitempty"`
	Channels []string `yaml:"channels"`
	UseTLS   bool     `yaml:"useTLS,omitempty"`
	SASL     bool     `yaml:"sasl,omitempty"`
	OpOnly   *bool    `yaml:"opOnly,omitempty"` // defaults to true
	Owner    string   `yaml:"owner,omitempty"`  // empty accepts any nick that passes opOnly

	// Multiline requests IRCv3 draft/multiline so prompts go out as one batch.
	Multiline bool `yaml:"multiline,omitempty"`
}

// RuleKind says how a ToolRule value is matched.
type RuleKind string

const (
	RuleExact   RuleKind = "exact"
	RulePattern RuleKind = "pattern"
)

// ToolRule names a tool, or a family of tools, that requires approval.
//
// In YAML a rule is either a mapping {kind, value} or a bare string. Bare
// strings wrapped in slashes ("/.*delete.*/") are patterns, everything else
// is an exact name. Use the mapping form for a literal name that starts and
// ends with a slash.
type ToolRule struct {
	Kind  RuleKind `yaml:"kind" json:"kind"`
	Value string   `yaml:"value" json:"value"`
}

// ParseToolRule interprets the bare-string form of a rule.
func ParseToolRule(s string) ToolRule {
	if len(s) >= 2 && s[0] == '/' && s[len(s)-1] == '/' {
		return ToolRule{Kind: RulePattern, Value: s[1 : len(s)-1]}
	}
	return ToolRule{Kind: RuleExact, Value: s}
}

// String renders the rule in its bare-string form.
func (r ToolRule) String() string {
	if r.Kind == RulePattern {
		return "/" + r.Value + "/"
	}
	return r.Value
}

func (r *ToolRule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*r = ParseToolRule(node.Value)
		return nil
	}
	type plain ToolRule
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.Kind == "" {
		p.Kind = RuleExact
	}
	*r = ToolRule(p)
	return nil
}

// UnmarshalJSON accepts the same two forms as the YAML decoder.
func (r *ToolRule) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = ParseToolRule(s)
		return nil
	}
	type plain ToolRule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Kind == "" {
		p.Kind = RuleExact
	}
	*r = ToolRule(p)
	return nil
}
