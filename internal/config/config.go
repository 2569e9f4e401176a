package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 18790,
			Bind: "loopback",
			Auth: GatewayAuth{Mode: "token"},
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Approval: ApprovalConfig{
			Enabled:               true,
			DefaultTimeoutMinutes: 5,
		},
		Timeline: TimelineConfig{
			ExcludedTools: []string{"think"},
		},
		Session: SessionConfig{
			MaxConcurrent:     8,
			LaneBuffer:        256,
			PruneAfterMinutes: 60,
		},
	}
}
