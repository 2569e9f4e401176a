package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/turnstile/internal/approval"
	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/session"
)

func TestIsAllowedConfigPath(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"gateway.port", true},
		{"gateway.bind", true},
		{"gateway.customBindHost", true},
		{"gateway.allowedOrigins", true},
		{"logging", true},
		{"logging.level", true},
		{"approval", true},
		{"approval.requiredTools", true},
		{"timeline.excludedTools", true},
		{"session.laneBuffer", true},

		{"gateway", false},
		{"gateway.auth", false},
		{"gateway.auth.token", false},
		{"gateway.tls.keyPath", false},
		{"gateway.portal", false},
		{"store.path", false},
		{"channels.irc.password", false},
		{"loggingx", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, isAllowedConfigPath(tt.path))
		})
	}
}

func TestApprovalPatch(t *testing.T) {
	t.Run("whole section", func(t *testing.T) {
		patch, err := approvalPatch(nil, map[string]any{
			"enabled":       false,
			"requiredTools": []any{"bash", "/^rm_/"},
		})
		require.NoError(t, err)
		require.NotNil(t, patch.Enabled)
		assert.False(t, *patch.Enabled)
		assert.Nil(t, patch.DefaultTimeoutMinutes)
		require.NotNil(t, patch.RequiredTools)
		assert.Equal(t, []config.ToolRule{
			{Kind: config.RuleExact, Value: "bash"},
			{Kind: config.RulePattern, Value: "^rm_"},
		}, *patch.RequiredTools)
	})

	t.Run("single fields", func(t *testing.T) {
		patch, err := approvalPatch([]string{"defaultTimeoutMinutes"}, 0.5)
		require.NoError(t, err)
		require.NotNil(t, patch.DefaultTimeoutMinutes)
		assert.Equal(t, 0.5, *patch.DefaultTimeoutMinutes)
		assert.Nil(t, patch.Enabled)

		patch, err = approvalPatch([]string{"enabled"}, true)
		require.NoError(t, err)
		require.NotNil(t, patch.Enabled)
		assert.True(t, *patch.Enabled)

		patch, err = approvalPatch([]string{"requiredTools"}, []any{})
		require.NoError(t, err)
		require.NotNil(t, patch.RequiredTools)
		assert.Empty(t, *patch.RequiredTools)
	})

	errs := []struct {
		name  string
		field []string
		value any
	}{
		{"zero timeout", []string{"defaultTimeoutMinutes"}, 0},
		{"negative timeout", nil, map[string]any{"defaultTimeoutMinutes": -2}},
		{"wrong type", []string{"enabled"}, "yes please"},
		{"unknown field", []string{"mode"}, "strict"},
		{"too deep", []string{"requiredTools", "0"}, "bash"},
	}
	for _, tt := range errs {
		t.Run(tt.name, func(t *testing.T) {
			_, err := approvalPatch(tt.field, tt.value)
			assert.Error(t, err)
		})
	}
}

func TestErrorShape(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{fmt.Errorf("%w: s1", session.ErrUnknownSession), CodeNotFound, false},
		{fmt.Errorf("%w: 3 of 1", session.ErrUnknownResponse), CodeNotFound, false},
		{session.ErrDropped, CodeDropped, false},
		{fmt.Errorf("%w: s1", session.ErrLaneFull), CodeBusy, true},
		{session.ErrStopped, CodeUnavailable, false},
		{approval.ErrClosed, CodeUnavailable, false},
		{approval.ErrMissingToolUseID, CodeInvalidParams, false},
		{errors.New("disk on fire"), CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			shape := errorShape(tt.err)
			assert.Equal(t, tt.code, shape.Code)
			assert.Equal(t, tt.retryable, shape.Retryable)
			assert.Equal(t, tt.err.Error(), shape.Message)
			if tt.retryable {
				assert.Positive(t, shape.RetryAfter)
			}
		})
	}
}
