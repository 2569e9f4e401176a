package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")
	require.NotNil(t, log)

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestSub_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug").Sub("approval").Info().Msg("armed")

	out := buf.String()
	assert.Contains(t, out, `"component":"approval"`)
	assert.Contains(t, out, "armed")
}

func TestSession_TagsSessionID(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info").Sub("timeline").Session("sess-1").Info().Msg("applied")

	out := buf.String()
	assert.Contains(t, out, `"sessionId":"sess-1"`)
	assert.Contains(t, out, `"component":"timeline"`)
}

func TestNop_Discards(t *testing.T) {
	log := Nop()
	// must not panic on any level
	log.Error().Msg("nothing")
	log.Sub("x").Session("y").Warn().Msg("nothing")
}

func TestNewConsole_Styles(t *testing.T) {
	for _, style := range []string{"pretty", "compact", "json", ""} {
		assert.NotNil(t, NewConsole("info", style), style)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"silent", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"WARN", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}
