package irc

import (
	"strings"
	"testing"

	"github.com/lrstanley/girc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMultilineCaps(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  multilineCaps
		found bool
	}{
		{"with limits", "sasl draft/multiline=max-bytes=4096,max-lines=24 echo-message", multilineCaps{maxBytes: 4096, maxLines: 24}, true},
		{"bare", "draft/multiline server-time", multilineCaps{}, true},
		{"partial", "draft/multiline=max-lines=5", multilineCaps{maxLines: 5}, true},
		{"garbage values", "draft/multiline=max-bytes=lots,junk", multilineCaps{}, true},
		{"absent", "sasl echo-message", multilineCaps{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, found := extractMultilineCaps(tt.input)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, caps)
		})
	}
}

func texts(batch []batchLine) []string {
	out := make([]string, len(batch))
	for i, l := range batch {
		out[i] = l.text
	}
	return out
}

func TestPlanBatches_NoLimits(t *testing.T) {
	batches := planBatches("approval needed\ninput: {}\nreply", multilineCaps{}, 400)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"approval needed", "input: {}", "reply"}, texts(batches[0]))
}

func TestPlanBatches_MaxLines(t *testing.T) {
	batches := planBatches("a\nb\nc\nd\ne", multilineCaps{maxLines: 2}, 400)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, texts(batches[0]))
	assert.Equal(t, []string{"c", "d"}, texts(batches[1]))
	assert.Equal(t, []string{"e"}, texts(batches[2]))
}

func TestPlanBatches_MaxBytes(t *testing.T) {
	// "aaaa\nbbbb" is 9 bytes; the third line does not fit.
	batches := planBatches("aaaa\nbbbb\ncccc", multilineCaps{maxBytes: 10}, 400)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"aaaa", "bbbb"}, texts(batches[0]))
	assert.Equal(t, []string{"cccc"}, texts(batches[1]))
}

func TestPlanBatches_TruncatesOversizedLine(t *testing.T) {
	batches := planBatches(strings.Repeat("x", 50), multilineCaps{maxBytes: 20}, 400)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{strings.Repeat("x", 20)}, texts(batches[0]))
}

func TestPlanBatches_ConcatContinuations(t *testing.T) {
	batches := planBatches(strings.Repeat("y", 9)+"\nz", multilineCaps{}, 4)
	require.Len(t, batches, 1)
	assert.Equal(t, []batchLine{
		{text: "yyyy"},
		{text: "yyyy", concat: true},
		{text: "y", concat: true},
		{text: "z"},
	}, batches[0])
}

func TestMultilineFailCode(t *testing.T) {
	tests := []struct {
		event girc.Event
		code  string
		ok    bool
	}{
		{girc.Event{Command: "FAIL", Params: []string{"BATCH", "MULTILINE_MAX_BYTES", "4096", "too long"}}, "MULTILINE_MAX_BYTES", true},
		{girc.Event{Command: "FAIL", Params: []string{"BATCH", "MULTILINE_INVALID", "bad"}}, "MULTILINE_INVALID", true},
		{girc.Event{Command: "FAIL", Params: []string{"BATCH", "TIMEOUT"}}, "", false},
		{girc.Event{Command: "FAIL", Params: []string{"NICK", "MULTILINE_MAX_BYTES"}}, "", false},
		{girc.Event{Command: "NOTICE", Params: []string{"BATCH", "MULTILINE_MAX_LINES"}}, "", false},
		{girc.Event{Command: "FAIL", Params: []string{"BATCH"}}, "", false},
	}

	for _, tt := range tests {
		code, ok := multilineFailCode(tt.event)
		assert.Equal(t, tt.ok, ok)
		assert.Equal(t, tt.code, code)
	}
}
