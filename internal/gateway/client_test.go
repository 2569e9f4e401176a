package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/logging"
)

func testLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func TestClientRegistry_AddGetRemove(t *testing.T) {
	reg := NewClientRegistry(testLog())
	assert.Equal(t, 0, reg.Count())

	reg.Add(&Client{ConnID: "conn-1", Info: ClientInfo{ID: "client-1"}})
	reg.Add(&Client{ConnID: "conn-2", Info: ClientInfo{ID: "client-2"}})
	assert.Equal(t, 2, reg.Count())

	got, ok := reg.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, "client-1", got.Info.ID)

	reg.Remove("conn-1")
	reg.Remove("nonexistent")
	assert.Equal(t, 1, reg.Count())
	_, ok = reg.Get("conn-1")
	assert.False(t, ok)
}

func TestClientRegistry_BroadcastSkipsClosed(t *testing.T) {
	reg := NewClientRegistry(testLog())
	reg.Add(&Client{ConnID: "conn-1", closed: true})
	reg.Add(&Client{ConnID: "conn-2"})

	assert.Equal(t, 0, reg.Broadcast(EventApproval, map[string]string{"k": "v"}, 1))
}

func TestClientRegistry_CloseAll(t *testing.T) {
	reg := NewClientRegistry(testLog())
	reg.Add(&Client{ConnID: "conn-1", closed: true})
	reg.Add(&Client{ConnID: "conn-2"})

	reg.CloseAll()
	assert.Equal(t, 0, reg.Count())
}

func TestClient_CloseCancelsContext(t *testing.T) {
	c := NewClient(nil, ClientInfo{ID: "ui"}, AuthResult{OK: true}, testLog())
	require.NoError(t, c.Context().Err())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Error(t, c.Context().Err())
	assert.ErrorIs(t, c.Send(Frame{Type: FrameTypeEvent}), ErrClientClosed)
}

func TestClient_Name(t *testing.T) {
	assert.Equal(t, "Alice's laptop", (&Client{Info: ClientInfo{ID: "ui", DisplayName: "Alice's laptop"}}).Name())
	assert.Equal(t, "ui", (&Client{Info: ClientInfo{ID: "ui"}}).Name())
	assert.Equal(t, "conn:c-1", (&Client{ConnID: "c-1"}).Name())
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		name string
		bind string
		port int
		host string
		want string
	}{
		{"loopback", "loopback", 18790, "", "127.0.0.1:18790"},
		{"lan", "lan", 9999, "", "0.0.0.0:9999"},
		{"custom default host", "custom", 3000, "", "0.0.0.0:3000"},
		{"custom host", "custom", 3000, "10.0.0.1", "10.0.0.1:3000"},
		{"unknown falls back to loopback", "whatever", 5000, "", "127.0.0.1:5000"},
		{"empty falls back to loopback", "", 5000, "", "127.0.0.1:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.GatewayConfig{Bind: tt.bind, Port: tt.port, CustomBindHost: tt.host}
			assert.Equal(t, tt.want, resolveBindAddr(cfg))
		})
	}
}
