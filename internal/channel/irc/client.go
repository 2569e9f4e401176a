// Package irc relays approval prompts through IRC using the girc library.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lrstanley/girc"

	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/logging"
	"github.com/soyeahso/turnstile/internal/version"
)

// maxLineBytes keeps PRIVMSG text under the 512 byte IRC line limit once
// the prefix, command and target are added.
const maxLineBytes = 400

var (
	errNotConnected = errors.New("irc: not connected")
	errDisconnected = errors.New("irc: disconnected by server")
)

// Channel implements domain.Channel for IRC.
type Channel struct {
	cfg config.IRCConfig
	log *logging.Logger

	// reconnect backoff, shortened in tests
	retryDelay    time.Duration
	retryMaxDelay time.Duration

	mu      sync.RWMutex
	client  *girc.Client
	handler func(msg domain.ChatMessage)
	running bool
	stopped bool
	lastErr string

	capsMu sync.RWMutex
	mlCaps multilineCaps
}

// New creates an IRC channel from configuration.
func New(cfg config.IRCConfig, log *logging.Logger) *Channel {
	return &Channel{
		cfg:           cfg,
		log:           log.Sub("irc"),
		retryDelay:    2 * time.Second,
		retryMaxDelay: 2 * time.Minute,
	}
}

func (c *Channel) ID() string { return "irc" }

func (c *Channel) OnMessage(handler func(msg domain.ChatMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Status returns the current runtime status.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.ChannelStatus{
		ChannelID: "irc",
		Connected: c.client != nil && c.client.IsConnected(),
		Running:   c.running,
		LastError: c.lastErr,
	}
}

func (c *Channel) port() int {
	switch {
	case c.cfg.Port != 0:
		return c.cfg.Port
	case c.cfg.UseTLS:
		return 6697
	default:
		return 6667
	}
}

func (c *Channel) gircConfig() girc.Config {
	cfg := girc.Config{
		Server:  c.cfg.Server,
		Port:    c.port(),
		Nick:    c.cfg.Nick,
		User:    c.cfg.Nick,
		Name:    "turnstile approval relay",
		SSL:     c.cfg.UseTLS,
		Version: "turnstile/" + version.Version,
	}
	if c.cfg.Multiline {
		cfg.SupportedCaps = map[string][]string{capMultiline: nil}
	}
	if c.cfg.UseTLS {
		cfg.TLSConfig = &tls.Config{ServerName: c.cfg.Server}
	}
	if c.cfg.SASL && c.cfg.Password != "" {
		cfg.SASL = &girc.SASLPlain{User: c.cfg.Nick, Pass: c.cfg.Password}
	} else if c.cfg.Password != "" {
		cfg.ServerPass = c.cfg.Password
	}
	return cfg
}

// Start connects and keeps the connection up, reconnecting with backoff,
// until ctx ends or Stop is called.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.lastErr = ""
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.log.Info().
		Str("server", c.cfg.Server).
		Int("port", c.port()).
		Str("nick", c.cfg.Nick).
		Strs("channels", c.cfg.Channels).
		Bool("tls", c.cfg.UseTLS).
		Msg("connecting to IRC")

	err := retry.Do(
		func() error { return c.connectOnce(ctx) },
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(c.retryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return !c.isStopped() }),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn().Err(err).Uint("attempt", n+1).Msg("IRC connection lost, retrying")
		}),
	)
	if c.isStopped() {
		return nil
	}
	return err
}

// connectOnce runs one connection until it drops.
func (c *Channel) connectOnce(ctx context.Context) error {
	client := girc.New(c.gircConfig())
	c.registerHandlers(client)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.client = client
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	err := client.Connect()
	if ctx.Err() != nil {
		return retry.Unrecoverable(ctx.Err())
	}
	if c.isStopped() {
		return nil
	}
	if err == nil {
		err = errDisconnected
	}
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	return fmt.Errorf("irc connect: %w", err)
}

func (c *Channel) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// Stop disconnects and ends Start.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	client := c.client
	c.mu.Unlock()

	if client != nil {
		if client.IsConnected() {
			c.log.Info().Msg("disconnecting from IRC")
			client.Quit("turnstile shutting down")
		}
		client.Close()
	}
	return nil
}

// Send delivers a reply to one target, or to every configured channel
// when To is empty.
func (c *Channel) Send(ctx context.Context, msg domain.ChatReply) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return errNotConnected
	}

	targets := c.cfg.Channels
	if msg.To != "" {
		targets = []string{msg.To}
	}
	if len(targets) == 0 {
		return fmt.Errorf("irc: no target for message")
	}

	for _, target := range targets {
		if strings.Contains(msg.Body, "\n") && c.hasMultiline(client) {
			c.capsMu.RLock()
			caps := c.mlCaps
			c.capsMu.RUnlock()
			sendMultiline(client, target, msg.Body, caps)
			continue
		}
		for _, line := range splitMessage(msg.Body, maxLineBytes) {
			client.Cmd.Message(target, line)
		}
	}
	c.log.Debug().Strs("targets", targets).Msg("sent IRC message")
	return nil
}

func (c *Channel) hasMultiline(client *girc.Client) bool {
	return c.cfg.Multiline && client.HasCapability(capMultiline)
}

func (c *Channel) registerHandlers(client *girc.Client) {
	client.Handlers.Add(girc.CONNECTED, c.onConnected)
	client.Handlers.Add(girc.PRIVMSG, c.onPrivmsg)
	client.Handlers.Add(girc.DISCONNECTED, c.onDisconnected)
	client.Handlers.Add(girc.CAP, c.onCAP)
	client.Handlers.Add("FAIL", c.onFail)
}

func (c *Channel) onConnected(client *girc.Client, _ girc.Event) {
	c.log.Info().Str("nick", client.GetNick()).Msg("connected to IRC")
	for _, ch := range c.cfg.Channels {
		c.log.Info().Str("channel", ch).Msg("joining channel")
		client.Cmd.Join(ch)
	}
}

func (c *Channel) onDisconnected(_ *girc.Client, _ girc.Event) {
	c.log.Warn().Msg("disconnected from IRC")
}

// opOnly defaults to true when not configured.
func (c *Channel) opOnly() bool {
	if c.cfg.OpOnly == nil {
		return true
	}
	return *c.cfg.OpOnly
}

// accepts reports whether nick may send verdicts. The owner always may.
// With opOnly so may channel operators; without it, anyone may when no
// owner is configured.
func (c *Channel) accepts(nick string, isOp bool) bool {
	if c.cfg.Owner != "" && strings.EqualFold(nick, c.cfg.Owner) {
		return true
	}
	if c.opOnly() {
		return isOp
	}
	return c.cfg.Owner == ""
}

func isChannelOp(client *girc.Client, nick, channel string) bool {
	user := client.LookupUser(nick)
	if user == nil {
		return false
	}
	perms, ok := user.Perms.Lookup(channel)
	if !ok {
		return false
	}
	return perms.IsAdmin()
}

func (c *Channel) onPrivmsg(client *girc.Client, e girc.Event) {
	if e.Source == nil || strings.EqualFold(e.Source.Name, client.GetNick()) {
		return
	}
	if !e.IsFromChannel() {
		c.log.Debug().Str("nick", e.Source.Name).Msg("ignoring direct message")
		return
	}

	chatID := e.Params[0]
	if !c.accepts(e.Source.Name, isChannelOp(client, e.Source.Name, chatID)) {
		c.log.Debug().
			Str("nick", e.Source.Name).
			Str("channel", chatID).
			Msg("ignoring line from unauthorized nick")
		return
	}

	body := e.Last()
	if e.IsAction() {
		body = e.StripAction()
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		handler(domain.ChatMessage{
			ChannelID: "irc",
			From:      e.Source.Name,
			ChatID:    chatID,
			Body:      body,
			Timestamp: time.Now(),
		})
	}
}

// onCAP records draft/multiline limits from CAP LS, NEW or ACK.
func (c *Channel) onCAP(_ *girc.Client, e girc.Event) {
	if len(e.Params) < 3 {
		return
	}
	switch e.Params[1] {
	case "LS", "NEW", "ACK":
	default:
		return
	}
	caps, found := extractMultilineCaps(e.Last())
	if !found {
		return
	}
	c.capsMu.Lock()
	c.mlCaps = caps
	c.capsMu.Unlock()
	c.log.Info().Int("maxBytes", caps.maxBytes).Int("maxLines", caps.maxLines).Msg("draft/multiline capability detected")
}

func (c *Channel) onFail(_ *girc.Client, e girc.Event) {
	if code, ok := multilineFailCode(e); ok {
		c.log.Warn().Str("code", code).Str("detail", e.Last()).Msg("multiline batch rejected by server")
	}
}

// splitMessage breaks text into PRIVMSG-sized lines. Each newline starts
// a new line; blank lines are dropped.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLen {
			cut := runeBoundary(line, maxLen)
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if strings.TrimSpace(line) != "" {
			chunks = append(chunks, line)
		}
	}
	return chunks
}

// runeBoundary returns the largest cut <= n that does not split a UTF-8
// sequence.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	if n == 0 {
		return 1
	}
	return n
}
