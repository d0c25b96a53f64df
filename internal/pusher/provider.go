// Package pusher implements the push channel over the Pusher websocket
// protocol.
//
// Provider satisfies subscriber.ChannelProvider: one Subscribe call opens one
// websocket, subscribes to one channel and delivers one event to a handler.
// Dropped connections are redialed and resubscribed in the background until
// the returned close func is called or the server sends a fatal error.
package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/metrics"
	"github.com/roach88/pump/internal/transport"
)

// Settings tunes connection behavior.
type Settings struct {
	// Host overrides the websocket base URL ("wss://ws-<cluster>.pusher.com").
	Host             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ActivityTimeout  time.Duration // upper bound; the server may announce a shorter one
	PongTimeout      time.Duration
	Reconnect        transport.BackoffConfig
	PauseBeforeRetry time.Duration // for 4100-4199 errors
	ClientName       string
}

// DefaultSettings returns the connection defaults.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ActivityTimeout:  120 * time.Second,
		PongTimeout:      30 * time.Second,
		Reconnect: transport.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
		PauseBeforeRetry: time.Second,
		ClientName:       "pump-go",
	}
}

// Provider dials Pusher websockets.
//
// Thread-safety: safe for concurrent use; each Subscribe owns its connection.
type Provider struct {
	settings Settings
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option {
	return func(p *Provider) { p.settings = s }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProvider creates a provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		settings: DefaultSettings(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.dialer = &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: p.settings.HandshakeTimeout,
	}
	return p
}

// URL returns the websocket URL for desc.
func (p *Provider) URL(desc ir.ChannelDescriptor) string {
	host := p.settings.Host
	if host == "" {
		host = fmt.Sprintf("wss://ws-%s.pusher.com", desc.Cluster)
	}
	q := url.Values{}
	q.Set("protocol", fmt.Sprint(ProtocolVersion))
	q.Set("client", p.settings.ClientName)
	q.Set("version", ir.ClientVersion)
	q.Set("flash", "false")
	return fmt.Sprintf("%s/app/%s?%s", host, url.PathEscape(desc.AppKey), q.Encode())
}

// Subscribe implements subscriber.ChannelProvider. The first connection is
// made synchronously so its failure reaches the caller; later reconnects
// happen in the background and outlive ctx.
func (p *Provider) Subscribe(ctx context.Context, desc ir.ChannelDescriptor, event string, handler func([]byte)) (func() error, error) {
	s := &subscription{
		p:       p,
		url:     p.URL(desc),
		channel: desc.ChannelKey,
		event:   event,
		handler: handler,
		logger:  p.logger.With("channel", desc.ChannelKey),
		done:    make(chan struct{}),
	}

	c, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go s.run(runCtx, c)

	var once sync.Once
	return func() error {
		once.Do(func() {
			cancel()
			s.closeConn()
			<-s.done
		})
		return nil
	}, nil
}

// subscription is one channel subscription and its reconnect loop.
type subscription struct {
	p       *Provider
	url     string
	channel string
	event   string
	handler func([]byte)
	logger  *slog.Logger
	done    chan struct{}

	mu   sync.Mutex
	conn *conn
}

// conn is one websocket connection. Writes are serialized; gorilla allows
// one concurrent writer.
type conn struct {
	ws       *websocket.Conn
	socketID string
	activity time.Duration

	writeMu sync.Mutex
}

func (c *conn) write(m message, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteJSON(m)
}

// dial connects, waits for connection_established and subscribes.
func (s *subscription) dial(ctx context.Context) (*conn, error) {
	settings := s.p.settings
	ws, _, err := s.p.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetReadDeadline(time.Now().Add(settings.HandshakeTimeout))
	var first message
	if err := ws.ReadJSON(&first); err != nil {
		return nil, fmt.Errorf("read handshake: %w", closeFrameError(err))
	}
	switch first.Event {
	case eventConnectionEstablished:
	case eventError:
		return nil, decodeError(first.Data)
	default:
		return nil, fmt.Errorf("unexpected handshake event %q", first.Event)
	}

	data, err := decodeData(first.Data)
	if err != nil {
		return nil, err
	}
	var est connectionEstablished
	if err := json.Unmarshal(data, &est); err != nil {
		return nil, fmt.Errorf("decode connection_established: %w", err)
	}

	c := &conn{ws: ws, socketID: est.SocketID, activity: settings.ActivityTimeout}
	if est.ActivityTimeout > 0 {
		announced := time.Duration(est.ActivityTimeout) * time.Second
		if c.activity <= 0 || announced < c.activity {
			c.activity = announced
		}
	}

	sub, err := json.Marshal(subscribeData{Channel: s.channel})
	if err != nil {
		return nil, err
	}
	if err := c.write(message{Event: eventSubscribe, Data: sub}, settings.WriteTimeout); err != nil {
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()

	success = true
	s.logger.Debug("push channel connected", "socket_id", c.socketID, "activity_timeout", c.activity)
	return c, nil
}

func (s *subscription) closeConn() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c != nil {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(s.p.settings.WriteTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.ws.Close()
	}
}

// run serves c and reconnects until ctx is cancelled or the server sends a
// fatal error.
func (s *subscription) run(ctx context.Context, c *conn) {
	defer close(s.done)
	settings := s.p.settings

	attempt := 0
	for {
		err := s.serve(ctx, c)
		if ctx.Err() != nil {
			return
		}

		delay := NextReconnectDelay(settings, err, attempt)
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Fatal() {
			s.logger.Error("push channel closed by server", "code", pe.Code, "error", pe.Message)
			return
		}
		s.logger.Warn("push channel dropped; reconnecting", "error", err, "delay", delay)

		for {
			if err := sleep(ctx, delay); err != nil {
				return
			}
			attempt++
			metrics.ChannelReconnectsTotal.Inc()
			next, err := s.dial(ctx)
			if err == nil {
				c = next
				attempt = 0
				break
			}
			if ctx.Err() != nil {
				return
			}
			if errors.As(err, &pe) && pe.Fatal() {
				s.logger.Error("push channel rejected by server", "code", pe.Code, "error", pe.Message)
				return
			}
			delay = NextReconnectDelay(settings, err, attempt)
			s.logger.Warn("push channel reconnect failed", "error", err, "attempt", attempt, "delay", delay)
		}
	}
}

// serve reads frames until the connection fails. A keepalive goroutine
// pings the server whenever the connection has been quiet for the activity
// timeout.
func (s *subscription) serve(ctx context.Context, c *conn) error {
	settings := s.p.settings
	defer c.ws.Close()

	activity := make(chan struct{}, 1)
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Unblocks ReadJSON once the subscription is closed.
		<-serveCtx.Done()
		c.ws.Close()
	}()
	go s.keepalive(serveCtx, c, activity)

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.activity + settings.PongTimeout))
		var m message
		if err := c.ws.ReadJSON(&m); err != nil {
			return closeFrameError(err)
		}
		select {
		case activity <- struct{}{}:
		default:
		}

		switch m.Event {
		case eventPing:
			if err := c.write(message{Event: eventPong, Data: []byte("{}")}, settings.WriteTimeout); err != nil {
				return err
			}
		case eventPong:
		case eventSubscriptionSucceeded:
			s.logger.Info("push channel subscription confirmed")
		case eventError:
			return decodeError(m.Data)
		case s.event:
			if m.Channel != "" && m.Channel != s.channel {
				continue
			}
			data, err := decodeData(m.Data)
			if err != nil {
				s.logger.Warn("dropping undecodable event", "event", m.Event, "error", err)
				continue
			}
			s.handler(data)
		default:
			s.logger.Debug("ignoring push event", "event", m.Event)
		}
	}
}

func (s *subscription) keepalive(ctx context.Context, c *conn, activity <-chan struct{}) {
	if c.activity <= 0 {
		return
	}
	timer := time.NewTimer(c.activity)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.activity)
		case <-timer.C:
			if err := c.write(message{Event: eventPing, Data: []byte("{}")}, s.p.settings.WriteTimeout); err != nil {
				return
			}
			timer.Reset(c.activity)
		}
	}
}

// NextReconnectDelay returns how long to wait before redial attempt N
// (0-based) after err ended the previous connection.
func NextReconnectDelay(settings Settings, err error, attempt int) time.Duration {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		switch {
		case pe.Immediate():
			return 0
		case pe.Code >= 4100 && pe.Code <= 4199:
			return settings.PauseBeforeRetry
		}
	}
	return transport.NextBackoffDelay(settings.Reconnect, attempt+1, rand.Float64)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
