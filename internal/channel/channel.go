// Package channel is the client side of the push event connection.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"tasksync/internal/domain"
)

// Frame is one websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the raw payload of one event. Returning an error wrapping
// domain.ErrMalformedPayload marks the event as dropped.
type Handler func(data json.RawMessage) error

// Token supplies the bearer token presented when dialing.
type Token interface {
	Token() string
}

type Options struct {
	URL         string
	Credentials Token
	// Initial and Max bound the reconnect backoff.
	Initial     time.Duration
	Max         time.Duration
	ReadTimeout time.Duration
	Dialer      *websocket.Dialer
	Logger      log.FieldLogger
}

type subscriber struct {
	token   string
	handler Handler
}

// Channel multiplexes named events over one reconnecting websocket.
type Channel struct {
	opts Options
	log  log.FieldLogger

	mu          sync.Mutex
	subs        map[string][]subscriber
	onReconnect []func(ctx context.Context)
	onDrop      []func(err error)
	conn        *websocket.Conn
	connected   chan struct{}
	cancel      context.CancelFunc
	closed      bool

	writeMu sync.Mutex
}

func New(opts Options) *Channel {
	if opts.Initial <= 0 {
		opts.Initial = 500 * time.Millisecond
	}
	if opts.Max < opts.Initial {
		opts.Max = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 75 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Channel{
		opts:      opts,
		log:       logger.WithField("component", "channel"),
		subs:      map[string][]subscriber{},
		connected: make(chan struct{}),
	}
}

// Subscription is released with Unsubscribe, which is safe to call more than once.
type Subscription struct {
	ch    *Channel
	name  string
	token string
	once  sync.Once
}

func (s *Subscription) Name() string { return s.name }

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.ch.remove(s.name, s.token) })
}

// Subscribe registers h for events called name.
func (c *Channel) Subscribe(name string, h Handler) *Subscription {
	token := uuid.NewString()
	c.mu.Lock()
	c.subs[name] = append(c.subs[name], subscriber{token: token, handler: h})
	c.mu.Unlock()
	return &Subscription{ch: c, name: name, token: token}
}

func (c *Channel) remove(name, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[name]
	for i, s := range list {
		if s.token == token {
			c.subs[name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.subs[name]) == 0 {
		delete(c.subs, name)
	}
}

// Subscribers returns the number of live subscriptions for name.
func (c *Channel) Subscribers(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[name])
}

// OnReconnect registers fn to run after every connection that follows a drop or a failed dial.
func (c *Channel) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

// OnDisconnect registers fn to observe dropped connections. err wraps domain.ErrChannelDisconnect.
func (c *Channel) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDrop = append(c.onDrop, fn)
	c.mu.Unlock()
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until a connection is up or ctx ends.
func (c *Channel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.connected
	up := c.conn != nil
	c.mu.Unlock()
	if up {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit sends one event. It fails with domain.ErrChannelDisconnect while no connection is up;
// nothing is queued.
func (c *Channel) Emit(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	msg, err := json.Marshal(Frame{Event: name, Data: data})
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: emit %s", domain.ErrChannelDisconnect, name)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("%w: emit %s: %v", domain.ErrChannelDisconnect, name, err)
	}
	return nil
}

// Run dials and keeps the connection alive until ctx ends or Close is called.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	attempt := 0
	everUp := false
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, domain.ErrAuthorizationDenied) {
				c.log.WithError(err).Error("channel rejected credentials")
				return err
			}
			attempt++
			wait := backoff(attempt, c.opts.Initial, c.opts.Max)
			c.log.WithError(err).WithFields(log.Fields{"attempt": attempt, "retry_in": wait.String()}).Warn("dial failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		reconnect := everUp || attempt > 0
		everUp = true
		attempt = 0
		c.attach(conn)
		c.log.WithField("reconnect", reconnect).Info("connected")
		if reconnect {
			c.fireReconnect(ctx)
		}
		err = c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.fireDrop(fmt.Errorf("%w: %v", domain.ErrChannelDisconnect, err))
		attempt = 1
		if !sleep(ctx, backoff(attempt, c.opts.Initial, c.opts.Max)) {
			return nil
		}
	}
}

// Close stops Run, closes the connection and drops every subscription.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.subs = map[string][]subscriber{}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		// Run may have closed it already on cancellation.
		_ = conn.Close()
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.opts.Credentials != nil {
		if tok := c.opts.Credentials.Token(); tok != "" {
			q := target.Query()
			q.Set("token", tok)
			target.RawQuery = q.Encode()
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: dial status %d", domain.ErrAuthorizationDenied, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Channel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	close(c.connected)
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.connected = make(chan struct{})
	}
	_ = conn.Close()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	timeout := c.opts.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		if kind != websocket.TextMessage {
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch delivers one frame to the current subscribers of its event, in subscription order.
func (c *Channel) dispatch(msg []byte) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
		c.log.WithField("frame", truncate(msg)).Warn("dropping malformed frame")
		return
	}
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[f.Event]))
	for _, s := range c.subs[f.Event] {
		handlers = append(handlers, s.handler)
	}
	c.mu.Unlock()
	entry := c.log.WithField("event", f.Event)
	if len(handlers) == 0 {
		entry.Debug("no subscribers")
		return
	}
	for _, h := range handlers {
		if err := invoke(h, f.Data); err != nil {
			if errors.Is(err, domain.ErrMalformedPayload) {
				entry.WithError(err).Warn("dropping malformed event")
			} else {
				entry.WithError(err).Error("event handler failed")
			}
			continue
		}
		entry.Debug("delivered")
	}
}

func invoke(h Handler, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(data)
}

func (c *Channel) fireReconnect(ctx context.Context) {
	c.mu.Lock()
	hooks := append([]func(context.Context){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (c *Channel) fireDrop(err error) {
	c.log.WithError(err).Warn("connection lost")
	c.mu.Lock()
	hooks := append([]func(error){}, c.onDrop...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.2 * d
	return time.Duration(d + (rand.Float64()-0.5)*2*jitter)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
