// Package push maintains the single authenticated STOMP-over-WebSocket connection that
// delivers live messages to the principal.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/qpoint/qpmsg/internal/client/debug"
	"github.com/qpoint/qpmsg/internal/client/metrics"
	"github.com/qpoint/qpmsg/internal/client/models"
	"github.com/qpoint/qpmsg/internal/client/stomp"
)

var ErrNotConnected = errors.New("push channel not connected")

// ChannelError is a failed connect or a dropped connection.
type ChannelError struct {
	Op  string // dial, handshake, read, server, write
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("push channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Handler receives one decoded message per inbound frame.
type Handler func(models.Message)

// PrivateQueue is the per-principal topic the store delivers direct messages to.
func PrivateQueue(username string) string {
	return "/user/" + username + "/queue/messages"
}

const (
	defaultHeartBeat        = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

type Options struct {
	URL              string
	Token            string
	HeartBeat        time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *zap.Logger
}

type Client struct {
	opts   Options
	logger *zap.Logger
	dialer *websocket.Dialer
	flight singleflight.Group
	drops  chan error

	mu   sync.Mutex
	conn *conn
}

type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	once     sync.Once
	closing  atomic.Bool
	readWait time.Duration
	sendBeat time.Duration

	subsMu  sync.Mutex
	subs    map[string]*Subscription
	nextSub int
}

func New(opts Options) *Client {
	if opts.HeartBeat <= 0 {
		opts.HeartBeat = defaultHeartBeat
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = debug.L()
	}
	return &Client{
		opts:   opts,
		logger: logger.With(zap.String("component", "push")),
		dialer: dialer,
		drops:  make(chan error, 1),
	}
}

// Connected reports whether a connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Drops delivers the cause each time an established connection is lost without Disconnect.
func (c *Client) Drops() <-chan error {
	return c.drops
}

// Connect establishes the connection. When already connected it calls onReady without dialing;
// concurrent callers share one in-flight attempt. Failures are reported, never retried here.
func (c *Client) Connect(ctx context.Context, onReady func(), onError func(error)) error {
	if c.Connected() {
		if onReady != nil {
			onReady()
		}
		return nil
	}

	_, err, _ := c.flight.Do("connect", func() (interface{}, error) {
		if c.Connected() {
			return nil, nil
		}
		cn, err := c.dial(ctx)
		if err != nil {
			metrics.PushConnectsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		c.mu.Lock()
		c.conn = cn
		c.mu.Unlock()
		metrics.PushConnectsTotal.WithLabelValues("ok").Inc()
		metrics.PushConnected.Set(1)

		go c.readLoop(cn)
		if cn.sendBeat > 0 {
			go c.heartBeat(cn)
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Warn("connect failed", zap.Error(err))
		if onError != nil {
			onError(err)
		}
		return err
	}
	if onReady != nil {
		onReady()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	header := http.Header{}
	header.Set(stomp.HdrAuthorization, "Bearer "+c.opts.Token)

	ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &ChannelError{Op: "dial", Err: err}
	}

	host := ""
	if u, perr := url.Parse(c.opts.URL); perr == nil {
		host = u.Hostname()
	}
	beat := strconv.FormatInt(c.opts.HeartBeat.Milliseconds(), 10)
	connect := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, "1.2,1.1",
		stomp.HdrHost, host,
		stomp.HdrHeartBeat, beat+","+beat,
		stomp.HdrAuthorization, "Bearer "+c.opts.Token,
	)

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, connect.Encode()); err != nil {
		ws.Close()
		return nil, &ChannelError{Op: "handshake", Err: err}
	}
	_ = ws.SetReadDeadline(deadline)

	var connected *stomp.Frame
	for connected == nil {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, &ChannelError{Op: "handshake", Err: err}
		}
		if stomp.IsHeartBeat(data) {
			continue
		}
		frames, err := stomp.Decode(data)
		if err != nil || len(frames) == 0 {
			ws.Close()
			return nil, &ChannelError{Op: "handshake", Err: fmt.Errorf("bad reply: %v", err)}
		}
		switch f := frames[0]; f.Command {
		case stomp.CmdConnected:
			connected = f
		case stomp.CmdError:
			ws.Close()
			return nil, &ChannelError{Op: "handshake", Err: errors.New(serverMessage(f))}
		default:
			ws.Close()
			return nil, &ChannelError{Op: "handshake", Err: fmt.Errorf("unexpected %s frame", f.Command)}
		}
	}
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})

	cn := &conn{ws: ws, done: make(chan struct{}), subs: map[string]*Subscription{}}
	sx, sy, err := stomp.HeartBeat(connected.Get(stomp.HdrHeartBeat))
	if err != nil {
		c.logger.Warn("ignoring heart-beat header", zap.Error(err))
	}
	own := int(c.opts.HeartBeat.Milliseconds())
	if sy > 0 {
		cn.sendBeat = time.Duration(max(own, sy)) * time.Millisecond
	}
	if sx > 0 {
		cn.readWait = 3 * time.Duration(max(own, sx)) * time.Millisecond
	}
	c.logger.Info("connected",
		zap.String("url", c.opts.URL),
		zap.String("version", connected.Get(stomp.HdrVersion)),
		zap.Duration("send_beat", cn.sendBeat),
		zap.Duration("read_wait", cn.readWait),
	)
	return cn, nil
}

func serverMessage(f *stomp.Frame) string {
	if m := f.Get(stomp.HdrMessage); m != "" {
		return m
	}
	if len(f.Body) > 0 {
		return string(f.Body)
	}
	return "server error"
}

func (c *Client) readLoop(cn *conn) {
	for {
		if cn.readWait > 0 {
			_ = cn.ws.SetReadDeadline(time.Now().Add(cn.readWait))
		}
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			c.lost(cn, &ChannelError{Op: "read", Err: err})
			return
		}
		if stomp.IsHeartBeat(data) {
			continue
		}

		frames := c.decode(data)
		for _, f := range frames {
			switch f.Command {
			case stomp.CmdMessage:
				c.dispatch(cn, f)
			case stomp.CmdError:
				c.lost(cn, &ChannelError{Op: "server", Err: errors.New(serverMessage(f))})
				return
			case stomp.CmdReceipt:
			default:
				c.logger.Debug("ignoring frame", zap.String("command", f.Command))
			}
		}
	}
}

// decode parses one payload. Frames before a decode error are kept; a panic in the codec drops the
// whole payload. The connection stays open either way.
func (c *Client) decode(data []byte) (frames []*stomp.Frame) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PushFramesTotal.WithLabelValues("decode_error").Inc()
			c.logger.Error("frame decoder panicked", zap.Any("panic", r), zap.Int("bytes", len(data)))
			frames = nil
		}
	}()
	frames, err := stomp.Decode(data)
	if err != nil {
		metrics.PushFramesTotal.WithLabelValues("decode_error").Inc()
		c.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
	}
	return frames
}

// dispatch isolates every frame: a bad body or a panicking handler drops that frame only.
func (c *Client) dispatch(cn *conn, f *stomp.Frame) {
	id := f.Get(stomp.HdrSubscription)
	cn.subsMu.Lock()
	sub := cn.subs[id]
	cn.subsMu.Unlock()
	if sub == nil {
		metrics.PushFramesTotal.WithLabelValues("unrouted").Inc()
		c.logger.Debug("frame for unknown subscription", zap.String("subscription", id))
		return
	}

	var msg models.Message
	if err := json.Unmarshal(f.Body, &msg); err != nil {
		metrics.PushFramesTotal.WithLabelValues("decode_error").Inc()
		c.logger.Warn("dropping undecodable message",
			zap.String("topic", sub.topic),
			zap.String("message_id", f.Get(stomp.HdrMessageID)),
			zap.Error(err),
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.PushFramesTotal.WithLabelValues("handler_panic").Inc()
			c.logger.Error("push handler panicked", zap.String("topic", sub.topic), zap.Any("panic", r))
		}
	}()
	sub.handler(msg)
	metrics.PushFramesTotal.WithLabelValues("delivered").Inc()
}

func (c *Client) heartBeat(cn *conn) {
	ticker := time.NewTicker(cn.sendBeat)
	defer ticker.Stop()
	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			if err := cn.write([]byte("\n")); err != nil {
				c.lost(cn, &ChannelError{Op: "write", Err: err})
				return
			}
		}
	}
}

// lost tears down cn and reports the drop unless Disconnect caused it.
func (c *Client) lost(cn *conn, err error) {
	c.mu.Lock()
	current := c.conn == cn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	cn.close()

	if !current || cn.closing.Load() {
		return
	}
	metrics.PushConnected.Set(0)
	c.logger.Warn("connection lost", zap.Error(err))
	select {
	case c.drops <- err:
	default:
	}
}

// Disconnect closes the connection and invalidates every subscription. Safe when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cn == nil {
		return
	}

	cn.closing.Store(true)
	_ = cn.write(stomp.New(stomp.CmdDisconnect).Encode())
	cn.writeMu.Lock()
	_ = cn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	cn.writeMu.Unlock()
	cn.close()
	metrics.PushConnected.Set(0)
	c.logger.Info("disconnected")
}

func (cn *conn) write(data []byte) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return cn.ws.WriteMessage(websocket.TextMessage, data)
}

func (cn *conn) close() {
	cn.once.Do(func() {
		close(cn.done)
		cn.ws.Close()
		cn.subsMu.Lock()
		for _, s := range cn.subs {
			s.active.Store(false)
		}
		cn.subs = map[string]*Subscription{}
		cn.subsMu.Unlock()
	})
}
