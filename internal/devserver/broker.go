package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/client/models"
	"github.com/qpoint/qpmsg/internal/client/stomp"
)

var (
	brokerSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qpmsg_devserver_push_sessions",
		Help: "Authenticated STOMP sessions",
	})
	brokerDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qpmsg_devserver_push_delivered_total",
		Help: "MESSAGE frames queued for delivery",
	})
)

const (
	sendBuffer     = 256
	connectTimeout = 10 * time.Second
	writeWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UserQueue is the destination a user subscribes to for direct messages.
func UserQueue(username string) string {
	return "/user/" + username + "/queue/messages"
}

// Hub is a minimal STOMP broker: it authenticates CONNECT, accepts subscriptions to the caller's
// own queue and delivers messages to every session of the receiving user.
type Hub struct {
	auth    *Authenticator
	limiter *RateLimiter
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Session]bool

	connects atomic.Int64
}

func NewHub(auth *Authenticator, limiter *RateLimiter, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		auth:     auth,
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "broker")),
		sessions: make(map[string]map[*Session]bool),
	}
}

// Session is one WebSocket connection.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	ip   string
	user User

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination

	closeOnce sync.Once
	done      chan struct{}
}

// Connects counts successful STOMP handshakes since start.
func (h *Hub) Connects() int64 {
	return h.connects.Load()
}

// ServeHTTP upgrades the request and runs the session pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)
	if h.limiter != nil && !h.limiter.Acquire(ip) {
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		h.logger.Warn("rate limited connection", zap.String("ip", ip))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.limiter != nil {
			h.limiter.Release(ip)
		}
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	s := &Session{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		ip:   ip,
		subs: make(map[string]string),
		done: make(chan struct{}),
	}
	go s.WritePump()
	go s.ReadPump(r.Header.Get("Authorization"))
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.user.Username]
	if set == nil {
		set = make(map[*Session]bool)
		h.sessions[s.user.Username] = set
	}
	set[s] = true
	brokerSessions.Inc()
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.user.Username]
	if !set[s] {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.user.Username)
	}
	brokerSessions.Dec()
}

func (h *Hub) userSessions(username string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions[username]))
	for s := range h.sessions[username] {
		out = append(out, s)
	}
	return out
}

// Deliver pushes msg to every subscription on the receiver's queue.
func (h *Hub) Deliver(username string, msg models.Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode push", zap.Error(err))
		return
	}
	h.deliverBody(username, body)
}

func (h *Hub) deliverBody(username string, body []byte) {
	dest := UserQueue(username)
	for _, s := range h.userSessions(username) {
		for _, id := range s.subscriptionsTo(dest) {
			f := stomp.New(stomp.CmdMessage,
				stomp.HdrDestination, dest,
				stomp.HdrSubscription, id,
				stomp.HdrMessageID, uuid.NewString(),
				stomp.HdrContentType, "application/json",
			)
			f.Body = body
			s.queue(f.Encode())
			brokerDelivered.Inc()
		}
	}
}

// DeliverRaw pushes an arbitrary body on the user's queue. Used to exercise client decode failures.
func (h *Hub) DeliverRaw(username string, body []byte) {
	h.deliverBody(username, body)
}

// SendRaw writes data as-is to every session of username.
func (h *Hub) SendRaw(username string, data []byte) {
	for _, s := range h.userSessions(username) {
		s.queue(data)
	}
}

// Drop closes every session of username without a DISCONNECT, as a network failure would.
func (h *Hub) Drop(username string) {
	for _, s := range h.userSessions(username) {
		s.close()
	}
}

// Subscribed reports whether username has at least one live subscription to its queue.
func (h *Hub) Subscribed(username string) bool {
	dest := UserQueue(username)
	for _, s := range h.userSessions(username) {
		if len(s.subscriptionsTo(dest)) > 0 {
			return true
		}
	}
	return false
}

// Close terminates every session.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.close()
	}
}

func (s *Session) subscriptionsTo(dest string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, d := range s.subs {
		if d == dest {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) queue(data []byte) {
	select {
	case <-s.done:
	case s.send <- data:
	default:
		s.hub.logger.Warn("slow consumer, closing session", zap.String("user", s.user.Username))
		s.close()
	}
}

// close stops the session. WritePump flushes queued frames and then closes the socket,
// which unblocks ReadPump.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ReadPump handles the handshake and then every client frame until the connection ends.
func (s *Session) ReadPump(upgradeAuth string) {
	defer func() {
		if s.user.ID != 0 {
			s.hub.unregister(s)
		}
		if s.hub.limiter != nil {
			s.hub.limiter.Release(s.ip)
		}
		s.close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(connectTimeout))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if stomp.IsHeartBeat(data) {
			continue
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			s.fail("malformed frame: " + err.Error())
			return
		}
		for _, f := range frames {
			if !s.process(f, upgradeAuth) {
				return
			}
		}
	}
}

// process handles one frame and reports whether the session stays open.
func (s *Session) process(f *stomp.Frame, upgradeAuth string) bool {
	if s.user.ID == 0 {
		if f.Command != stomp.CmdConnect && f.Command != "STOMP" {
			s.fail("expected CONNECT")
			return false
		}
		auth := f.Get(stomp.HdrAuthorization)
		if auth == "" {
			auth = upgradeAuth
		}
		user, err := s.hub.auth.Principal(context.Background(), auth)
		if err != nil {
			s.fail("Unauthorized")
			return false
		}
		s.user = user
		_ = s.conn.SetReadDeadline(time.Time{})
		s.hub.register(s)
		s.hub.connects.Add(1)
		s.queue(stomp.New(stomp.CmdConnected,
			stomp.HdrVersion, "1.2",
			stomp.HdrHeartBeat, "0,0",
			"user-name", user.Username,
		).Encode())
		s.hub.logger.Info("session connected", zap.String("user", user.Username), zap.String("ip", s.ip))
		return true
	}

	switch f.Command {
	case stomp.CmdSubscribe:
		dest, id := f.Get(stomp.HdrDestination), f.Get(stomp.HdrID)
		if id == "" || dest != UserQueue(s.user.Username) {
			s.fail("cannot subscribe to " + dest)
			return false
		}
		s.mu.Lock()
		s.subs[id] = dest
		s.mu.Unlock()
	case stomp.CmdUnsubscribe:
		s.mu.Lock()
		delete(s.subs, f.Get(stomp.HdrID))
		s.mu.Unlock()
	case stomp.CmdDisconnect:
		if r := f.Get(stomp.HdrReceipt); r != "" {
			s.queue(stomp.New(stomp.CmdReceipt, stomp.HdrReceiptID, r).Encode())
		}
		return false
	default:
		s.fail(strings.ToLower(f.Command) + " not supported")
		return false
	}
	return true
}

func (s *Session) fail(message string) {
	s.queue(stomp.New(stomp.CmdError, stomp.HdrMessage, message).Encode())
	s.hub.logger.Info("session error", zap.String("user", s.user.Username), zap.String("message", message))
}

// WritePump serializes writes to the connection.
func (s *Session) WritePump() {
	defer s.conn.Close()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-s.done:
			// flush what is already queued, e.g. an ERROR frame
			for {
				select {
				case msg := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if s.conn.WriteMessage(websocket.TextMessage, msg) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
