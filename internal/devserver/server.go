// Package devserver is a development message store: the REST surface and STOMP push broker the
// client speaks to, backed by memory or PostgreSQL.
package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/client/models"
)

type Server struct {
	store   Store
	auth    *Authenticator
	hub     *Hub
	limiter *RateLimiter
	logger  *zap.Logger
	mux     *http.ServeMux
}

type Options struct {
	Store           Store
	Secret          string
	TokenTTL        time.Duration
	MaxConnsPerIP   int
	LoginsPerMinute int
	Logger          *zap.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	secret := opts.Secret
	if secret == "" {
		secret = "qpmsg-dev-secret"
	}
	auth := NewAuthenticator(secret, opts.TokenTTL, store)
	limiter := NewRateLimiter(opts.MaxConnsPerIP, opts.LoginsPerMinute)

	s := &Server{
		store:   store,
		auth:    auth,
		limiter: limiter,
		hub:     NewHub(auth, limiter, logger),
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/users/me", s.authed(s.handleMe))
	s.mux.HandleFunc("GET /api/chat/conversations", s.authed(s.handleConversations))
	s.mux.HandleFunc("GET /api/chat/messages/{otherUserId}", s.authed(s.handleThread))
	s.mux.HandleFunc("POST /api/chat/send", s.authed(s.handleSend))
	s.mux.HandleFunc("PUT /api/chat/read/{otherUserId}", s.authed(s.handleMarkRead))
	s.mux.Handle("/ws/websocket", s.hub)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Auth() *Authenticator { return s.auth }

func (s *Server) Store() Store { return s.store }

// Close ends every push session and releases the store.
func (s *Server) Close() error {
	s.hub.Close()
	return s.store.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, me User)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, err := s.auth.fromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		h(w, r, me)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowLogin(ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts. Please wait a minute.")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, me User) {
	writeJSON(w, http.StatusOK, me.Principal())
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, me User) {
	convs, err := s.store.Conversations(r.Context(), me.ID)
	if err != nil {
		s.storeError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request, me User) {
	other, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.Thread(r.Context(), me.ID, other)
	if err != nil {
		s.storeError(w, "fetch thread", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, me User) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = models.TypeText
	}
	msg, err := s.store.SaveMessage(r.Context(), me.ID, req)
	if err != nil {
		s.storeError(w, "send", err)
		return
	}

	receiver, err := s.store.UserByID(r.Context(), msg.ReceiverID)
	if err == nil {
		s.hub.Deliver(receiver.Username, msg)
	} else {
		s.logger.Warn("receiver lookup for push failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, me User) {
	other, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.MarkRead(r.Context(), me.ID, other); err != nil {
		s.storeError(w, "mark read", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSelfMessage), errors.Is(err, ErrInvalidSend):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotEligible):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("otherUserId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorBody{Message: message})
}
