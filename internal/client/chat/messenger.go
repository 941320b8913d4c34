// Package chat is the messaging core: the conversation list, the open thread, and the wiring that
// keeps both current from the push channel.
package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/client/debug"
	"github.com/qpoint/qpmsg/internal/client/models"
	"github.com/qpoint/qpmsg/internal/client/push"
)

const defaultEventBuffer = 64

type MessengerOptions struct {
	Principal   models.Principal
	Store       Store
	Push        *push.Client
	Reconnect   []push.ReconnectOption
	EventBuffer int
	Logger      *zap.Logger
}

// Messenger owns the session's single subscription and routes pushes to the Thread and the Aggregator.
type Messenger struct {
	Aggregator *Aggregator
	Thread     *Thread

	principal models.Principal
	push      *push.Client
	reconn    *push.Reconnector
	events    chan Event
	logger    *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewMessenger(opts MessengerOptions) *Messenger {
	logger := opts.Logger
	if logger == nil {
		logger = debug.L()
	}
	size := opts.EventBuffer
	if size <= 0 {
		size = defaultEventBuffer
	}

	m := &Messenger{
		principal: opts.Principal,
		push:      opts.Push,
		events:    make(chan Event, size),
		logger:    logger.With(zap.String("component", "messenger")),
		ctx:       context.Background(),
	}
	m.Aggregator = NewAggregator(opts.Store, m.emit, logger)
	m.Thread = NewThread(opts.Store, m.Aggregator, m.Aggregator, m.emit, logger)
	if opts.Push != nil {
		m.reconn = push.NewReconnector(opts.Push, push.PrivateQueue(opts.Principal.Username), m.handlePush, opts.Reconnect...)
	}
	return m
}

func (m *Messenger) Principal() models.Principal {
	return m.principal
}

// Events delivers change hints. Hints are dropped rather than block when the consumer lags.
// The channel is closed by Close.
func (m *Messenger) Events() <-chan Event {
	return m.events
}

func (m *Messenger) emit(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- e:
	default:
		m.logger.Debug("event buffer full, dropping hint", zap.Stringer("kind", e.Kind))
	}
}

// Start loads the conversation list and keeps the push subscription alive in the background until
// Close or ctx ends. A failed initial load is reported as an event and through Aggregator.Err.
func (m *Messenger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.ctx, m.cancel = ctx, cancel
	m.mu.Unlock()

	if err := m.Aggregator.Load(ctx); err != nil {
		m.logger.Warn("initial conversation load failed", zap.Error(err))
	}
	if m.reconn == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		first := true
		err := m.reconn.Run(ctx,
			func() {
				m.emit(Event{Kind: ChannelUp})
				if first {
					first = false
					return
				}
				// pushes may have been missed while down
				m.refresh()
			},
			func(err error) {
				m.emit(Event{Kind: ChannelDown, Err: err})
			},
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("push channel stopped", zap.Error(err))
		}
	}()
}

// handlePush runs on the push read loop. The thread append is synchronous so arrival order holds;
// the list refresh runs off the loop.
func (m *Messenger) handlePush(msg models.Message) {
	m.Thread.OnPush(msg)
	m.background(func(ctx context.Context) {
		if err := m.Aggregator.OnPush(ctx, msg); err != nil {
			m.logger.Warn("refresh after push failed", zap.Error(err))
		}
	})
}

func (m *Messenger) refresh() {
	m.background(func(ctx context.Context) { _ = m.Aggregator.Load(ctx) })
}

func (m *Messenger) background(f func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f(ctx)
	}()
}

// Connected reports whether the push channel is up.
func (m *Messenger) Connected() bool {
	return m.push != nil && m.push.Connected()
}

// Close tears down the subscription and the connection, waits for background work and closes
// the event channel. It is safe to call more than once.
func (m *Messenger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.closed = true
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if m.reconn != nil {
		m.reconn.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
}
