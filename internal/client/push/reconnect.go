package push

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Reconnector keeps one topic subscribed across connection drops, re-dialing with
// exponential backoff. It lives on the caller side of Client, which never retries by itself.
type Reconnector struct {
	client     *Client
	topic      string
	handler    Handler
	newBackOff func() backoff.BackOff
	logger     *zap.Logger

	mu  sync.Mutex
	sub *Subscription
}

type ReconnectOption func(*Reconnector)

// WithBackOff replaces the default policy (500ms initial, 30s max interval, no elapsed limit).
func WithBackOff(f func() backoff.BackOff) ReconnectOption {
	return func(r *Reconnector) { r.newBackOff = f }
}

func NewReconnector(c *Client, topic string, h Handler, opts ...ReconnectOption) *Reconnector {
	r := &Reconnector{
		client:  c,
		topic:   topic,
		handler: h,
		logger:  c.logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Establish connects and subscribes, retrying until it succeeds or ctx ends.
func (r *Reconnector) Establish(ctx context.Context) error {
	attempt := func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.sub != nil && r.sub.Active() && r.client.Connected() {
			return nil
		}
		if err := r.client.Connect(ctx, nil, nil); err != nil {
			return err
		}
		sub, err := r.client.Subscribe(r.topic, r.handler)
		if err != nil {
			r.client.Disconnect()
			return err
		}
		r.sub = sub
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("push channel unavailable, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(r.newBackOff(), ctx), notify)
}

// Run keeps the subscription alive until ctx is cancelled. onUp fires after every successful
// (re)subscription and onDown after every drop; either may be nil.
func (r *Reconnector) Run(ctx context.Context, onUp func(), onDown func(error)) error {
	defer r.Close()
	for {
		if err := r.Establish(ctx); err != nil {
			return err
		}
		// a drop queued before this subscription belongs to a connection that is already gone
		select {
		case <-r.client.Drops():
		default:
		}
		if !r.client.Connected() {
			if onDown != nil {
				onDown(ErrNotConnected)
			}
			continue
		}
		if onUp != nil {
			onUp()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-r.client.Drops():
			if onDown != nil {
				onDown(err)
			}
		}
	}
}

// Close drops the subscription and the connection.
func (r *Reconnector) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	r.client.Disconnect()
}
