package push

import (
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/client/stomp"
)

// Subscription is a live binding of a handler to a topic on one connection.
// It dies with the connection.
type Subscription struct {
	id      string
	topic   string
	handler Handler
	conn    *conn
	active  atomic.Bool
	once    sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

// Active reports whether the subscription still receives frames.
func (s *Subscription) Active() bool { return s.active.Load() }

// Subscribe registers handler for topic. It returns ErrNotConnected before Connect has succeeded.
func (c *Client) Subscribe(topic string, handler Handler) (*Subscription, error) {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		c.logger.Warn("subscribe before connect", zap.String("topic", topic))
		return nil, ErrNotConnected
	}

	cn.subsMu.Lock()
	id := "sub-" + strconv.Itoa(cn.nextSub)
	cn.nextSub++
	sub := &Subscription{id: id, topic: topic, handler: handler, conn: cn}
	sub.active.Store(true)
	cn.subs[id] = sub
	cn.subsMu.Unlock()

	frame := stomp.New(stomp.CmdSubscribe,
		stomp.HdrID, id,
		stomp.HdrDestination, topic,
		stomp.HdrAck, "auto",
	)
	if err := cn.write(frame.Encode()); err != nil {
		cn.subsMu.Lock()
		delete(cn.subs, id)
		cn.subsMu.Unlock()
		sub.active.Store(false)
		return nil, &ChannelError{Op: "write", Err: err}
	}
	c.logger.Info("subscribed", zap.String("topic", topic), zap.String("id", id))
	return sub, nil
}

// Unsubscribe stops delivery. Calling it more than once, or after the connection died, is a no-op.
func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.conn.subsMu.Lock()
		_, live := s.conn.subs[s.id]
		delete(s.conn.subs, s.id)
		s.conn.subsMu.Unlock()
		s.active.Store(false)
		if !live {
			return
		}
		if werr := s.conn.write(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, s.id).Encode()); werr != nil {
			err = &ChannelError{Op: "write", Err: werr}
		}
	})
	return err
}
