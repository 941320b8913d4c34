package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qpoint/qpmsg/internal/client/debug"
	"github.com/qpoint/qpmsg/internal/client/metrics"
	"github.com/qpoint/qpmsg/internal/client/models"
)

type State int

const (
	Unselected State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unselected"
	}
}

// MarkReader zeroes a conversation's unread count. The Aggregator implements it.
type MarkReader interface {
	MarkRead(ctx context.Context, otherUserID int64) error
}

// Loader re-fetches the conversation list after a send. The Aggregator implements it.
type Loader interface {
	Load(ctx context.Context) error
}

// Thread is the message history with the selected counterpart.
type Thread struct {
	store  Store
	marker MarkReader
	lists  Loader
	notify Notify
	logger *zap.Logger

	mu       sync.Mutex
	gen      uint64
	state    State
	selected *models.Conversation
	msgs     []models.Message
	ids      map[int64]bool
	pending  []models.Message // matching messages that arrived while history was loading
	err      error
}

// NewThread builds a controller. marker and lists may be nil.
func NewThread(store Store, marker MarkReader, lists Loader, notify Notify, logger *zap.Logger) *Thread {
	if logger == nil {
		logger = debug.L()
	}
	return &Thread{
		store:  store,
		marker: marker,
		lists:  lists,
		notify: notify,
		logger: logger.With(zap.String("component", "thread")),
		msgs:   []models.Message{},
		ids:    map[int64]bool{},
	}
}

// Select switches to conv and loads its history. When conv has unread messages they are marked read
// concurrently; the history is applied as soon as it arrives. A response for a selection that has since
// been replaced is discarded. The first failure of either call is returned.
func (t *Thread) Select(ctx context.Context, conv models.Conversation) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	sel := conv
	t.selected = &sel
	t.state = Loading
	t.msgs = []models.Message{}
	t.ids = map[int64]bool{}
	t.pending = nil
	t.err = nil
	t.mu.Unlock()
	t.notify.emit(Event{Kind: ThreadChanged})

	var g errgroup.Group
	g.Go(func() error {
		msgs, err := t.store.FetchThread(ctx, conv.OtherUserID)
		return t.applyHistory(gen, msgs, err)
	})
	if conv.UnreadCount > 0 && t.marker != nil {
		g.Go(func() error {
			return t.marker.MarkRead(ctx, conv.OtherUserID)
		})
	}
	return g.Wait()
}

func (t *Thread) applyHistory(gen uint64, msgs []models.Message, err error) error {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		metrics.StaleResponsesTotal.WithLabelValues("thread").Inc()
		t.logger.Debug("discarding superseded thread", zap.Uint64("gen", gen))
		return nil
	}
	if err != nil {
		t.state = Failed
		t.err = &FetchError{Op: "thread", Err: err}
		ferr := t.err
		t.mu.Unlock()
		t.notify.emit(Event{Kind: ThreadChanged, Err: ferr})
		return ferr
	}

	for _, m := range msgs {
		t.insertLocked(m)
	}
	for _, m := range t.pending {
		t.insertLocked(m)
	}
	t.pending = nil
	t.state = Ready
	t.mu.Unlock()

	t.notify.emit(Event{Kind: ThreadChanged})
	return nil
}

// Retry re-runs the current selection, typically after a failed load.
func (t *Thread) Retry(ctx context.Context) error {
	t.mu.Lock()
	if t.selected == nil {
		t.mu.Unlock()
		return ErrNoSelection
	}
	conv := *t.selected
	t.mu.Unlock()
	return t.Select(ctx, conv)
}

// Send posts a message to the selected counterpart and appends the store's acknowledgment.
// Nothing is appended before the acknowledgment, nor when the send fails, nor when the selection
// moved to another counterpart meanwhile.
func (t *Thread) Send(ctx context.Context, content string, typ models.MessageType, attachmentRef string) (models.Message, error) {
	t.mu.Lock()
	if t.selected == nil {
		t.mu.Unlock()
		return models.Message{}, ErrNoSelection
	}
	other := t.selected.OtherUserID
	t.mu.Unlock()

	if typ == "" {
		typ = models.TypeText
	}
	req := models.SendRequest{ReceiverID: other, Content: content, Type: typ, AttachmentRef: attachmentRef}
	if !req.Valid() {
		return models.Message{}, ErrInvalidMessage
	}

	msg, err := t.store.Send(ctx, req)
	if err != nil {
		t.logger.Warn("send failed", zap.Int64("receiver", other), zap.Error(err))
		return models.Message{}, &SendError{Err: err}
	}

	t.mu.Lock()
	appended := false
	if t.selected != nil && t.selected.OtherUserID == other {
		appended = t.addLocked(msg)
	} else {
		t.logger.Debug("selection changed during send, not appending", zap.Int64("receiver", other))
	}
	t.mu.Unlock()
	if appended {
		t.notify.emit(Event{Kind: ThreadChanged})
	}

	if t.lists != nil {
		if err := t.lists.Load(ctx); err != nil {
			t.logger.Warn("refresh after send failed", zap.Error(err))
		}
	}
	return msg, nil
}

// OnPush appends msg when it was sent by the current counterpart. The selection is read at delivery
// time. It reports whether the message belongs to the open thread.
func (t *Thread) OnPush(msg models.Message) bool {
	t.mu.Lock()
	if t.selected == nil || msg.SenderID != t.selected.OtherUserID {
		t.mu.Unlock()
		return false
	}
	appended := t.addLocked(msg)
	t.mu.Unlock()
	if appended {
		t.notify.emit(Event{Kind: ThreadChanged})
	}
	return true
}

// addLocked appends to the visible list when history is in place, otherwise buffers until it is.
func (t *Thread) addLocked(m models.Message) bool {
	if t.state != Ready {
		t.pending = append(t.pending, m)
		return false
	}
	return t.insertLocked(m)
}

// insertLocked places m by createdAt, after any message with an equal timestamp. Messages already
// present by id are ignored.
func (t *Thread) insertLocked(m models.Message) bool {
	if m.HasID() {
		if t.ids[*m.ID] {
			return false
		}
		t.ids[*m.ID] = true
	}
	i := len(t.msgs)
	for i > 0 && t.msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	t.msgs = append(t.msgs, models.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	return true
}

// Messages returns a copy of the visible thread.
func (t *Thread) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Selected returns the selected conversation as it was when selected.
func (t *Thread) Selected() (models.Conversation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.selected == nil {
		return models.Conversation{}, false
	}
	return *t.selected, true
}

// Err is the failure of the current selection's load, if any.
func (t *Thread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
