package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/client/debug"
	"github.com/qpoint/qpmsg/internal/client/metrics"
	"github.com/qpoint/qpmsg/internal/client/models"
)

// Aggregator holds the conversation list. The list is always replaced wholesale by a fetch;
// the only in-place patch is zeroing an unread count on mark-read.
type Aggregator struct {
	store  Store
	notify Notify
	logger *zap.Logger

	mu      sync.Mutex
	convs   []models.Conversation
	err     error
	started uint64 // sequence of the most recently started load

	// markedAt is the load sequence current when the last mark-read for a peer was issued.
	// Loads started at or before it may have read the store before the mark-read landed.
	markedAt map[int64]uint64
}

func NewAggregator(store Store, notify Notify, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = debug.L()
	}
	return &Aggregator{
		store:    store,
		notify:   notify,
		logger:   logger.With(zap.String("component", "aggregator")),
		convs:    []models.Conversation{},
		markedAt: map[int64]uint64{},
	}
}

// Load fetches the full list and replaces the current one. On failure the previous list is kept and a
// *FetchError is returned. A load overtaken by a later one is discarded and returns nil.
func (a *Aggregator) Load(ctx context.Context) error {
	a.mu.Lock()
	a.started++
	seq := a.started
	a.mu.Unlock()

	convs, err := a.store.ListConversations(ctx)

	a.mu.Lock()
	if seq != a.started {
		a.mu.Unlock()
		metrics.StaleResponsesTotal.WithLabelValues("conversations").Inc()
		a.logger.Debug("discarding superseded conversation list", zap.Uint64("seq", seq))
		return nil
	}
	if err != nil {
		a.err = &FetchError{Op: "conversations", Err: err}
		ferr := a.err
		a.mu.Unlock()
		a.notify.emit(Event{Kind: Error, Err: ferr})
		return ferr
	}

	for i := range convs {
		id := convs[i].OtherUserID
		if at, ok := a.markedAt[id]; ok && seq <= at {
			convs[i].UnreadCount = 0
		}
	}
	for id, at := range a.markedAt {
		if seq > at {
			delete(a.markedAt, id)
		}
	}
	a.convs = convs
	a.err = nil
	a.mu.Unlock()

	a.notify.emit(Event{Kind: ConversationsChanged})
	return nil
}

// OnPush refreshes the list. Push payloads never patch conversations directly.
func (a *Aggregator) OnPush(ctx context.Context, msg models.Message) error {
	a.logger.Debug("refreshing after push", zap.Int64("sender", msg.SenderID))
	return a.Load(ctx)
}

// MarkRead zeroes the unread count locally and tells the store. The local zero is never rolled back;
// a store failure is returned and the next successful load shows the store's count.
func (a *Aggregator) MarkRead(ctx context.Context, otherUserID int64) error {
	a.mu.Lock()
	changed := false
	for i := range a.convs {
		if a.convs[i].OtherUserID == otherUserID && a.convs[i].UnreadCount != 0 {
			a.convs[i].UnreadCount = 0
			changed = true
		}
	}
	a.markedAt[otherUserID] = a.started
	a.mu.Unlock()
	if changed {
		a.notify.emit(Event{Kind: ConversationsChanged})
	}

	if err := a.store.MarkRead(ctx, otherUserID); err != nil {
		a.logger.Warn("mark read failed", zap.Int64("other_user_id", otherUserID), zap.Error(err))
		return err
	}
	return nil
}

// Conversations returns a copy of the current list in store order.
func (a *Aggregator) Conversations() []models.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Conversation, len(a.convs))
	copy(out, a.convs)
	return out
}

func (a *Aggregator) Lookup(otherUserID int64) (models.Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.convs {
		if c.OtherUserID == otherUserID {
			return c, true
		}
	}
	return models.Conversation{}, false
}

func (a *Aggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.convs {
		n += c.UnreadCount
	}
	return n
}

// Err is the last load failure, cleared by the next successful load.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
