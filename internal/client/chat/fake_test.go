package chat

import (
	"context"
	"sync"
	"time"

	"github.com/qpoint/qpmsg/internal/client/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minute int) time.Time {
	return t0.Add(time.Duration(minute) * time.Minute)
}

func msg(id, from, to int64, minute int, content string) models.Message {
	return models.Message{
		ID:         models.Int64(id),
		SenderID:   from,
		ReceiverID: to,
		Content:    content,
		Type:       models.TypeText,
		CreatedAt:  at(minute),
	}
}

// fakeStore serves canned data. Any of the *Fn hooks replaces the default behaviour for one operation.
type fakeStore struct {
	mu      sync.Mutex
	me      int64
	convs   []models.Conversation
	threads map[int64][]models.Message
	nextID  int64
	clock   int

	marks    map[int64]int
	sends    int
	listFn   func(ctx context.Context) ([]models.Conversation, error)
	fetchFn  func(ctx context.Context, other int64) ([]models.Message, error)
	sendFn   func(ctx context.Context, req models.SendRequest) (models.Message, error)
	markFn   func(ctx context.Context, other int64) error
	listHits int
}

func newFakeStore(me int64) *fakeStore {
	return &fakeStore{
		me:      me,
		threads: map[int64][]models.Message{},
		marks:   map[int64]int{},
		nextID:  101,
		clock:   100,
	}
}

func (f *fakeStore) setConvs(convs ...models.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = convs
}

func (f *fakeStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	f.listHits++
	fn := f.listFn
	out := make([]models.Conversation, len(f.convs))
	copy(out, f.convs)
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return out, nil
}

func (f *fakeStore) FetchThread(ctx context.Context, other int64) ([]models.Message, error) {
	f.mu.Lock()
	fn := f.fetchFn
	out := append([]models.Message(nil), f.threads[other]...)
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, other)
	}
	return out, nil
}

func (f *fakeStore) Send(ctx context.Context, req models.SendRequest) (models.Message, error) {
	f.mu.Lock()
	f.sends++
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	m := models.Message{
		ID:            models.Int64(f.nextID),
		SenderID:      f.me,
		ReceiverID:    req.ReceiverID,
		Content:       req.Content,
		Type:          req.Type,
		AttachmentRef: req.AttachmentRef,
		CreatedAt:     at(f.clock),
	}
	f.nextID++
	f.clock++
	f.threads[req.ReceiverID] = append(f.threads[req.ReceiverID], m)
	return m, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, other int64) error {
	f.mu.Lock()
	f.marks[other]++
	fn := f.markFn
	for i := range f.convs {
		if f.convs[i].OtherUserID == other {
			f.convs[i].UnreadCount = 0
		}
	}
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, other)
	}
	return nil
}

func (f *fakeStore) markCount(other int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[other]
}

func (f *fakeStore) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func conv(other int64, username string, unread int, preview string, minute int) models.Conversation {
	t := at(minute)
	return models.Conversation{
		OtherUserID:        other,
		OtherUsername:      username,
		LastMessagePreview: preview,
		LastMessageTime:    &t,
		UnreadCount:        unread,
	}
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
