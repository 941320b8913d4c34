package devserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qpoint/qpmsg/internal/client/models"
)

// MemoryStore keeps everything in process. It is the default backend and the one tests use.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[int64]User
	byName   map[string]int64
	messages []storedMessage
	nextUser int64
	nextMsg  int64
	lastAt   time.Time
	now      func() time.Time
}

type storedMessage struct {
	models.Message
	read bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[int64]User{},
		byName:   map[string]int64{},
		nextUser: 1,
		nextMsg:  1,
		now:      time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateUser(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Username == "" {
		return User{}, fmt.Errorf("username required")
	}
	if _, exists := s.byName[u.Username]; exists {
		return User{}, fmt.Errorf("username %q already exists", u.Username)
	}
	u.ID = s.nextUser
	s.nextUser++
	s.users[u.ID] = u
	s.byName[u.Username] = u.ID
	return u, nil
}

func (s *MemoryStore) UserByID(ctx context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryStore) UserByUsername(ctx context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) Conversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, ErrUserNotFound
	}

	type agg struct {
		last   models.Message
		unread int
	}
	byOther := map[int64]*agg{}
	for _, m := range s.messages {
		if m.SenderID != userID && m.ReceiverID != userID {
			continue
		}
		other := m.Counterpart(userID)
		a := byOther[other]
		if a == nil {
			a = &agg{}
			byOther[other] = a
		}
		a.last = m.Message
		if m.ReceiverID == userID && !m.read {
			a.unread++
		}
	}

	convs := make([]models.Conversation, 0, len(s.users))
	for other, a := range byOther {
		u := s.users[other]
		at := a.last.CreatedAt
		convs = append(convs, models.Conversation{
			ConversationID:     models.Int64(pairID(userID, other)),
			OtherUserID:        u.ID,
			OtherUsername:      u.Username,
			OtherDisplayName:   u.FullName,
			OtherAvatarRef:     u.AvatarURL,
			LastMessagePreview: a.last.Content,
			LastMessageTime:    &at,
			UnreadCount:        a.unread,
		})
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageTime.After(*convs[j].LastMessageTime)
	})

	var public []models.Conversation
	for id, u := range s.users {
		if id == userID || !u.AllowPublicMessages || byOther[id] != nil {
			continue
		}
		public = append(public, models.Conversation{
			OtherUserID:        u.ID,
			OtherUsername:      u.Username,
			OtherDisplayName:   u.FullName,
			OtherAvatarRef:     u.AvatarURL,
			LastMessagePreview: publicPreview,
		})
	}
	sort.Slice(public, func(i, j int) bool { return public[i].OtherUserID < public[j].OtherUserID })

	return append(convs, public...), nil
}

func (s *MemoryStore) Thread(ctx context.Context, userID, otherID int64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Message{}
	for _, m := range s.messages {
		if (m.SenderID == userID && m.ReceiverID == otherID) || (m.SenderID == otherID && m.ReceiverID == userID) {
			msg := m.Message
			if m.read {
				msg.ReadState = models.Read
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, senderID int64, req models.SendRequest) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.Valid() {
		return models.Message{}, ErrInvalidSend
	}
	if senderID == req.ReceiverID {
		return models.Message{}, ErrSelfMessage
	}
	sender, ok := s.users[senderID]
	if !ok {
		return models.Message{}, ErrUserNotFound
	}
	receiver, ok := s.users[req.ReceiverID]
	if !ok {
		return models.Message{}, ErrUserNotFound
	}
	if !receiver.AllowPublicMessages && !s.hasHistoryLocked(senderID, receiver.ID) {
		return models.Message{}, ErrNotEligible
	}

	// createdAt is strictly increasing so display order never ties.
	at := s.now().UTC()
	if !at.After(s.lastAt) {
		at = s.lastAt.Add(time.Microsecond)
	}
	s.lastAt = at

	m := models.Message{
		ID:             models.Int64(s.nextMsg),
		SenderID:       sender.ID,
		SenderUsername: sender.Username,
		SenderAvatar:   sender.AvatarURL,
		ReceiverID:     receiver.ID,
		Content:        req.Content,
		Type:           req.Type,
		AttachmentRef:  req.AttachmentRef,
		CreatedAt:      at,
	}
	s.nextMsg++
	s.messages = append(s.messages, storedMessage{Message: m})
	return m, nil
}

func (s *MemoryStore) hasHistoryLocked(a, b int64) bool {
	for _, m := range s.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) MarkRead(ctx context.Context, userID, otherID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		m := &s.messages[i]
		if m.ReceiverID == userID && m.SenderID == otherID {
			m.read = true
		}
	}
	return nil
}

func pairID(a, b int64) int64 {
	if a > b {
		a, b = b, a
	}
	return a<<32 | b
}
