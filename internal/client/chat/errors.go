package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/qpoint/qpmsg/internal/client/models"
)

var (
	ErrNoSelection    = errors.New("no conversation selected")
	ErrInvalidMessage = errors.New("invalid message: TEXT needs content and no attachment, IMAGE needs an attachment")
)

// Store is the message store surface the core needs. *api.Client implements it.
type Store interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	FetchThread(ctx context.Context, otherUserID int64) ([]models.Message, error)
	Send(ctx context.Context, req models.SendRequest) (models.Message, error)
	MarkRead(ctx context.Context, otherUserID int64) error
}

// FetchError is a failed read. The previous state is kept.
type FetchError struct {
	Op  string // conversations, thread
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SendError is a failed send. Nothing was appended.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
