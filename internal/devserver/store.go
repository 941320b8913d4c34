package devserver

import (
	"context"
	"errors"

	"github.com/qpoint/qpmsg/internal/client/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrSelfMessage  = errors.New("cannot message yourself")
	ErrInvalidSend  = errors.New("invalid message")
	ErrNotEligible  = errors.New("cannot message this user - no connection exists and public messages are not allowed")
)

type User struct {
	ID                  int64
	Username            string
	Email               string
	FullName            string
	AvatarURL           string
	PasswordHash        string
	AllowPublicMessages bool
}

func (u User) Principal() models.Principal {
	return models.Principal{ID: u.ID, Username: u.Username, DisplayName: u.FullName, AvatarRef: u.AvatarURL}
}

// Store is the persistence behind the development message store.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	Conversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	Thread(ctx context.Context, userID, otherID int64) ([]models.Message, error)
	SaveMessage(ctx context.Context, senderID int64, req models.SendRequest) (models.Message, error)
	MarkRead(ctx context.Context, userID, otherID int64) error
	Close() error
}

// Users reachable without history are listed with this preview and no timestamp.
const publicPreview = "Public message allowed"
