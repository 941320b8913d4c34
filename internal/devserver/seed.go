package devserver

import (
	"context"
	"fmt"
	"strings"
)

// SeedUser describes a development account.
type SeedUser struct {
	Username            string
	Password            string
	FullName            string
	AllowPublicMessages bool
}

// DefaultSeed is the fixture cmd/devserver loads when started without a database.
var DefaultSeed = []SeedUser{
	{Username: "alice", Password: "alice", FullName: "Alice Adams", AllowPublicMessages: true},
	{Username: "bob", Password: "bob", FullName: "Bob Brown", AllowPublicMessages: true},
	{Username: "carol", Password: "carol", FullName: "Carol Chen"},
}

// Seed creates the given users and returns them with their assigned ids.
func Seed(ctx context.Context, store Store, users []SeedUser) ([]User, error) {
	out := make([]User, 0, len(users))
	for _, su := range users {
		hash, err := HashPassword(su.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", su.Username, err)
		}
		u, err := store.CreateUser(ctx, User{
			Username:            su.Username,
			Email:               strings.ToLower(su.Username) + "@qpoint.local",
			FullName:            su.FullName,
			PasswordHash:        hash,
			AllowPublicMessages: su.AllowPublicMessages,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", su.Username, err)
		}
		out = append(out, u)
	}
	return out, nil
}
