package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/campaign-service/internal/apperr"
)

// CredentialChecker verifies a username and password. Wrong credentials return
// apperr.ErrUnauthenticated; any other error means the check could not be made.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context, username, password string) (Identity, error)
}

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Role         Role   `json:"role"`
	PasswordHash string `json:"password_hash"`
}

// StaticUsers checks credentials against a fixed set of bcrypt-hashed users.
type StaticUsers struct {
	users map[string]User
}

func NewStaticUsers(users []User) (*StaticUsers, error) {
	s := &StaticUsers{users: make(map[string]User, len(users))}
	for _, u := range users {
		u.Username = strings.ToLower(strings.TrimSpace(u.Username))
		if u.Username == "" || u.ID == "" {
			return nil, fmt.Errorf("user entries need an id and a username")
		}
		if _, err := ParseRole(string(u.Role)); err != nil {
			return nil, fmt.Errorf("user %s: %w", u.Username, err)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: password_hash is not a bcrypt hash", u.Username)
		}
		s.users[u.Username] = u
	}
	return s, nil
}

// ParseUsers reads a JSON array of users as found in AUTH_USERS.
func ParseUsers(raw string) ([]User, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var users []User
	if err := json.Unmarshal([]byte(raw), &users); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	return users, nil
}

func (s *StaticUsers) CheckCredentials(_ context.Context, username, password string) (Identity, error) {
	u, ok := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		// Spend the same work as a real comparison.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return Identity{}, apperr.ErrUnauthenticated
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return Identity{}, apperr.ErrUnauthenticated
	}
	return Identity{UserID: u.ID, Username: u.Username, Role: u.Role}, nil
}

var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("not-a-password"), bcrypt.DefaultCost)
	return h
})
