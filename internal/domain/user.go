// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// SystemUserID is the sender of messages posted by the matchmaker itself.
const SystemUserID UserID = "system"

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, username string) (*User, error) {
	u := &User{ID: id}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}

// Details are the display attributes a user carries into the queue.
// The matcher only ever looks at Role.
type Details struct {
	Name     string   `json:"name"`
	Role     string   `json:"role"`
	Skills   []string `json:"skills,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Company  string   `json:"company,omitempty"`
}
