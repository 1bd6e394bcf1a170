// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 36
	MaxDisplayNameLen   = 36
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrDisplayNameTooLong   = errors.New("display name too long")
)

type ParticipantID string

func (id ParticipantID) Validate() error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return nil
}

type User struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id ParticipantID, displayName string) (*User, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	u := &User{ID: id}
	if err := u.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return u, nil
}

// NewGuest returns an anonymous user with a random id.
func NewGuest() *User {
	return &User{ID: ParticipantID(uuid.NewString()), DisplayName: "guest"}
}

func (u *User) SetDisplayName(name string) error {
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	if name == "" {
		name = "guest"
	}
	u.DisplayName = name
	return nil
}
