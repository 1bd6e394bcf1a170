package domain

import "time"

// Member represents a relay connection's participation meta.
// No transport or lifecycle logic here.
type Member struct {
	User        *User
	ConnectedAt time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User) *Member {
	return &Member{User: user, ConnectedAt: time.Now()}
}
