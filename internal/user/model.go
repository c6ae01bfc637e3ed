package user

import (
	"time"

	"relaychat/pkg/protocol"
)

type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Phone     string     `json:"phone"`
	Password  string     `json:"-"`
	IsOnline  bool       `json:"is_online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Public returns the profile other users get to see.
func (u *User) Public() protocol.User {
	return protocol.User{
		ID:       u.ID,
		Username: u.Username,
		Phone:    u.Phone,
		IsOnline: u.IsOnline,
		LastSeen: u.LastSeen,
	}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string        `json:"access_token"`
	User        protocol.User `json:"user"`
}
