package domain

import "time"

// User is an account. PasswordHash is a bcrypt hash and never leaves the backend.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Grant returns the share entry giving u the permission p.
func (u User) Grant(p Permission) Share {
	return Share{UserID: u.ID, Username: u.Username, Permission: p}
}
