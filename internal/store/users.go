package store

import (
	"context"
	"database/sql"
	"time"
)

type User struct {
	ID             string
	Username       string
	PasswordBcrypt string
	CreatedAt      time.Time
}

func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.exec(ctx, `
INSERT INTO users (id, username, password_bcrypt, created_at)
VALUES (?,?,?,?)`, u.ID, u.Username, u.PasswordBcrypt, fmtTime(u.CreatedAt))
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
SELECT id, username, password_bcrypt, created_at FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordBcrypt, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}
