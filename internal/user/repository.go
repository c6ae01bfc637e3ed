package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = "id, username, phone, password, is_online, last_seen, created_at"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query := `INSERT INTO users (username, phone, password) VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Phone, user.Password).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "users_phone_key":
				return nil, ErrPhoneTaken
			default:
				return nil, ErrUsernameTaken
			}
		}
		return nil, err
	}
	return user, nil
}

func (r *Repository) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	return r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE phone = $1", phone)
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

func (r *Repository) getUser(ctx context.Context, query string, arg any) (*User, error) {
	u := &User{}
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Username, &u.Phone, &u.Password, &u.IsOnline, &lastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}
	return u, nil
}

// SearchUsers matches username or phone, excluding the caller.
func (r *Repository) SearchUsers(ctx context.Context, query string, exclude int64) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT ` + userColumns + ` FROM users
		WHERE (username ILIKE $1 OR phone ILIKE $1) AND id <> $2
		ORDER BY username
		LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%", exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var lastSeen sql.NullTime
		if err := rows.Scan(&u.ID, &u.Username, &u.Phone, &u.Password, &u.IsOnline, &lastSeen, &u.CreatedAt); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			u.LastSeen = &lastSeen.Time
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetOnline flips the online flag and stamps last_seen.
func (r *Repository) SetOnline(ctx context.Context, id int64, online bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1", id, online, at)
	if err != nil {
		return fmt.Errorf("update presence for user %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
