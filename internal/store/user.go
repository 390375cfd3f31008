package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/olymprep/authserver/types"
)

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	const query = `
		SELECT id, email, first_name, last_name, role, password_hash, is_blocked, created_at, updated_at
		FROM users
		WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT id, email, first_name, last_name, role, password_hash, is_blocked, created_at, updated_at
		FROM users
		WHERE email = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, email))
}

func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	const query = `
		SELECT id, email, first_name, last_name, role, password_hash, is_blocked, created_at, updated_at
		FROM users
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var user types.User
		if err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.FirstName,
			&user.LastName,
			&user.Role,
			&user.PasswordHash,
			&user.Blocked,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (email, first_name, last_name, role, password_hash, is_blocked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		user.Email,
		user.FirstName,
		user.LastName,
		user.Role,
		user.PasswordHash,
		user.Blocked,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID); err != nil {
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) Update(ctx context.Context, user types.User) (types.User, error) {
	user.UpdatedAt = time.Now()

	const query = `
		UPDATE users
		SET email = $1,
			first_name = $2,
			last_name = $3,
			role = $4,
			password_hash = $5,
			is_blocked = $6,
			updated_at = $7
		WHERE id = $8`
	result, err := r.db.ExecContext(
		ctx,
		query,
		user.Email,
		user.FirstName,
		user.LastName,
		user.Role,
		user.PasswordHash,
		user.Blocked,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		return types.User{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.User{}, err
	}
	if affected == 0 {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (r *UserRepository) Delete(ctx context.Context, id int) error {
	const query = `DELETE FROM users WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) scanOne(row *sql.Row) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.Role,
		&user.PasswordHash,
		&user.Blocked,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}
