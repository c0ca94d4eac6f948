package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teamchat/internal/models"
)

const userColumns = `id, username, password, display_name, avatar, organization_id, created_at`

func scanUser(row scanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Username, &user.Password, &user.DisplayName,
		&user.Avatar, &user.OrganizationID, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser stores a user whose password is already hashed.
func (db *DB) CreateUser(ctx context.Context, request models.RegisterRequest) (*models.User, error) {
	user := &models.User{
		ID:             newID(),
		Username:       request.Username,
		Password:       request.Password,
		DisplayName:    request.DisplayName,
		Avatar:         request.Avatar,
		OrganizationID: request.OrganizationID,
		CreatedAt:      time.Now().UTC(),
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Password, user.DisplayName, user.Avatar, user.OrganizationID, ts(user.CreatedAt),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("username %q: %w", request.Username, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return user, nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return user, nil
}

// SearchUsers searches users of an organization by username or display
// name, case-insensitively. An empty query lists the organization.
func (db *DB) SearchUsers(ctx context.Context, organizationID, query string) ([]*models.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE organization_id = ?
		AND (username LIKE ? COLLATE NOCASE OR display_name LIKE ? COLLATE NOCASE)
		ORDER BY
			CASE
				WHEN username LIKE ? COLLATE NOCASE THEN 1
				WHEN username LIKE ? COLLATE NOCASE THEN 2
				ELSE 3
			END,
			username COLLATE NOCASE
		LIMIT 20
	`, organizationID, "%"+query+"%", "%"+query+"%", query, query+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		user.Password = ""
		users = append(users, user)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}
