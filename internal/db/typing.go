package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teamchat/internal/models"
)

const typingColumns = `conversation_id, user_id, display_name, updated_at`

func scanTyping(row scanner) (models.TypingState, error) {
	var state models.TypingState
	err := row.Scan(&state.ConversationID, &state.UserID, &state.DisplayName, &state.UpdatedAt)
	return state, err
}

// UpsertTyping writes userID's typing row in a conversation and reports
// whether it was an insert or an update.
func (db *DB) UpsertTyping(ctx context.Context, conversationID, userID, displayName string, now time.Time) (models.TypingState, string, error) {
	state := models.TypingState{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		UpdatedAt:      now.UTC(),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return state, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	member, err := isActiveMember(ctx, tx, conversationID, userID)
	if err != nil {
		return state, "", err
	}
	if !member {
		return state, "", fmt.Errorf("conversation %s: %w", conversationID, ErrForbidden)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE typing_state SET display_name = ?, updated_at = ?
		WHERE conversation_id = ? AND user_id = ?
	`, displayName, ts(state.UpdatedAt), conversationID, userID)
	if err != nil {
		return state, "", fmt.Errorf("failed to update typing state: %w", err)
	}
	operation := models.OpUpdate
	if affected, _ := result.RowsAffected(); affected == 0 {
		operation = models.OpInsert
		_, err = tx.ExecContext(ctx,
			"INSERT INTO typing_state ("+typingColumns+") VALUES (?, ?, ?, ?)",
			conversationID, userID, displayName, ts(state.UpdatedAt))
		if err != nil {
			return state, "", fmt.Errorf("failed to insert typing state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return state, "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return state, operation, nil
}

// DeleteTyping removes userID's typing row and returns it.
func (db *DB) DeleteTyping(ctx context.Context, conversationID, userID string) (models.TypingState, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return models.TypingState{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	state, err := scanTyping(tx.QueryRowContext(ctx,
		"SELECT "+typingColumns+" FROM typing_state WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return state, fmt.Errorf("typing state: %w", ErrNotFound)
	}
	if err != nil {
		return state, fmt.Errorf("failed to fetch typing state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM typing_state WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID,
	); err != nil {
		return state, fmt.Errorf("failed to delete typing state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return state, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return state, nil
}

// PruneTyping deletes typing rows not refreshed since before and returns
// them, so the caller can publish the deletes.
func (db *DB) PruneTyping(ctx context.Context, before time.Time) ([]models.TypingState, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+typingColumns+" FROM typing_state WHERE updated_at < ?", ts(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query typing state: %w", err)
	}
	var stale []models.TypingState
	for rows.Next() {
		state, err := scanTyping(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan typing state: %w", err)
		}
		stale = append(stale, state)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating typing state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM typing_state WHERE updated_at < ?", ts(before)); err != nil {
		return nil, fmt.Errorf("failed to prune typing state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stale, nil
}
