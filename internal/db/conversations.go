package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"teamchat/internal/models"
)

const conversationColumns = `c.id, c.is_group, c.name, c.created_by, c.created_at, c.last_message_at, c.last_message_preview`

const memberColumns = `m.conversation_id, m.user_id, m.role, m.last_read_at, m.is_pinned, m.is_archived, m.is_muted, m.joined_at, m.left_at`

func conversationDest(c *models.Conversation) []any {
	return []any{&c.ID, &c.IsGroup, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt, &c.LastMessagePreview}
}

type memberRow struct {
	member models.Member
	leftAt sql.NullTime
}

func (r *memberRow) dest() []any {
	m := &r.member
	return []any{&m.ConversationID, &m.UserID, &m.Role, &m.LastReadAt, &m.IsPinned, &m.IsArchived, &m.IsMuted, &m.JoinedAt, &r.leftAt}
}

func (r *memberRow) value() models.Member {
	member := r.member
	if r.leftAt.Valid {
		leftAt := r.leftAt.Time
		member.LeftAt = &leftAt
	}
	return member
}

// ListConversations returns every conversation userID is an active member
// of, with the viewer's membership and the active member list.
func (db *DB) ListConversations(ctx context.Context, userID string) ([]models.ConversationView, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`, `+memberColumns+`
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ? AND m.left_at IS NULL
		ORDER BY c.last_message_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	var views []models.ConversationView
	index := make(map[string]int)
	for rows.Next() {
		var view models.ConversationView
		var membership memberRow
		if err := rows.Scan(append(conversationDest(&view.Conversation), membership.dest()...)...); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		view.Membership = membership.value()
		index[view.Conversation.ID] = len(views)
		views = append(views, view)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	if len(views) == 0 {
		return views, nil
	}

	members, err := db.QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM conversation_members m
		WHERE m.left_at IS NULL AND m.conversation_id IN (
			SELECT conversation_id FROM conversation_members
			WHERE user_id = ? AND left_at IS NULL
		)
		ORDER BY m.joined_at, m.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer members.Close()
	for members.Next() {
		var row memberRow
		if err := members.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		if position, ok := index[row.member.ConversationID]; ok {
			views[position].Members = append(views[position].Members, row.value())
		}
	}
	if err := members.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return views, nil
}

// GetConversationView returns a conversation as userID sees it, or
// ErrNotFound when userID is not an active member.
func (db *DB) GetConversationView(ctx context.Context, conversationID, userID string) (models.ConversationView, error) {
	return getConversationView(ctx, db, conversationID, userID)
}

func getConversationView(ctx context.Context, q queryer, conversationID, userID string) (models.ConversationView, error) {
	var view models.ConversationView
	var membership memberRow
	err := q.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`, `+memberColumns+`
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE c.id = ? AND m.user_id = ? AND m.left_at IS NULL
	`, conversationID, userID).Scan(append(conversationDest(&view.Conversation), membership.dest()...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return view, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return view, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	view.Membership = membership.value()

	view.Members, err = activeMembers(ctx, q, conversationID)
	if err != nil {
		return view, err
	}
	return view, nil
}

func activeMembers(ctx context.Context, q queryer, conversationID string) ([]models.Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM conversation_members m
		WHERE m.conversation_id = ? AND m.left_at IS NULL
		ORDER BY m.joined_at, m.id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var row memberRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, row.value())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}

// ActiveMemberIDs returns the user ids of a conversation's active members.
func (db *DB) ActiveMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	members, err := activeMembers(ctx, db, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.UserID)
	}
	return ids, nil
}

// IsActiveMember reports whether userID currently belongs to the
// conversation.
func (db *DB) IsActiveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	return isActiveMember(ctx, db, conversationID, userID)
}

func isActiveMember(ctx context.Context, q queryer, conversationID, userID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_members
		WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL
	`, conversationID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}

// CreateConversation creates a conversation owned by creatorID. For a
// direct conversation an existing thread between the same two users is
// returned instead; created reports which happened.
func (db *DB) CreateConversation(ctx context.Context, creatorID string, request models.CreateConversationRequest, now time.Time) (view models.ConversationView, created bool, err error) {
	members := make([]string, 0, len(request.Members))
	seen := map[string]bool{creatorID: true}
	for _, userID := range request.Members {
		if userID != "" && !seen[userID] {
			seen[userID] = true
			members = append(members, userID)
		}
	}
	if !request.IsGroup && len(members) != 1 {
		return view, false, fmt.Errorf("direct conversation needs exactly one other member: %w", ErrInvalid)
	}
	if request.IsGroup && len(members) == 0 {
		return view, false, fmt.Errorf("group conversation needs members: %w", ErrInvalid)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return view, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if !request.IsGroup {
		existingID, err := existingDirectConversation(ctx, tx, creatorID, members[0])
		if err != nil {
			return view, false, err
		}
		if existingID != "" {
			view, err = getConversationView(ctx, tx, existingID, creatorID)
			return view, false, err
		}
	}

	for _, userID := range members {
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ?", userID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return view, false, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		if err != nil {
			return view, false, fmt.Errorf("failed to check user %s: %w", userID, err)
		}
	}

	conversationID := newID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, is_group, name, created_by, created_at, last_message_at, last_message_preview)
		VALUES (?, ?, ?, ?, ?, ?, '')
	`, conversationID, request.IsGroup, strings.TrimSpace(request.Name), creatorID, ts(now), ts(now))
	if err != nil {
		return view, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	insertMember := func(userID, role string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role, last_read_at, joined_at)
			VALUES (?, ?, ?, ?, ?)
		`, conversationID, userID, role, ts(now), ts(now))
		if err != nil {
			return fmt.Errorf("failed to add member %s: %w", userID, err)
		}
		return nil
	}
	if err := insertMember(creatorID, models.RoleOwner); err != nil {
		return view, false, err
	}
	for _, userID := range members {
		if err := insertMember(userID, models.RoleMember); err != nil {
			return view, false, err
		}
	}

	view, err = getConversationView(ctx, tx, conversationID, creatorID)
	if err != nil {
		return view, false, err
	}
	if err = tx.Commit(); err != nil {
		return view, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return view, true, nil
}

// existingDirectConversation finds the direct conversation in which both
// users are active members.
func existingDirectConversation(ctx context.Context, q queryer, userID1, userID2 string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT c.id
		FROM conversations c
		JOIN conversation_members a ON a.conversation_id = c.id AND a.user_id = ? AND a.left_at IS NULL
		JOIN conversation_members b ON b.conversation_id = c.id AND b.user_id = ? AND b.left_at IS NULL
		WHERE c.is_group = 0
		ORDER BY c.created_at
		LIMIT 1
	`, userID1, userID2).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query existing conversation: %w", err)
	}
	return id, nil
}

// UpdateMembership applies the set fields of patch to userID's active
// membership.
func (db *DB) UpdateMembership(ctx context.Context, conversationID, userID string, patch models.MembershipPatch) error {
	var sets []string
	var args []any
	if patch.IsPinned != nil {
		sets, args = append(sets, "is_pinned = ?"), append(args, *patch.IsPinned)
	}
	if patch.IsArchived != nil {
		sets, args = append(sets, "is_archived = ?"), append(args, *patch.IsArchived)
	}
	if patch.IsMuted != nil {
		sets, args = append(sets, "is_muted = ?"), append(args, *patch.IsMuted)
	}
	if len(sets) == 0 {
		return fmt.Errorf("empty membership patch: %w", ErrInvalid)
	}
	args = append(args, conversationID, userID)

	result, err := db.ExecContext(ctx, `
		UPDATE conversation_members SET `+strings.Join(sets, ", ")+`
		WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL
	`, args...)
	return expectRow(result, err, "membership")
}

// LeaveConversation ends userID's active membership. The user's typing
// row goes with it.
func (db *DB) LeaveConversation(ctx context.Context, conversationID, userID string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversation_members SET left_at = ?
		WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL
	`, ts(at), conversationID, userID)
	if err := expectRow(result, err, "membership"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM typing_state WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID,
	); err != nil {
		return fmt.Errorf("failed to clear typing state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkRead moves userID's read watermark forward to at. It never moves
// backwards.
func (db *DB) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	result, err := db.ExecContext(ctx, `
		UPDATE conversation_members SET last_read_at = MAX(last_read_at, ?)
		WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL
	`, ts(at), conversationID, userID)
	return expectRow(result, err, "membership")
}

// CountUnread counts live messages in a conversation created after since
// and not sent by userID, along with the newest created_at counted.
func (db *DB) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (models.UnreadCount, error) {
	unread := models.UnreadCount{ConversationID: conversationID}
	var through sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND is_deleted = 0 AND created_at > ?
	`, conversationID, userID, ts(since)).Scan(&unread.Count, &through)
	if err != nil {
		return models.UnreadCount{}, fmt.Errorf("failed to count unread messages: %w", err)
	}
	if through.Valid {
		// MAX over a DATETIME column comes back as the stored text.
		if unread.Through, err = time.Parse(timeFormat, through.String); err != nil {
			return models.UnreadCount{}, fmt.Errorf("failed to parse unread cutoff: %w", err)
		}
	}
	return unread, nil
}

func expectRow(result sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
