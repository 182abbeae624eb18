package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/npezzotti/capstone-chat/internal/types"
)

const messageColumns = "id, room_key, chat_type, COALESCE(group_id, ''), participants, sender_id, text, " +
	"message_type, attachments, contact_data, deleted_by, is_deleted, is_encrypted, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (db *PgChatRepository) GetUser(ctx context.Context, userId string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, phone, role, COALESCE(group_id, '') FROM users "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.Email,
		&u.Phone,
		&u.Role,
		&u.GroupId,
	)

	return u, notFound(err)
}

func (db *PgChatRepository) GetGroupWithMembers(ctx context.Context, groupId string) (*Group, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT
				g.id,
				g.name,
				COALESCE(g.leader_id, ''),
				s.id,
				s.username,
				s.email,
				s.phone,
				s.role
		FROM groups g
		LEFT JOIN users s ON s.id = g.supervisor_id
		WHERE g.id = $1`,
		groupId,
	)

	var (
		g              Group
		supervisorId   sql.NullString
		supervisorName sql.NullString
		supervisorMail sql.NullString
		supervisorTel  sql.NullString
		supervisorRole sql.NullString
	)
	if err := row.Scan(
		&g.Id,
		&g.Name,
		&g.LeaderId,
		&supervisorId,
		&supervisorName,
		&supervisorMail,
		&supervisorTel,
		&supervisorRole,
	); err != nil {
		return nil, notFound(err)
	}

	if supervisorId.Valid {
		g.Supervisor = &User{
			Id:       supervisorId.String,
			Username: supervisorName.String,
			Email:    supervisorMail.String,
			Phone:    supervisorTel.String,
			Role:     supervisorRole.String,
		}
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT u.id, u.username, u.email, u.phone, u.role FROM group_members m "+
			"JOIN users u ON u.id = m.user_id WHERE m.group_id = $1 ORDER BY u.id",
		groupId,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.Email, &u.Phone, &u.Role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		u.GroupId = g.Id
		g.Members = append(g.Members, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &g, nil
}

func (db *PgChatRepository) ListSupervisedGroups(ctx context.Context, supervisorId string) ([]Group, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id FROM groups WHERE supervisor_id = $1 ORDER BY id",
		supervisorId,
	)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(ids))
	for _, id := range ids {
		g, err := db.GetGroupWithMembers(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", id, err)
		}
		groups = append(groups, *g)
	}

	return groups, nil
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.Id == "" {
		msg.Id = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Attachments == nil {
		msg.Attachments = []types.Attachment{}
	}

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return Message{}, fmt.Errorf("encode attachments: %w", err)
	}

	var contact []byte
	if msg.ContactData != nil {
		if contact, err = json.Marshal(msg.ContactData); err != nil {
			return Message{}, fmt.Errorf("encode contact: %w", err)
		}
	}

	var groupId sql.NullString
	if msg.GroupId != "" {
		groupId = sql.NullString{String: msg.GroupId, Valid: true}
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO chat_messages (id, room_key, chat_type, group_id, participants, sender_id, text, "+
			"message_type, attachments, contact_data, is_encrypted, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		msg.Id,
		msg.RoomKey,
		msg.ChatType,
		groupId,
		pq.Array(msg.Participants),
		msg.SenderId,
		msg.Text,
		msg.MessageType,
		attachments,
		contact,
		msg.IsEncrypted,
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg         Message
		attachments []byte
		contact     []byte
	)

	err := row.Scan(
		&msg.Id,
		&msg.RoomKey,
		&msg.ChatType,
		&msg.GroupId,
		pq.Array(&msg.Participants),
		&msg.SenderId,
		&msg.Text,
		&msg.MessageType,
		&attachments,
		&contact,
		pq.Array(&msg.DeletedBy),
		&msg.IsDeleted,
		&msg.IsEncrypted,
		&msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}

	if len(contact) > 0 {
		msg.ContactData = &types.ContactData{}
		if err := json.Unmarshal(contact, msg.ContactData); err != nil {
			return Message{}, fmt.Errorf("decode contact: %w", err)
		}
	}

	return msg, nil
}

func (db *PgChatRepository) GetMessage(ctx context.Context, messageId string) (Message, error) {
	if _, err := uuid.Parse(messageId); err != nil {
		return Message{}, fmt.Errorf("%w: message %q", ErrNotFound, messageId)
	}

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM chat_messages WHERE id = $1",
		messageId,
	)

	msg, err := scanMessage(row)
	return msg, notFound(err)
}

func (db *PgChatRepository) HardDeleteMessage(ctx context.Context, messageId string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE chat_messages SET is_deleted = TRUE, text = '', attachments = '[]', contact_data = NULL "+
			"WHERE id = $1",
		messageId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: message %q", ErrNotFound, messageId)
	}

	return nil
}

func (db *PgChatRepository) AddDeletedBy(ctx context.Context, messageId, userId string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE chat_messages SET deleted_by = array_append(deleted_by, $2) "+
			"WHERE id = $1 AND NOT ($2 = ANY(deleted_by))",
		messageId,
		userId,
	)

	return err
}

func (db *PgChatRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error) {
	before := params.Before
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Minute)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM chat_messages "+
			"WHERE room_key = $1 AND NOT ($2 = ANY(deleted_by)) AND created_at < $3 "+
			"ORDER BY created_at DESC, id DESC LIMIT $4",
		params.RoomKey,
		params.UserId,
		before,
		params.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, params.Limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest page first from the index, oldest first for the caller
	slices.Reverse(messages)
	return messages, nil
}

// MessagesInRoom returns the subset of messageIds that name messages stored
// in roomKey. Ids that are not valid UUIDs are dropped.
func (db *PgChatRepository) MessagesInRoom(ctx context.Context, roomKey string, messageIds []string) ([]string, error) {
	valid := make([]string, 0, len(messageIds))
	for _, id := range messageIds {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id FROM chat_messages WHERE id = ANY($1::uuid[]) AND room_key = $2",
		pq.Array(valid),
		roomKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		found = append(found, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return found, nil
}

func (db *PgChatRepository) ReceiptExists(ctx context.Context, messageId, userId string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM chat_read_receipts WHERE message_id = $1 AND user_id = $2)",
		messageId,
		userId,
	).Scan(&exists)

	return exists, err
}

func (db *PgChatRepository) CreateReceipt(ctx context.Context, receipt ReadReceipt) error {
	if receipt.ReadAt.IsZero() {
		receipt.ReadAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_read_receipts (message_id, room_key, user_id, read_at) "+
			"VALUES ($1, $2, $3, $4) ON CONFLICT (message_id, user_id) DO NOTHING",
		receipt.MessageId,
		receipt.RoomKey,
		receipt.UserId,
		receipt.ReadAt,
	)

	return err
}

func (db *PgChatRepository) ListReceipts(ctx context.Context, messageIds []string) ([]ReadReceipt, error) {
	if len(messageIds) == 0 {
		return nil, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, room_key, user_id, read_at FROM chat_read_receipts "+
			"WHERE message_id = ANY($1::uuid[]) ORDER BY read_at",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []ReadReceipt
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageId, &r.RoomKey, &r.UserId, &r.ReadAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}

	return receipts, rows.Err()
}

func (db *PgChatRepository) UnreadCounts(ctx context.Context, userId string, roomKeys []string) (map[string]int, error) {
	counts := make(map[string]int, len(roomKeys))
	for _, k := range roomKeys {
		counts[k] = 0
	}
	if len(roomKeys) == 0 {
		return counts, nil
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT m.room_key, COUNT(*)
		FROM chat_messages m
		WHERE m.room_key = ANY($2)
			AND m.sender_id <> $1
			AND NOT ($1 = ANY(m.deleted_by))
			AND m.created_at > COALESCE(
				(SELECT MAX(r.read_at) FROM chat_read_receipts r
				 WHERE r.room_key = m.room_key AND r.user_id = $1),
				'epoch'::timestamptz)
		GROUP BY m.room_key`,
		userId,
		pq.Array(roomKeys),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}

	return counts, rows.Err()
}
