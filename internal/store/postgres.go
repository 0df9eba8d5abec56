package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name, email string) (User, error) {
	const findUser = `SELECT id, display_name, email FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	if email == "" {
		email = strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@local.taskhub.dev"
	}
	const insertUser = `
		INSERT INTO users (display_name, email)
		VALUES ($1, $2)
		RETURNING id, display_name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name, email).Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ListUsersExcept returns the assignment directory: every user other than the
// caller, name and email only.
func (s *PostgresStore) ListUsersExcept(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email FROM users
		WHERE id <> $1
		ORDER BY display_name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// Tasks

const taskColumns = `
	t.id, t.title, t.description, t.due_at, t.priority, t.status,
	t.created_by, cu.display_name, cu.email,
	t.assigned_to, COALESCE(au.display_name, ''), COALESCE(au.email, ''),
	t.created_at, t.updated_at
`

const taskJoins = `
	FROM tasks t
	JOIN users cu ON cu.id = t.created_by
	LEFT JOIN users au ON au.id = t.assigned_to
`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var task Task
	var dueAt sql.NullTime
	var assignedTo sql.NullString
	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &dueAt, &task.Priority, &task.Status,
		&task.CreatedBy, &task.CreatorName, &task.CreatorEmail,
		&assignedTo, &task.AssigneeName, &task.AssigneeEmail,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if dueAt.Valid {
		due := dueAt.Time
		task.DueAt = &due
	}
	if assignedTo.Valid {
		assignee := assignedTo.String
		task.AssignedTo = &assignee
	}
	return task, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, due_at, priority, status, created_by, assigned_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, task.ID, task.Title, task.Description, task.DueAt, task.Priority, task.Status, task.CreatedBy, task.AssignedTo)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+taskJoins+` WHERE t.id = $1`, taskID)
	return scanTask(row)
}

// UpdateTaskFields applies a sparse update in a single UPDATE statement. The
// created_by column is never part of the SET clause. Returns sql.ErrNoRows
// when the task does not exist.
func (s *PostgresStore) UpdateTaskFields(ctx context.Context, taskID string, update TaskUpdate) (Task, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	argN := 1

	addSet := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, value)
		argN++
	}

	if update.Title != nil {
		addSet("title", *update.Title)
	}
	if update.Description != nil {
		addSet("description", *update.Description)
	}
	if update.DueAt != nil {
		addSet("due_at", *update.DueAt)
	}
	if update.Priority != nil {
		addSet("priority", *update.Priority)
	}
	if update.Status != nil {
		addSet("status", *update.Status)
	}
	if update.AssignedToSet {
		addSet("assigned_to", update.AssignedTo)
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(sets, ", "), argN)
	args = append(args, taskID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("update task rows: %w", err)
	}
	if affected == 0 {
		return Task{}, sql.ErrNoRows
	}
	return s.GetTask(ctx, taskID)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) listTasks(ctx context.Context, where, order string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+taskJoins+` WHERE `+where+` ORDER BY `+order, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ListTasksAssignedTo(ctx context.Context, userID string) ([]Task, error) {
	return s.listTasks(ctx, `t.assigned_to = $1`, `t.due_at ASC NULLS LAST`, userID)
}

func (s *PostgresStore) ListTasksCreatedBy(ctx context.Context, userID string) ([]Task, error) {
	return s.listTasks(ctx, `t.created_by = $1`, `t.created_at DESC`, userID)
}

func (s *PostgresStore) ListOverdueTasks(ctx context.Context, userID string, before time.Time) ([]Task, error) {
	return s.listTasks(ctx,
		`t.assigned_to = $1 AND t.due_at < $2 AND t.status <> 'completed'`,
		`t.due_at ASC`, userID, before)
}

// Notifications

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, sender_id, task_id, message)
		VALUES ($1, $2, $3, $4, $5)
	`, n.ID, n.RecipientID, n.SenderID, n.TaskID, n.Message)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotificationsFor(ctx context.Context, recipientID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.recipient_id, n.sender_id, COALESCE(su.display_name, ''),
			n.task_id, n.message, n.read, n.created_at
		FROM notifications n
		LEFT JOIN users su ON su.id = n.sender_id
		WHERE n.recipient_id = $1
		ORDER BY n.created_at DESC
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		var senderID sql.NullString
		if err := rows.Scan(&n.ID, &n.RecipientID, &senderID, &n.SenderName, &n.TaskID, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if senderID.Valid {
			sender := senderID.String
			n.SenderID = &sender
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead flips the read flag. The recipient filter makes a
// foreign notification indistinguishable from a missing one.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE id = $1 AND recipient_id = $2
	`, notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, notificationID, recipientID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE id = $1 AND recipient_id = $2
	`, notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete notification rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Attachments

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attachments (id, task_id, file_name, content_type, size, object_key, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.TaskID, a.FileName, a.ContentType, a.Size, a.ObjectKey, a.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var a Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, file_name, content_type, size, object_key, uploaded_by, created_at
		FROM task_attachments WHERE id = $1
	`, attachmentID).Scan(&a.ID, &a.TaskID, &a.FileName, &a.ContentType, &a.Size, &a.ObjectKey, &a.UploadedBy, &a.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, taskID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, file_name, content_type, size, object_key, uploaded_by, created_at
		FROM task_attachments WHERE task_id = $1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.FileName, &a.ContentType, &a.Size, &a.ObjectKey, &a.UploadedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM task_attachments WHERE id = $1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete attachment rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW()
	`, jti).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return count > 0, nil
}
