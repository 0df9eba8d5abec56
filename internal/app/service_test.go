package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"taskhub/api/internal/bus"
	"taskhub/api/internal/config"
	"taskhub/api/internal/notify"
	"taskhub/api/internal/store"
)

// fakeStore implements dataStore and sessionStore with overridable function
// fields so each test wires only what it needs.
type fakeStore struct {
	ensureUserByName func(ctx context.Context, name, email string) (store.User, error)
	getUserByID      func(ctx context.Context, userID string) (store.User, error)
	listUsersExcept  func(ctx context.Context, userID string) ([]store.User, error)

	insertTask          func(ctx context.Context, task store.Task) error
	getTask             func(ctx context.Context, taskID string) (store.Task, error)
	updateTaskFields    func(ctx context.Context, taskID string, update store.TaskUpdate) (store.Task, error)
	deleteTask          func(ctx context.Context, taskID string) error
	listTasksAssignedTo func(ctx context.Context, userID string) ([]store.Task, error)
	listTasksCreatedBy  func(ctx context.Context, userID string) ([]store.Task, error)
	listOverdueTasks    func(ctx context.Context, userID string, before time.Time) ([]store.Task, error)

	insertNotification   func(ctx context.Context, n store.Notification) error
	listNotificationsFor func(ctx context.Context, recipientID string) ([]store.Notification, error)
	markNotificationRead func(ctx context.Context, notificationID, recipientID string) error
	deleteNotification   func(ctx context.Context, notificationID, recipientID string) error

	insertAttachment func(ctx context.Context, a store.Attachment) error
	getAttachment    func(ctx context.Context, attachmentID string) (store.Attachment, error)
	listAttachments  func(ctx context.Context, taskID string) ([]store.Attachment, error)
	deleteAttachment func(ctx context.Context, attachmentID string) error

	revokeAccessToken    func(ctx context.Context, jti string, exp time.Time) error
	isAccessTokenRevoked func(ctx context.Context, jti string) (bool, error)

	saveRefreshSession   func(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	lookupRefreshSession func(ctx context.Context, tokenHash string) (store.User, error)
	revokeRefreshSession func(ctx context.Context, tokenHash string) error
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name, email string) (store.User, error) {
	if f.ensureUserByName != nil {
		return f.ensureUserByName(ctx, name, email)
	}
	return store.User{ID: "u_" + strings.ToLower(name), DisplayName: name, Email: email}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByID != nil {
		return f.getUserByID(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: userID}, nil
}

func (f *fakeStore) ListUsersExcept(ctx context.Context, userID string) ([]store.User, error) {
	if f.listUsersExcept != nil {
		return f.listUsersExcept(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) error {
	if f.insertTask != nil {
		return f.insertTask(ctx, task)
	}
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.getTask != nil {
		return f.getTask(ctx, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateTaskFields(ctx context.Context, taskID string, update store.TaskUpdate) (store.Task, error) {
	if f.updateTaskFields != nil {
		return f.updateTaskFields(ctx, taskID, update)
	}
	return store.Task{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteTask(ctx context.Context, taskID string) error {
	if f.deleteTask != nil {
		return f.deleteTask(ctx, taskID)
	}
	return nil
}

func (f *fakeStore) ListTasksAssignedTo(ctx context.Context, userID string) ([]store.Task, error) {
	if f.listTasksAssignedTo != nil {
		return f.listTasksAssignedTo(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListTasksCreatedBy(ctx context.Context, userID string) ([]store.Task, error) {
	if f.listTasksCreatedBy != nil {
		return f.listTasksCreatedBy(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListOverdueTasks(ctx context.Context, userID string, before time.Time) ([]store.Task, error) {
	if f.listOverdueTasks != nil {
		return f.listOverdueTasks(ctx, userID, before)
	}
	return nil, nil
}

func (f *fakeStore) InsertNotification(ctx context.Context, n store.Notification) error {
	if f.insertNotification != nil {
		return f.insertNotification(ctx, n)
	}
	return nil
}

func (f *fakeStore) ListNotificationsFor(ctx context.Context, recipientID string) ([]store.Notification, error) {
	if f.listNotificationsFor != nil {
		return f.listNotificationsFor(ctx, recipientID)
	}
	return nil, nil
}

func (f *fakeStore) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) error {
	if f.markNotificationRead != nil {
		return f.markNotificationRead(ctx, notificationID, recipientID)
	}
	return sql.ErrNoRows
}

func (f *fakeStore) DeleteNotification(ctx context.Context, notificationID, recipientID string) error {
	if f.deleteNotification != nil {
		return f.deleteNotification(ctx, notificationID, recipientID)
	}
	return sql.ErrNoRows
}

func (f *fakeStore) InsertAttachment(ctx context.Context, a store.Attachment) error {
	if f.insertAttachment != nil {
		return f.insertAttachment(ctx, a)
	}
	return nil
}

func (f *fakeStore) GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error) {
	if f.getAttachment != nil {
		return f.getAttachment(ctx, attachmentID)
	}
	return store.Attachment{}, sql.ErrNoRows
}

func (f *fakeStore) ListAttachments(ctx context.Context, taskID string) ([]store.Attachment, error) {
	if f.listAttachments != nil {
		return f.listAttachments(ctx, taskID)
	}
	return nil, nil
}

func (f *fakeStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	if f.deleteAttachment != nil {
		return f.deleteAttachment(ctx, attachmentID)
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if f.revokeAccessToken != nil {
		return f.revokeAccessToken(ctx, jti, exp)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevoked != nil {
		return f.isAccessTokenRevoked(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSession != nil {
		return f.saveRefreshSession(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSession != nil {
		return f.lookupRefreshSession(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSession != nil {
		return f.revokeRefreshSession(ctx, tokenHash)
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	registry := bus.NewRegistry()
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   time.Hour,
			RefreshTTL:  24 * time.Hour,
		},
		store:    fs,
		sessions: fs,
		registry: registry,
		notifier: notify.New(fs, registry),
	}
}

func strPtr(s string) *string { return &s }

var (
	alice = Session{UserID: "u_alice", UserName: "Alice", Email: "alice@example.com"}
	bob   = Session{UserID: "u_bob", UserName: "Bob", Email: "bob@example.com"}
	carol = Session{UserID: "u_carol", UserName: "Carol", Email: "carol@example.com"}
)

func sampleTask() store.Task {
	return store.Task{
		ID:         "task_1",
		Title:      "Ship report",
		Priority:   "medium",
		Status:     "pending",
		CreatedBy:  alice.UserID,
		AssignedTo: strPtr(bob.UserID),
	}
}

func assertDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected *DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
	return domainErr
}

func TestUpdateTaskStrangerForbidden(t *testing.T) {
	fs := &fakeStore{
		getTask: func(_ context.Context, _ string) (store.Task, error) {
			return sampleTask(), nil
		},
		updateTaskFields: func(_ context.Context, _ string, _ store.TaskUpdate) (store.Task, error) {
			t.Fatal("update must not reach the store")
			return store.Task{}, nil
		},
	}
	service := newTestService(fs)

	_, err := service.UpdateTask(context.Background(), carol, "task_1", store.TaskUpdate{Status: strPtr("completed")})
	domainErr := assertDomainError(t, err, 403, "FORBIDDEN")
	details, ok := domainErr.Details.(map[string]any)
	if !ok || details["reason"] != "not_creator_or_assignee" {
		t.Fatalf("expected reason not_creator_or_assignee, got %v", domainErr.Details)
	}
}

func TestUpdateTaskAssigneeReassignmentStripped(t *testing.T) {
	var applied store.TaskUpdate
	fs := &fakeStore{
		getTask: func(_ context.Context, _ string) (store.Task, error) {
			return sampleTask(), nil
		},
		updateTaskFields: func(_ context.Context, _ string, update store.TaskUpdate) (store.Task, error) {
			applied = update
			after := sampleTask()
			after.Status = "completed"
			return after, nil
		},
	}
	service := newTestService(fs)

	task, err := service.UpdateTask(context.Background(), bob, "task_1", store.TaskUpdate{
		Status:        strPtr("completed"),
		AssignedTo:    strPtr(carol.UserID),
		AssignedToSet: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if applied.AssignedToSet {
		t.Fatal("assignee's reassignment attempt must be stripped, not applied")
	}
	if applied.Status == nil || *applied.Status != "completed" {
		t.Fatal("permitted fields must still apply after the strip")
	}
	if task.Status != "completed" {
		t.Fatalf("expected completed, got %s", task.Status)
	}
}

func TestDeleteTaskAssigneeForbidden(t *testing.T) {
	fs := &fakeStore{
		getTask: func(_ context.Context, _ string) (store.Task, error) {
			return sampleTask(), nil
		},
		deleteTask: func(_ context.Context, _ string) error {
			t.Fatal("delete must not reach the store")
			return nil
		},
	}
	service := newTestService(fs)

	err := service.DeleteTask(context.Background(), bob, "task_1")
	domainErr := assertDomainError(t, err, 403, "FORBIDDEN")
	details, ok := domainErr.Details.(map[string]any)
	if !ok || details["reason"] != "not_creator" {
		t.Fatalf("expected reason not_creator, got %v", domainErr.Details)
	}
}

func TestGetTaskStrangerLooksNonexistent(t *testing.T) {
	fs := &fakeStore{
		getTask: func(_ context.Context, _ string) (store.Task, error) {
			return sampleTask(), nil
		},
	}
	service := newTestService(fs)

	_, err := service.GetTask(context.Background(), carol, "task_1")
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestCreateTaskSelfAssignNoNotification(t *testing.T) {
	fs := &fakeStore{
		insertNotification: func(_ context.Context, _ store.Notification) error {
			t.Fatal("self-assignment must not record a notification")
			return nil
		},
	}
	fs.getTask = func(_ context.Context, taskID string) (store.Task, error) {
		task := sampleTask()
		task.ID = taskID
		task.AssignedTo = strPtr(alice.UserID)
		return task, nil
	}
	service := newTestService(fs)

	_, err := service.CreateTask(context.Background(), alice, TaskInput{
		Title:      "Ship report",
		AssignedTo: strPtr(alice.UserID),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestCreateTaskWithAssigneeNotifies(t *testing.T) {
	var recorded []store.Notification
	fs := &fakeStore{
		insertNotification: func(_ context.Context, n store.Notification) error {
			recorded = append(recorded, n)
			return nil
		},
	}
	fs.getTask = func(_ context.Context, taskID string) (store.Task, error) {
		task := sampleTask()
		task.ID = taskID
		return task, nil
	}
	service := newTestService(fs)
	channel := service.Registry().Register(bob.UserID)
	defer service.Registry().Unregister(channel)

	created, err := service.CreateTask(context.Background(), alice, TaskInput{
		Title:      "Ship report",
		AssignedTo: strPtr(bob.UserID),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedBy != alice.UserID || created.AssignedTo == nil || *created.AssignedTo != bob.UserID {
		t.Fatalf("unexpected stored task %+v", created)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(recorded))
	}
	if !strings.Contains(recorded[0].Message, "Ship report") {
		t.Fatalf("expected message to reference the title, got %q", recorded[0].Message)
	}

	select {
	case event := <-channel.Events():
		if event.TaskID != created.ID {
			t.Fatalf("event references %s, want %s", event.TaskID, created.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected live delivery to the assignee's channel")
	}
}

func TestUpdateTaskAssignmentRecordsAndDelivers(t *testing.T) {
	var recorded []store.Notification
	before := sampleTask()
	before.AssignedTo = nil
	fs := &fakeStore{
		getTask: func(_ context.Context, _ string) (store.Task, error) {
			return before, nil
		},
		updateTaskFields: func(_ context.Context, _ string, _ store.TaskUpdate) (store.Task, error) {
			after := sampleTask()
			return after, nil
		},
		insertNotification: func(_ context.Context, n store.Notification) error {
			recorded = append(recorded, n)
			return nil
		},
	}
	service := newTestService(fs)
	channel := service.Registry().Register(bob.UserID)
	defer service.Registry().Unregister(channel)

	_, err := service.UpdateTask(context.Background(), alice, "task_1", store.TaskUpdate{
		AssignedTo:    strPtr(bob.UserID),
		AssignedToSet: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(recorded) != 1 {
		t.Fatalf("expected exactly one notification row, got %d", len(recorded))
	}
	n := recorded[0]
	if n.RecipientID != bob.UserID {
		t.Fatalf("expected recipient %s, got %s", bob.UserID, n.RecipientID)
	}
	want := fmt.Sprintf("%s assigned you the task %q", alice.UserName, "Ship report")
	if n.Message != want {
		t.Fatalf("expected message %q, got %q", want, n.Message)
	}

	select {
	case event := <-channel.Events():
		if event.Message != want {
			t.Fatalf("event message %q does not match ledger message %q", event.Message, want)
		}
		if event.TaskID != "task_1" || event.SenderID != alice.UserID {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected live delivery to the open channel")
	}
}

func TestUpdateTaskAssignmentOfflineStillRecords(t *testing.T) {
	var recorded []store.Notification
	before := sampleTask()
	before.AssignedTo = nil
	fs := &fakeStore{
		getTask: func(_ context.Context, _ string) (store.Task, error) {
			return before, nil
		},
		updateTaskFields: func(_ context.Context, _ string, _ store.TaskUpdate) (store.Task, error) {
			return sampleTask(), nil
		},
		insertNotification: func(_ context.Context, n store.Notification) error {
			recorded = append(recorded, n)
			return nil
		},
	}
	service := newTestService(fs)

	_, err := service.UpdateTask(context.Background(), alice, "task_1", store.TaskUpdate{
		AssignedTo:    strPtr(bob.UserID),
		AssignedToSet: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("offline recipient must still get a ledger row, got %d", len(recorded))
	}
}

func TestUpdateTaskReassignSameAssigneeNoNotification(t *testing.T) {
	fs := &fakeStore{
		getTask: func(_ context.Context, _ string) (store.Task, error) {
			return sampleTask(), nil
		},
		updateTaskFields: func(_ context.Context, _ string, _ store.TaskUpdate) (store.Task, error) {
			return sampleTask(), nil
		},
		insertNotification: func(_ context.Context, _ store.Notification) error {
			t.Fatal("re-asserting the same assignee must not notify")
			return nil
		},
	}
	service := newTestService(fs)

	_, err := service.UpdateTask(context.Background(), alice, "task_1", store.TaskUpdate{
		AssignedTo:    strPtr(bob.UserID),
		AssignedToSet: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestUpdateTaskLedgerFailureSurfaces(t *testing.T) {
	ledgerDown := errors.New("ledger unavailable")
	before := sampleTask()
	before.AssignedTo = nil
	fs := &fakeStore{
		getTask: func(_ context.Context, _ string) (store.Task, error) {
			return before, nil
		},
		updateTaskFields: func(_ context.Context, _ string, _ store.TaskUpdate) (store.Task, error) {
			return sampleTask(), nil
		},
		insertNotification: func(_ context.Context, _ store.Notification) error {
			return ledgerDown
		},
	}
	service := newTestService(fs)
	channel := service.Registry().Register(bob.UserID)
	defer service.Registry().Unregister(channel)

	_, err := service.UpdateTask(context.Background(), alice, "task_1", store.TaskUpdate{
		AssignedTo:    strPtr(bob.UserID),
		AssignedToSet: true,
	})
	if !errors.Is(err, ledgerDown) {
		t.Fatalf("expected ledger failure to surface, got %v", err)
	}

	select {
	case event := <-channel.Events():
		t.Fatalf("no event must be delivered when the ledger write fails, got %+v", event)
	default:
	}
}

func TestCreateTaskValidation(t *testing.T) {
	service := newTestService(&fakeStore{})

	if _, err := service.CreateTask(context.Background(), alice, TaskInput{Title: "  "}); err == nil {
		t.Fatal("expected validation error for blank title")
	}
	_, err := service.CreateTask(context.Background(), alice, TaskInput{Title: "x", Priority: "urgent"})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
	_, err = service.CreateTask(context.Background(), alice, TaskInput{Title: "x", Status: "done"})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestCreateTaskUnknownAssigneeRejected(t *testing.T) {
	fs := &fakeStore{
		getUserByID: func(_ context.Context, _ string) (store.User, error) {
			return store.User{}, sql.ErrNoRows
		},
	}
	service := newTestService(fs)

	_, err := service.CreateTask(context.Background(), alice, TaskInput{
		Title:      "x",
		AssignedTo: strPtr("u_ghost"),
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestMarkNotificationReadForeignNotFound(t *testing.T) {
	fs := &fakeStore{
		markNotificationRead: func(_ context.Context, _, recipientID string) error {
			if recipientID != carol.UserID {
				t.Fatalf("lookup must be scoped to the caller, got %s", recipientID)
			}
			return sql.ErrNoRows
		},
	}
	service := newTestService(fs)

	err := service.MarkNotificationRead(context.Background(), carol, "ntf_1")
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestDeleteNotificationForeignNotFound(t *testing.T) {
	fs := &fakeStore{
		deleteNotification: func(_ context.Context, _, _ string) error {
			return sql.ErrNoRows
		},
	}
	service := newTestService(fs)

	err := service.DeleteNotification(context.Background(), carol, "ntf_1")
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestSessionFromTokenRevoked(t *testing.T) {
	fs := &fakeStore{
		isAccessTokenRevoked: func(_ context.Context, _ string) (bool, error) {
			return true, nil
		},
	}
	service := newTestService(fs)

	session, err := service.Login(context.Background(), "Alice", "alice@example.com")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := service.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	revoked := make(map[string]bool)
	saved := make(map[string]string)
	fs := &fakeStore{
		saveRefreshSession: func(_ context.Context, tokenHash, userID string, _ time.Time) error {
			saved[tokenHash] = userID
			return nil
		},
		lookupRefreshSession: func(_ context.Context, tokenHash string) (store.User, error) {
			if revoked[tokenHash] {
				return store.User{}, sql.ErrNoRows
			}
			userID, ok := saved[tokenHash]
			if !ok {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: userID}, nil
		},
		revokeRefreshSession: func(_ context.Context, tokenHash string) error {
			revoked[tokenHash] = true
			return nil
		},
		getUserByID: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Alice"}, nil
		},
	}
	service := newTestService(fs)

	session, err := service.Login(context.Background(), "Alice", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	next, err := service.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == session.RefreshToken {
		t.Fatal("refresh must rotate the refresh token")
	}
	if _, err := service.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("spent refresh token must be rejected")
	}
}

func TestAttachmentsDisabledWithoutBlobStore(t *testing.T) {
	service := newTestService(&fakeStore{})

	_, err := service.AddAttachment(context.Background(), alice, "task_1", "a.txt", "text/plain", 1, strings.NewReader("x"))
	assertDomainError(t, err, 503, "ATTACHMENTS_UNAVAILABLE")
}
