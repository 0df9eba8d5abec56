package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"taskhub/api/internal/auth"
	"taskhub/api/internal/authz"
	"taskhub/api/internal/bus"
	"taskhub/api/internal/config"
	"taskhub/api/internal/notify"
	"taskhub/api/internal/search"
	"taskhub/api/internal/store"
	"taskhub/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

var validPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
}

var validStatuses = map[string]struct{}{
	"pending":     {},
	"in-progress": {},
	"completed":   {},
}

// dataStore is the persistence collaborator. Reads return records with
// creator/assignee already joined to display name and email.
type dataStore interface {
	EnsureUserByName(ctx context.Context, name, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListUsersExcept(ctx context.Context, userID string) ([]store.User, error)

	InsertTask(ctx context.Context, task store.Task) error
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	UpdateTaskFields(ctx context.Context, taskID string, update store.TaskUpdate) (store.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	ListTasksAssignedTo(ctx context.Context, userID string) ([]store.Task, error)
	ListTasksCreatedBy(ctx context.Context, userID string) ([]store.Task, error)
	ListOverdueTasks(ctx context.Context, userID string, before time.Time) ([]store.Task, error)

	InsertNotification(ctx context.Context, n store.Notification) error
	ListNotificationsFor(ctx context.Context, recipientID string) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, recipientID string) error
	DeleteNotification(ctx context.Context, notificationID, recipientID string) error

	InsertAttachment(ctx context.Context, a store.Attachment) error
	GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error)
	ListAttachments(ctx context.Context, taskID string) ([]store.Attachment, error)
	DeleteAttachment(ctx context.Context, attachmentID string) error

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens: Redis when configured, Postgres
// otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// blobStore holds attachment bytes. Nil means attachments are disabled.
type blobStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	registry *bus.Registry
	notifier *notify.Notifier
	search   *search.Service
	blobs    blobStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, registry *bus.Registry, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		registry: registry,
		notifier: notify.New(dataStore, registry),
		search:   searchService,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, registry *bus.Registry, searchService *search.Service) *Service {
	service := New(cfg, dataStore, registry, searchService)
	service.sessions = sessions
	return service
}

// SetBlobStore enables attachment storage.
func (s *Service) SetBlobStore(blobs blobStore) {
	s.blobs = blobs
}

func (s *Service) Registry() *bus.Registry {
	return s.registry
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Sessions

func (s *Service) Login(ctx context.Context, name, email string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, validationError("name is required")
	}

	user, err := s.store.EnsureUserByName(ctx, userName, strings.TrimSpace(email))
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session store is only authoritative for the user id; re-read the
	// user row for current display fields.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken resolves a bearer credential to a principal. The token
// must parse, not be revoked, and name a user that still exists.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Users

func (s *Service) ListUsers(ctx context.Context, session Session) ([]store.User, error) {
	return s.store.ListUsersExcept(ctx, session.UserID)
}

// Tasks

type TaskInput struct {
	Title       string
	Description string
	DueAt       *time.Time
	Priority    string
	Status      string
	AssignedTo  *string
}

func (s *Service) CreateTask(ctx context.Context, session Session, input TaskInput) (store.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Task{}, validationError("title is required")
	}

	priority := input.Priority
	if priority == "" {
		priority = "medium"
	}
	if _, ok := validPriorities[priority]; !ok {
		return store.Task{}, validationError("priority must be one of low, medium, high")
	}

	status := input.Status
	if status == "" {
		status = "pending"
	}
	if _, ok := validStatuses[status]; !ok {
		return store.Task{}, validationError("status must be one of pending, in-progress, completed")
	}

	if input.AssignedTo != nil {
		if _, err := s.store.GetUserByID(ctx, *input.AssignedTo); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Task{}, validationError("assignee does not exist")
			}
			return store.Task{}, err
		}
	}

	task := store.Task{
		ID:          util.NewID("task"),
		Title:       title,
		Description: input.Description,
		DueAt:       input.DueAt,
		Priority:    priority,
		Status:      status,
		CreatedBy:   session.UserID,
		AssignedTo:  input.AssignedTo,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return store.Task{}, err
	}

	created, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return store.Task{}, err
	}

	if isNotableAssignment(nil, created.AssignedTo, session.UserID) {
		if err := s.notifyAssignment(ctx, created, session); err != nil {
			return store.Task{}, err
		}
	}

	s.indexTask(created)
	return created, nil
}

func (s *Service) GetTask(ctx context.Context, session Session, taskID string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Task{}, notFoundError()
		}
		return store.Task{}, err
	}
	if !authz.CanView(session.UserID, task) {
		return store.Task{}, notFoundError()
	}
	return task, nil
}

// UpdateTask applies a sparse mutation through the ownership gate. A
// non-creator's reassignment is stripped rather than failing the request;
// the remaining permitted fields still apply.
func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, update store.TaskUpdate) (store.Task, error) {
	before, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Task{}, notFoundError()
		}
		return store.Task{}, err
	}

	if decision := authz.CanMutate(session.UserID, before); !decision.Allowed {
		return store.Task{}, forbiddenError(decision.Reason)
	}
	update = authz.SanitizeUpdate(session.UserID, before, update)

	if update.Title != nil && strings.TrimSpace(*update.Title) == "" {
		return store.Task{}, validationError("title cannot be empty")
	}
	if update.Priority != nil {
		if _, ok := validPriorities[*update.Priority]; !ok {
			return store.Task{}, validationError("priority must be one of low, medium, high")
		}
	}
	if update.Status != nil {
		if _, ok := validStatuses[*update.Status]; !ok {
			return store.Task{}, validationError("status must be one of pending, in-progress, completed")
		}
	}
	if update.AssignedToSet && update.AssignedTo != nil {
		if _, err := s.store.GetUserByID(ctx, *update.AssignedTo); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Task{}, validationError("assignee does not exist")
			}
			return store.Task{}, err
		}
	}

	if update.Empty() {
		return before, nil
	}

	after, err := s.store.UpdateTaskFields(ctx, taskID, update)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Task{}, notFoundError()
		}
		return store.Task{}, err
	}

	if isNotableAssignment(before.AssignedTo, after.AssignedTo, session.UserID) {
		if err := s.notifyAssignment(ctx, after, session); err != nil {
			return store.Task{}, err
		}
	}

	s.indexTask(after)
	return after, nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return err
	}

	if decision := authz.CanDelete(session.UserID, task); !decision.Allowed {
		return forbiddenError(decision.Reason)
	}

	// Best effort: orphaned objects are harmless, a failed task delete is not.
	if s.blobs != nil {
		if attachments, err := s.store.ListAttachments(ctx, taskID); err == nil {
			for _, attachment := range attachments {
				if err := s.blobs.Remove(ctx, attachment.ObjectKey); err != nil {
					log.Printf("app: remove attachment object %s: %v", attachment.ObjectKey, err)
				}
			}
		}
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return err
	}

	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	return nil
}

func (s *Service) ListAssignedTasks(ctx context.Context, session Session) ([]store.Task, error) {
	return s.store.ListTasksAssignedTo(ctx, session.UserID)
}

func (s *Service) ListCreatedTasks(ctx context.Context, session Session) ([]store.Task, error) {
	return s.store.ListTasksCreatedBy(ctx, session.UserID)
}

func (s *Service) ListOverdueTasks(ctx context.Context, session Session) ([]store.Task, error) {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.store.ListOverdueTasks(ctx, session.UserID, startOfDay)
}

func (s *Service) SearchTasks(session Session, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:        text,
		PrincipalID: session.UserID,
		Limit:       limit,
		Offset:      offset,
	})
}

// isNotableAssignment reports whether a mutation changed responsibility for
// the task: the assignee became a non-null principal other than the actor.
// Self-assignment and unassignment are unremarkable.
func isNotableAssignment(before, after *string, actorID string) bool {
	if after == nil || *after == actorID {
		return false
	}
	if before != nil && *before == *after {
		return false
	}
	return true
}

// notifyAssignment records the ledger row and attempts live delivery. The
// ledger write is part of the mutation's durability contract, so its failure
// surfaces; the delivery outcome is logged and otherwise ignored.
func (s *Service) notifyAssignment(ctx context.Context, task store.Task, session Session) error {
	sender := store.User{ID: session.UserID, DisplayName: session.UserName, Email: session.Email}
	notification, outcome, err := s.notifier.TaskAssigned(ctx, task, sender)
	if err != nil {
		return err
	}
	if outcome == bus.Queued {
		log.Printf("app: notification %s queued for offline principal %s", notification.ID, notification.RecipientID)
	}
	return nil
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	assignedTo := ""
	if task.AssignedTo != nil {
		assignedTo = *task.AssignedTo
	}
	s.search.IndexTask(search.TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
		Priority:    task.Priority,
		CreatedBy:   task.CreatedBy,
		AssignedTo:  assignedTo,
	})
}

// Notifications

func (s *Service) ListNotifications(ctx context.Context, session Session) ([]store.Notification, error) {
	return s.store.ListNotificationsFor(ctx, session.UserID)
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	if err := s.store.MarkNotificationRead(ctx, notificationID, session.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return err
	}
	return nil
}

func (s *Service) DeleteNotification(ctx context.Context, session Session, notificationID string) error {
	if err := s.store.DeleteNotification(ctx, notificationID, session.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return err
	}
	return nil
}

// Attachments

var errAttachmentsDisabled = domainError(503, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)

func (s *Service) AddAttachment(ctx context.Context, session Session, taskID, fileName, contentType string, size int64, reader io.Reader) (store.Attachment, error) {
	if s.blobs == nil {
		return store.Attachment{}, errAttachmentsDisabled
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Attachment{}, notFoundError()
		}
		return store.Attachment{}, err
	}
	if decision := authz.CanMutate(session.UserID, task); !decision.Allowed {
		return store.Attachment{}, forbiddenError(decision.Reason)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	attachment := store.Attachment{
		ID:          util.NewID("att"),
		TaskID:      taskID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		ObjectKey:   taskID + "/" + util.NewID(""),
		UploadedBy:  session.UserID,
	}

	if err := s.blobs.Put(ctx, attachment.ObjectKey, reader, size, contentType); err != nil {
		return store.Attachment{}, err
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		// Object without a metadata row is unreachable garbage; try to clean up.
		if removeErr := s.blobs.Remove(ctx, attachment.ObjectKey); removeErr != nil {
			log.Printf("app: orphaned attachment object %s: %v", attachment.ObjectKey, removeErr)
		}
		return store.Attachment{}, err
	}
	return attachment, nil
}

func (s *Service) ListTaskAttachments(ctx context.Context, session Session, taskID string) ([]store.Attachment, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError()
		}
		return nil, err
	}
	if !authz.CanView(session.UserID, task) {
		return nil, notFoundError()
	}
	return s.store.ListAttachments(ctx, taskID)
}

func (s *Service) OpenAttachment(ctx context.Context, session Session, attachmentID string) (store.Attachment, io.ReadCloser, error) {
	if s.blobs == nil {
		return store.Attachment{}, nil, errAttachmentsDisabled
	}

	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Attachment{}, nil, notFoundError()
		}
		return store.Attachment{}, nil, err
	}

	task, err := s.store.GetTask(ctx, attachment.TaskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Attachment{}, nil, notFoundError()
		}
		return store.Attachment{}, nil, err
	}
	if !authz.CanView(session.UserID, task) {
		return store.Attachment{}, nil, notFoundError()
	}

	reader, err := s.blobs.Get(ctx, attachment.ObjectKey)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	return attachment, reader, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, attachmentID string) error {
	if s.blobs == nil {
		return errAttachmentsDisabled
	}

	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return err
	}

	task, err := s.store.GetTask(ctx, attachment.TaskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return err
	}
	if decision := authz.CanMutate(session.UserID, task); !decision.Allowed {
		return forbiddenError(decision.Reason)
	}

	if err := s.blobs.Remove(ctx, attachment.ObjectKey); err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, attachmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return err
	}
	return nil
}
