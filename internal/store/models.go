package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// Task is the resource gated by the ownership rules: CreatedBy is immutable
// after insert, AssignedTo may only be changed by the creator.
type Task struct {
	ID            string
	Title         string
	Description   string
	DueAt         *time.Time
	Priority      string
	Status        string
	CreatedBy     string
	CreatorName   string
	CreatorEmail  string
	AssignedTo    *string
	AssigneeName  string
	AssigneeEmail string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TaskUpdate is a sparse field update. Nil means "leave unchanged".
// AssignedTo is tri-state: AssignedToSet false leaves it alone, true with a
// nil value unassigns, true with a value reassigns.
type TaskUpdate struct {
	Title         *string
	Description   *string
	DueAt         *time.Time
	Priority      *string
	Status        *string
	AssignedTo    *string
	AssignedToSet bool
}

// Empty reports whether the update would change nothing.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.DueAt == nil &&
		u.Priority == nil && u.Status == nil && !u.AssignedToSet
}

type Notification struct {
	ID          string
	RecipientID string
	SenderID    *string
	SenderName  string
	TaskID      string
	Message     string
	Read        bool
	CreatedAt   time.Time
}

type Attachment struct {
	ID          string
	TaskID      string
	FileName    string
	ContentType string
	Size        int64
	ObjectKey   string
	UploadedBy  string
	CreatedAt   time.Time
}
