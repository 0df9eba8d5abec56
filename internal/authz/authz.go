// Package authz decides whether a principal may act on a task. Ownership is
// the only axis: the creator and the current assignee may mutate, the creator
// alone controls reassignment and deletion.
package authz

import "taskhub/api/internal/store"

const (
	ReasonNotCreator           = "not_creator"
	ReasonNotCreatorOrAssignee = "not_creator_or_assignee"
)

type Decision struct {
	Allowed bool
	Reason  string
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

func isCreator(principalID string, task store.Task) bool {
	return principalID != "" && task.CreatedBy == principalID
}

func isAssignee(principalID string, task store.Task) bool {
	return principalID != "" && task.AssignedTo != nil && *task.AssignedTo == principalID
}

// CanMutate allows field updates by the creator or the current assignee.
func CanMutate(principalID string, task store.Task) Decision {
	if isCreator(principalID, task) || isAssignee(principalID, task) {
		return Allow()
	}
	return Deny(ReasonNotCreatorOrAssignee)
}

// CanDelete allows deletion by the creator only.
func CanDelete(principalID string, task store.Task) Decision {
	if isCreator(principalID, task) {
		return Allow()
	}
	return Deny(ReasonNotCreator)
}

// CanView allows reads by the creator or the current assignee. List queries
// are already scoped by the store; this covers direct-by-id access.
func CanView(principalID string, task store.Task) bool {
	return isCreator(principalID, task) || isAssignee(principalID, task)
}

// SanitizeUpdate strips the parts of an update the principal may not apply.
// A non-creator's reassignment is dropped silently; the rest of the update
// still goes through. The creator field is not representable in a TaskUpdate
// so it cannot be altered by any request.
func SanitizeUpdate(principalID string, task store.Task, update store.TaskUpdate) store.TaskUpdate {
	if update.AssignedToSet && !isCreator(principalID, task) {
		update.AssignedTo = nil
		update.AssignedToSet = false
	}
	return update
}
