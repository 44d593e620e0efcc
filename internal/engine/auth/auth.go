// Package auth holds the hub's authorization rules.
package auth

import (
	"fmt"

	"tasksync/internal/domain"
	"tasksync/internal/perm"
)

// ForbiddenError indicates the actor may not perform Action on the target.
type ForbiddenError struct {
	Action string
	Target string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s %s", e.Action, e.Target)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrAuthorizationDenied }

// Task checks that actor may run action against t.
func Task(actor domain.Identity, action string, t domain.Task) error {
	if perm.CanMutate(actor, t) {
		return nil
	}
	return ForbiddenError{Action: action, Target: "task " + t.ID}
}

// SelfOrAdmin checks that actor is userID or an admin.
func SelfOrAdmin(actor domain.Identity, action, userID string) error {
	if actor.IsAdmin() || (actor.ID != "" && actor.ID == userID) {
		return nil
	}
	return ForbiddenError{Action: action, Target: "user " + userID}
}
