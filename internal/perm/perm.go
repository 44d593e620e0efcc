// Package perm decides which identities may mutate a task.
package perm

import (
	"fmt"

	"tasksync/internal/domain"
)

// CanMutate is true for admins and for the task's owner.
func CanMutate(who domain.Identity, t domain.Task) bool {
	if who.IsAdmin() {
		return true
	}
	return who.ID != "" && who.ID == t.OwnerID
}

// Check returns domain.ErrAuthorizationDenied when who may not mutate t.
func Check(who domain.Identity, t domain.Task) error {
	if CanMutate(who, t) {
		return nil
	}
	return fmt.Errorf("%w: %s does not own task %s", domain.ErrAuthorizationDenied, who.ID, t.ID)
}
