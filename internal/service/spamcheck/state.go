package spamcheck

import (
	"fmt"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// transitions is the legal lifecycle graph.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusQueued:            {domain.StatusPending, domain.StatusPaused},
	domain.StatusPending:           {domain.StatusInProgress, domain.StatusFailed, domain.StatusPaused},
	domain.StatusInProgress:        {domain.StatusWaitingForReports, domain.StatusFailed},
	domain.StatusWaitingForReports: {domain.StatusGeneratingReports, domain.StatusFailed},
	domain.StatusGeneratingReports: {domain.StatusCompleted, domain.StatusFailed},
	domain.StatusCompleted:         {domain.StatusPaused},
	domain.StatusPaused:            {domain.StatusQueued},
	domain.StatusFailed:            {},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to domain.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// PausableStatuses may be paused by the user. Paused itself toggles back to queued.
var PausableStatuses = []domain.Status{
	domain.StatusQueued, domain.StatusPending, domain.StatusCompleted,
}

// EditableStatuses accept configuration edits.
var EditableStatuses = []domain.Status{
	domain.StatusQueued, domain.StatusPending, domain.StatusWaitingForReports,
	domain.StatusCompleted, domain.StatusFailed, domain.StatusPaused,
}

// DeletableStatuses accept deletion.
var DeletableStatuses = EditableStatuses

// InFlightStatuses occupy the tenant's single launch slot.
var InFlightStatuses = []domain.Status{domain.StatusPending, domain.StatusInProgress}

func statusIn(s domain.Status, set []domain.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// LockKey is the per-spamcheck single-writer lock key.
func LockKey(id int64) string {
	return fmt.Sprintf("spamcheck:%d", id)
}
