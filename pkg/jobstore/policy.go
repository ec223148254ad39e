package jobstore

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Policy narrows the jobs a worker pool picks up. Zero values disable each filter.
type Policy struct {
	MinPriority *int
	MaxPriority *int
	Queues      []string
}

// Validate rejects an inverted priority window.
func (p Policy) Validate() error {
	if p.MinPriority != nil && p.MaxPriority != nil && *p.MinPriority > *p.MaxPriority {
		return Error(ErrValidation, "min priority must be <= max priority")
	}
	for _, queue := range p.Queues {
		if strings.TrimSpace(queue) == "" {
			return Error(ErrValidation, "queue names must not be blank")
		}
	}
	return nil
}

// Allows reports whether a job with the given priority and queue passes the filters.
func (p Policy) Allows(priority int, queue string) bool {
	if p.MinPriority != nil && priority < *p.MinPriority {
		return false
	}
	if p.MaxPriority != nil && priority > *p.MaxPriority {
		return false
	}
	if len(p.Queues) > 0 && !slices.Contains(p.Queues, queue) {
		return false
	}
	return true
}

// Claimable reports whether workerID may take the claim described by lockedAt
// and lockedBy: the job is unlocked, its lock is older than maxRunTime, or
// workerID already owns it.
func Claimable(lockedAt *time.Time, lockedBy string, now time.Time, maxRunTime time.Duration, workerID string) bool {
	if lockedAt == nil {
		return true
	}
	if lockedBy == workerID {
		return true
	}
	return lockedAt.Before(now.Add(-maxRunTime))
}

// ReadyToRun reports whether rec is due, not failed and claimable by workerID.
func ReadyToRun(rec *Record, now time.Time, maxRunTime time.Duration, workerID string) bool {
	if rec == nil || rec.Failed() || !rec.Due(now) {
		return false
	}
	return Claimable(rec.LockedAt, rec.LockedBy, now, maxRunTime, workerID)
}

// ValidateClaim checks the arguments shared by FindAvailable and LockExclusively.
func ValidateClaim(workerID string, maxRunTime time.Duration) error {
	if strings.TrimSpace(workerID) == "" {
		return Error(ErrInvalidArgument, "worker id is required")
	}
	if maxRunTime <= 0 {
		return Error(ErrInvalidArgument, "max run time must be > 0")
	}
	return nil
}

// Candidate is the projection of a job the query engine filters and sorts.
type Candidate struct {
	Key      string
	Priority int
	RunAt    time.Time
}

// SortCandidates orders candidates by priority, then run_at, then key.
func SortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.Key < b.Key
	})
}
