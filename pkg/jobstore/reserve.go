package jobstore

import (
	"context"
	"time"
)

// Reserve fetches up to readAhead available jobs and claims the first one whose
// lock it wins. It returns (nil, false, nil) when every candidate was taken by
// another worker or nothing is available.
func Reserve(ctx context.Context, backend Backend, workerID string, maxRunTime time.Duration, readAhead int) (*Record, bool, error) {
	if backend == nil {
		return nil, false, Error(ErrNotInitialized, "backend is required")
	}
	if readAhead <= 0 {
		readAhead = DefaultReadAhead
	}

	candidates, err := backend.FindAvailable(ctx, workerID, readAhead, maxRunTime)
	if err != nil {
		return nil, false, err
	}
	for _, rec := range candidates {
		locked, err := backend.LockExclusively(ctx, rec, maxRunTime, workerID)
		if err != nil {
			return nil, false, err
		}
		if locked {
			return rec, true, nil
		}
	}
	return nil, false, nil
}
