package state

import "context"

// Store persists the scheduler aggregate as one durable snapshot.
// Save replaces whatever was stored before; Load returns the latest
// snapshot, with ok=false when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) (SchedulerState, bool, error)
	Save(ctx context.Context, s SchedulerState) error
}
