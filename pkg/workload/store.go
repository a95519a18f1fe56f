package workload

import "context"

// Store is the durable declarative state for workload requests.
//
// Conflicting writes are serialized via optimistic concurrency: Update
// compares the presented Revision against the stored one and returns
// ErrConflict on mismatch. Callers re-read and retry.
type Store interface {
	// Create persists a new workload, assigning UID and initial revision.
	Create(ctx context.Context, w *Workload) error

	// Get returns the workload by name, or ErrNotFound.
	Get(ctx context.Context, name string) (*Workload, error)

	// List returns all workloads, including tombstoned ones.
	List(ctx context.Context) ([]*Workload, error)

	// Update writes the workload if w.Revision matches the stored revision,
	// bumping the revision on success. Returns ErrConflict otherwise.
	Update(ctx context.Context, w *Workload) error

	// Delete marks the workload for deletion. The reconciler observes the
	// tombstone, cascades deletion to execution resources, then removes.
	Delete(ctx context.Context, name string) error

	// Remove erases the record once cleanup has finished.
	Remove(ctx context.Context, name string) error

	// RecordAttempt persists an immutable attempt record. Recording a
	// context version already taken for the (task, service) pair returns
	// ErrConflict; this is the single allocation point that keeps versions
	// strictly ordered under concurrent retries.
	RecordAttempt(ctx context.Context, a *Attempt) error

	// Attempts returns all recorded attempts for the (task, service) pair,
	// ordered by context version.
	Attempts(ctx context.Context, service string, taskID int) ([]Attempt, error)
}
