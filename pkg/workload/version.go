package workload

import (
	"context"
	"fmt"
	"time"
)

// allocationAttempts bounds the CAS retry loop for version allocation.
const allocationAttempts = 10

// AllocateVersion assigns the next context version for the (task, service)
// pair and records the attempt that claims it.
//
// The next version is always computed against the durable store, never
// client-counted: 1 + max(existing versions). The attempt record is the
// compare-and-swap; when a concurrent retry wins the race the allocation is
// recomputed from a fresh read.
func AllocateVersion(ctx context.Context, store Store, name string, r *Request, continued bool) (int, error) {
	for i := 0; i < allocationAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		prior, err := store.Attempts(ctx, r.Service, r.TaskID)
		if err != nil {
			return 0, fmt.Errorf("list attempts: %w", err)
		}
		next := 1
		for _, a := range prior {
			if a.ContextVersion >= next {
				next = a.ContextVersion + 1
			}
		}

		err = store.RecordAttempt(ctx, &Attempt{
			TaskID:         r.TaskID,
			Service:        r.Service,
			ContextVersion: next,
			Continued:      continued,
			Workload:       name,
			CreatedAt:      time.Now().UTC(),
		})
		if err == nil {
			return next, nil
		}
		if !IsConflict(err) {
			return 0, err
		}
		// Lost the race; re-read and try the following version.
	}
	return 0, &Error{Op: "allocate version", Workload: name, Err: ErrConflict}
}

// Submit validates, defaults and persists a new workload, allocating its
// first context version. A retry for a task with zero prior attempts is
// indistinguishable from a first submission.
func Submit(ctx context.Context, store Store, namespace string, r *Request) (*Workload, error) {
	ApplyDefaults(r)
	if err := Validate(r); err != nil {
		return nil, err
	}

	name := DefaultName(r)
	version, err := AllocateVersion(ctx, store, name, r, r.ContinueSession)
	if err != nil {
		return nil, err
	}
	r.ContextVersion = version

	w := &Workload{
		Name:      name,
		Namespace: namespace,
		Spec:      *r,
		Status: Status{
			Phase:              PhasePending,
			Attempts:           1,
			LastTransitionTime: time.Now().UTC(),
		},
	}
	if err := store.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Retry starts a new attempt for a failed workload: context version
// 1+max(existing), attempts+1, continuation honored. The task-scoped
// workspace path is unchanged so on-disk agent memory persists when
// continuation is requested.
func Retry(ctx context.Context, store Store, name string, continueSession bool) (*Workload, error) {
	w, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if w.Deleting() {
		return nil, &Error{Op: "retry", Workload: name, Err: ErrNotFound}
	}
	if w.Status.Phase != PhaseFailed {
		return nil, &Error{
			Op:       "retry",
			Workload: name,
			Err:      fmt.Errorf("%w: retry requires phase Failed, found %s", ErrConfiguration, w.Status.Phase),
		}
	}

	// Allocate exactly once; the attempt record is the ordering point.
	version, err := AllocateVersion(ctx, store, name, &w.Spec, continueSession)
	if err != nil {
		return nil, err
	}

	for i := 0; i < allocationAttempts; i++ {
		if w.Spec.ContextVersion >= version {
			// A concurrent retry already advanced past us; converge on it.
			return w, nil
		}

		w.Spec.ContextVersion = version
		w.Spec.ContinueSession = continueSession
		w.Status = Status{
			Phase:              PhasePending,
			Attempts:           w.Status.Attempts + 1,
			SessionID:          w.Status.SessionID,
			LastTransitionTime: time.Now().UTC(),
		}
		err = store.Update(ctx, w)
		if err == nil {
			return w, nil
		}
		if !IsConflict(err) {
			return nil, err
		}

		// Conflicting status write from the reconciler: re-read and reuse
		// the already-allocated version.
		w, err = store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
	}
	return nil, &Error{Op: "retry", Workload: name, Err: ErrConflict}
}
