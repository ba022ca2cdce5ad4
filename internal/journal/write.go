package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/state"
)

// Commit is one journaled state change.
type Commit struct {
	Seq          int64
	InvocationID string
	Service      string
	Action       string
	Revision     int64
	User         authz.User
	State        state.Object
	Digest       string
	CommittedAt  time.Time
	Duration     time.Duration
}

// Failure is one journaled rejected or failed invocation.
type Failure struct {
	ID           int64
	InvocationID string
	Service      string
	Action       string
	User         authz.User
	Code         engine.ErrorCode
	Message      string
	FailedAt     time.Time
}

// Record inserts a commit. Recording the same sequence twice is a no-op.
// The state is stored as canonical JSON together with its digest.
func (j *Journal) Record(ctx context.Context, c Commit) error {
	data, err := state.Canonical(c.State)
	if err != nil {
		return fmt.Errorf("record commit: %w", err)
	}
	digest := c.Digest
	if digest == "" {
		if digest, err = state.Digest(c.State); err != nil {
			return fmt.Errorf("record commit: %w", err)
		}
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO commits
		(seq, invocation_id, service, action, revision, username, role, state, digest, committed_at, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		c.Seq,
		c.InvocationID,
		c.Service,
		c.Action,
		c.Revision,
		c.User.Username,
		c.User.Role,
		string(data),
		digest,
		c.CommittedAt.UnixNano(),
		c.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("record commit: %w", err)
	}
	return nil
}

// RecordFailure inserts a failed invocation.
func (j *Journal) RecordFailure(ctx context.Context, f Failure) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO failures
		(invocation_id, service, action, username, role, code, message, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.InvocationID,
		f.Service,
		f.Action,
		f.User.Username,
		f.User.Role,
		string(f.Code),
		f.Message,
		f.FailedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// Observe implements engine.Observer. Commits and failures are written;
// successful invocations that changed nothing are skipped. Write errors
// are logged, never returned to the invoker.
func (j *Journal) Observe(o engine.Outcome) {
	ctx := context.Background()
	switch {
	case o.Committed:
		err := j.Record(ctx, Commit{
			Seq:          o.Seq,
			InvocationID: o.InvocationID,
			Service:      o.Service,
			Action:       o.Action,
			Revision:     o.Revision,
			User:         o.User,
			State:        o.State,
			CommittedAt:  o.StartedAt.Add(o.Duration),
			Duration:     o.Duration,
		})
		if err != nil {
			j.logger.Error("journal write failed", "service", o.Service, "seq", o.Seq, "error", err)
		}
	case o.Err != nil:
		reply := engine.Public(o.Err, true)
		err := j.RecordFailure(ctx, Failure{
			InvocationID: o.InvocationID,
			Service:      o.Service,
			Action:       o.Action,
			User:         o.User,
			Code:         reply.Code,
			Message:      reply.Message,
			FailedAt:     j.now(),
		})
		if err != nil {
			j.logger.Error("journal write failed", "service", o.Service, "action", o.Action, "error", err)
		}
	}
}
