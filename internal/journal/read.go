package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/state"
)

// History returns the most recent commits of service, oldest first.
// A limit of zero or less returns every commit.
func (j *Journal) History(ctx context.Context, service string, limit int) ([]Commit, error) {
	query := `
		SELECT seq, invocation_id, service, action, revision, username, role, state, digest, committed_at, duration_us
		FROM (
			SELECT * FROM commits
			WHERE service = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, query, service, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanCommits(rows)
}

// After returns every commit with a sequence greater than seq, in order.
func (j *Journal) After(ctx context.Context, seq int64) ([]Commit, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, invocation_id, service, action, revision, username, role, state, digest, committed_at, duration_us
		FROM commits
		WHERE seq > ?
		ORDER BY seq ASC
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()
	return scanCommits(rows)
}

// Latest returns the newest commit of every service that has one.
func (j *Journal) Latest(ctx context.Context) (map[string]Commit, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT c.seq, c.invocation_id, c.service, c.action, c.revision, c.username, c.role, c.state, c.digest, c.committed_at, c.duration_us
		FROM commits c
		JOIN (SELECT service, MAX(seq) AS seq FROM commits GROUP BY service) m
			ON c.seq = m.seq
		ORDER BY c.service COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	defer rows.Close()

	commits, err := scanCommits(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Commit, len(commits))
	for _, c := range commits {
		out[c.Service] = c
	}
	return out, nil
}

// LastSeq returns the highest recorded sequence, or 0 for an empty journal.
func (j *Journal) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM commits`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

// Failures returns the most recent failures of service, oldest first.
// An empty service matches every service.
func (j *Journal) Failures(ctx context.Context, service string, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, invocation_id, service, action, username, role, code, message, failed_at
		FROM (
			SELECT * FROM failures
			WHERE ? = '' OR service = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`, service, service, limit)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	failures := []Failure{}
	for rows.Next() {
		var f Failure
		var code string
		var failedAt int64
		if err := rows.Scan(&f.ID, &f.InvocationID, &f.Service, &f.Action,
			&f.User.Username, &f.User.Role, &code, &f.Message, &failedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Code = engine.ErrorCode(code)
		f.FailedAt = time.Unix(0, failedAt)
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return failures, nil
}

func scanCommits(rows *sql.Rows) ([]Commit, error) {
	commits := []Commit{}
	for rows.Next() {
		var c Commit
		var data string
		var committedAt, durationUS int64
		if err := rows.Scan(&c.Seq, &c.InvocationID, &c.Service, &c.Action, &c.Revision,
			&c.User.Username, &c.User.Role, &data, &c.Digest, &committedAt, &durationUS); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		v, err := state.Parse([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode state of seq %d: %w", c.Seq, err)
		}
		obj, ok := v.(state.Object)
		if !ok {
			return nil, fmt.Errorf("decode state of seq %d: not an object", c.Seq)
		}
		c.State = obj
		c.CommittedAt = time.Unix(0, committedAt)
		c.Duration = time.Duration(durationUS) * time.Microsecond
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}
