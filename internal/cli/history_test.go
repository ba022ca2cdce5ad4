package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/journal"
	"github.com/roach88/homesync/internal/state"
)

// journaledConfig returns a config with a journal and records two counter
// commits and one denied reset through the invoke command.
func journaledConfig(t *testing.T) (cfg, db string) {
	t.Helper()
	cfg = writeConfig(t, "journal: journal.db\n")
	db = filepath.Join(filepath.Dir(cfg), "journal.db")

	for _, args := range [][]string{
		{"invoke", "counter.increment"},
		{"invoke", "counter.add", "--as", "alice", "--role", "member", "--data", `{"amount":4}`},
	} {
		_, _, err := execute(t, "", append([]string{"--config", cfg}, args...)...)
		require.NoError(t, err)
	}
	_, _, err := execute(t, "", "--config", cfg, "invoke", "counter.reset", "--as", "alice", "--role", "member")
	require.Error(t, err)
	return cfg, db
}

func TestHistory_Service(t *testing.T) {
	cfg, _ := journaledConfig(t)

	out, _, err := execute(t, "", "--config", cfg, "history", "counter")
	require.NoError(t, err)
	assert.Contains(t, out, "History: counter (2 commits)")
	assert.Contains(t, out, "[1] counter.increment rev 1 by system(system)")
	assert.Contains(t, out, "[2] counter.add rev 1 by alice(member)")
	assert.NotContains(t, out, "Failures")
}

func TestHistory_JSONWithFailures(t *testing.T) {
	cfg, _ := journaledConfig(t)

	out, _, err := execute(t, "", "--config", cfg, "--format", "json", "history", "counter", "--failures")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   HistoryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Commits, 2)
	assert.Equal(t, state.Object{"count": state.Int(4)}, resp.Data.Commits[1].State)
	assert.Equal(t, state.MustDigest(state.Object{"count": state.Int(4)}), resp.Data.Commits[1].Digest)

	require.Len(t, resp.Data.Failures, 1)
	assert.Equal(t, "counter", resp.Data.Failures[0].Service)
	assert.Equal(t, "reset", resp.Data.Failures[0].Action)
	assert.Equal(t, "PERMISSION_DENIED", resp.Data.Failures[0].Code)
}

func TestHistory_LatestPerService(t *testing.T) {
	cfg, _ := journaledConfig(t)
	_, _, err := execute(t, "", "--config", cfg, "invoke", "lights.toggle", "--data", `{"room":"kitchen"}`)
	require.NoError(t, err)

	out, _, err := execute(t, "", "--config", cfg, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "Latest commits (2 services)")
	assert.Contains(t, out, "[2] counter.add")
	assert.Contains(t, out, "[3] lights.toggle")
}

func TestHistory_Empty(t *testing.T) {
	cfg, _ := journaledConfig(t)

	out, _, err := execute(t, "", "--config", cfg, "history", "notes")
	require.NoError(t, err)
	assert.Equal(t, "No commits for service: notes\n", out)
}

func TestHistory_Errors(t *testing.T) {
	noJournal := writeConfig(t, "")
	_, _, err := execute(t, "", "--config", noJournal, "history")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no journal configured")

	_, _, err = execute(t, "", "--config", noJournal, "history", "--journal", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal not found")

	cfg, _ := journaledConfig(t)
	_, _, err = execute(t, "", "--config", cfg, "history", "--limit", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVerify_Consistent(t *testing.T) {
	cfg, _ := journaledConfig(t)

	out, _, err := execute(t, "", "--config", cfg, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Verify Summary: 2 commit(s) across 1 service(s)")
	assert.Contains(t, out, "✓ journal is consistent")
}

func TestVerify_RestartStartsRevisionsOver(t *testing.T) {
	cfg, _ := journaledConfig(t)
	// A second process starts the counter at revision 0 again.
	_, _, err := execute(t, "", "--config", cfg, "invoke", "counter.increment")
	require.NoError(t, err)

	_, _, err = execute(t, "", "--config", cfg, "verify")
	require.NoError(t, err)
}

func TestVerify_DetectsTampering(t *testing.T) {
	_, db := journaledConfig(t)

	j, err := journal.Open(db)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), journal.Commit{
		Seq:      10,
		Service:  "counter",
		Action:   "add",
		Revision: 7,
		User:     authz.System,
		State:    state.Object{"count": state.Int(99)},
		Digest:   "00ff",
	}))
	require.NoError(t, j.Close())

	out, _, err := execute(t, "", "--format", "json", "verify", "--journal", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string       `json:"status"`
		Data   VerifyResult `json:"data"`
		Error  *CLIError    `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeJournalFault, resp.Error.Code)
	assert.False(t, resp.Data.OK)
	require.Len(t, resp.Data.Problems, 2)
	assert.Contains(t, resp.Data.Problems[0].Message, "digest mismatch")
	assert.Equal(t, "revision 7 follows 1", resp.Data.Problems[1].Message)
}
