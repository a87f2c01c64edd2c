package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/worker"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path, "run-1")
	require.NoError(t, err)

	j.Record(worker.Outcome{
		Task:     "task-0",
		Instance: "default",
		Worker:   "vm0-data",
		Start:    time.Now(),
		Duration: 3 * time.Second,
	})
	j.Record(worker.Outcome{
		Task:   "task-1",
		Worker: "vm1-data",
		Err:    errors.New("guest failed to boot"),
	})
	require.NoError(t, j.Close())

	entries, err := Entries(path, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "task-0", entries[0].Task)
	assert.Equal(t, "ok", entries[0].Outcome)
	assert.Equal(t, "failed", entries[1].Outcome)
	assert.Contains(t, entries[1].Error, "failed to boot")

	runs, err := Runs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, runs)
}

func TestEntriesUnknownRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, "run-1")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = Entries(path, "other")
	assert.Error(t, err)
}
