// Package journal records trial outcomes for a benchmark run in a small
// bbolt database under the cache directory. The journal is best-effort
// bookkeeping: write failures are logged and never fail a trial.
package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/worker"
)

// Entry is one recorded trial outcome.
type Entry struct {
	Task     string        `json:"task"`
	Instance string        `json:"instance"`
	Worker   string        `json:"worker"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Journal appends trial outcomes under one run bucket.
type Journal struct {
	db  *bolt.DB
	run []byte
}

// Open opens (or creates) the journal database at path and prepares a
// bucket for the given run id.
func Open(path, runID string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	journal := &Journal{db: db, run: []byte(runID)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journal.run)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create run bucket: %w", err)
	}
	return journal, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one outcome. Safe to use as a pool outcome callback.
func (j *Journal) Record(outcome worker.Outcome) {
	entry := Entry{
		Task:     outcome.Task,
		Instance: outcome.Instance,
		Worker:   outcome.Worker,
		Start:    outcome.Start,
		Duration: outcome.Duration,
		Outcome:  "ok",
	}
	if outcome.Err != nil {
		entry.Outcome = "failed"
		entry.Error = outcome.Err.Error()
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(j.run)
		if bucket == nil {
			return fmt.Errorf("run bucket missing")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(fmt.Sprintf("%08d", seq)), data)
	})
	if err != nil {
		lg := log.WithComponent("journal")
		lg.Warn().Err(err).Msg("Failed to record trial outcome")
	}
}

// Entries returns the outcomes of one run in record order.
func Entries(path, runID string) ([]Entry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	defer db.Close()

	var out []Entry
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(runID))
		if bucket == nil {
			return fmt.Errorf("unknown run: %s", runID)
		}
		return bucket.ForEach(func(_, value []byte) error {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Runs lists the run ids present in the journal, sorted.
func Runs(path string) ([]string, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	defer db.Close()

	var out []string
	err = db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			out = append(out, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
