package job

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hepbatch/jobcontroller/internal/common/controllererrors"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/domain"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/metrics"
)

var tableSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: metrics.Prefix + "job_table_size",
	Help: "Number of job records currently held in the job table, tombstoned records included.",
})

type entry struct {
	mutex  sync.Mutex
	record *domain.JobRecord
}

// Table is the single source of truth for job state. It is safe for
// concurrent use: mutations to distinct jobs proceed independently,
// mutations to the same job are serialized on a per-record mutex, and
// snapshots exclude all writers so they are consistent at a single point
// in time.
//
// Records never leave the table; Get and List hand out copies.
type Table struct {
	mutex   sync.RWMutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{
		entries: map[string]*entry{},
	}
}

// Insert adds a new record, failing if the job id is already present.
func (t *Table) Insert(record *domain.JobRecord) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.entries[record.JobId]; exists {
		return &controllererrors.ErrAlreadyExists{Type: "job", Value: record.JobId}
	}
	t.entries[record.JobId] = &entry{record: record.DeepCopy()}
	tableSizeGauge.Set(float64(len(t.entries)))
	return nil
}

// Get returns a copy of the record for the given job id.
func (t *Table) Get(jobId string) (*domain.JobRecord, error) {
	t.mutex.RLock()
	e, exists := t.entries[jobId]
	t.mutex.RUnlock()
	if !exists {
		return nil, &controllererrors.ErrNotFound{Type: "job", Value: jobId}
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.record.DeepCopy(), nil
}

// Mutate applies fn to the record for the given job id under per-record
// exclusion. It is intended for the event reconcilers only; the public
// API surface reads through Get and List.
//
// Mutations to distinct ids run concurrently as Mutate only takes a read
// lock on the table itself.
func (t *Table) Mutate(jobId string, fn func(record *domain.JobRecord) error) error {
	t.mutex.RLock()
	e, exists := t.entries[jobId]
	t.mutex.RUnlock()
	if !exists {
		return &controllererrors.ErrNotFound{Type: "job", Value: jobId}
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	return fn(e.record)
}

// List returns the public view of every record. Taking the table lock
// exclusively keeps writers out for the duration, so the snapshot is
// consistent at a single point in time.
func (t *Table) List() map[string]domain.JobView {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	views := make(map[string]domain.JobView, len(t.entries))
	for jobId, e := range t.entries {
		e.mutex.Lock()
		views[jobId] = e.record.PublicView()
		e.mutex.Unlock()
	}
	return views
}

// Size returns the number of records held, tombstoned ones included.
func (t *Table) Size() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.entries)
}

// PruneDeleted removes tombstoned records whose deletion happened before
// now minus retention, returning how many were removed. With pruning
// disabled the table grows for the lifetime of the process.
func (t *Table) PruneDeleted(retention time.Duration, now time.Time) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	cutoff := now.Add(-retention)
	removed := 0
	for jobId, e := range t.entries {
		e.mutex.Lock()
		expired := e.record.Deleted && e.record.DeletedAt.Before(cutoff)
		e.mutex.Unlock()
		if expired {
			delete(t.entries, jobId)
			removed++
		}
	}
	tableSizeGauge.Set(float64(len(t.entries)))
	return removed
}
