package job

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepbatch/jobcontroller/internal/common/controllererrors"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/domain"
)

func TestInsert_FailsOnDuplicateId(t *testing.T) {
	table := NewTable()

	assert.NoError(t, table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: "job-1"}, 3)))

	err := table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: "job-1"}, 3))
	var alreadyExists *controllererrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &alreadyExists)
}

func TestGet_ReturnsNotFoundForUnknownId(t *testing.T) {
	table := NewTable()

	_, err := table.Get("missing")
	var notFound *controllererrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestGet_ReturnsACopy(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: "job-1"}, 3)))

	first, err := table.Get("job-1")
	require.NoError(t, err)
	first.Status = domain.JobFailed
	first.PodName = "tampered"

	second, err := table.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStarted, second.Status)
	assert.Equal(t, "", second.PodName)
}

func TestMutate_AppliesTransition(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: "job-1"}, 3)))

	err := table.Mutate("job-1", func(record *domain.JobRecord) error {
		return record.TransitionTo(domain.JobSucceeded)
	})
	require.NoError(t, err)

	record, err := table.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, record.Status)
}

func TestMutate_ReturnsNotFoundForUnknownId(t *testing.T) {
	table := NewTable()

	err := table.Mutate("missing", func(record *domain.JobRecord) error {
		return nil
	})
	var notFound *controllererrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestMutate_SerializesConcurrentWritersOnSameRecord(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: "job-1"}, 3)))

	wg := &sync.WaitGroup{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = table.Mutate("job-1", func(record *domain.JobRecord) error {
				record.RestartCount++
				return nil
			})
		}()
	}
	wg.Wait()

	record, err := table.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(100), record.RestartCount)
}

func TestList_ReturnsPublicViewsUnderConcurrentWrites(t *testing.T) {
	table := NewTable()
	for _, jobId := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: jobId}, 3)))
	}
	require.NoError(t, table.Mutate("job-2", func(record *domain.JobRecord) error {
		record.PodName = "job-2-abcde"
		return nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = table.Mutate("job-1", func(record *domain.JobRecord) error {
				record.RestartCount++
				return nil
			})
		}
	}()

	for i := 0; i < 10; i++ {
		views := table.List()
		assert.Len(t, views, 3)
	}
	<-done

	views := table.List()
	assert.Equal(t, "job-2", views["job-2"].JobId)
}

func TestPruneDeleted_RemovesOnlyExpiredTombstones(t *testing.T) {
	table := NewTable()
	now := time.Now()

	require.NoError(t, table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: "live"}, 3)))
	require.NoError(t, table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: "recent"}, 3)))
	require.NoError(t, table.Insert(domain.NewJobRecord(domain.JobRequest{JobId: "expired"}, 3)))

	require.NoError(t, table.Mutate("recent", func(record *domain.JobRecord) error {
		return record.MarkDeleted(now.Add(-time.Minute))
	}))
	require.NoError(t, table.Mutate("expired", func(record *domain.JobRecord) error {
		return record.MarkDeleted(now.Add(-2 * time.Hour))
	}))

	removed := table.PruneDeleted(time.Hour, now)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, table.Size())
	_, err := table.Get("expired")
	assert.Error(t, err)
	_, err = table.Get("recent")
	assert.NoError(t, err)
}
