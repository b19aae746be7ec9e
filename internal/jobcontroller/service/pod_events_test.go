package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/hepbatch/jobcontroller/internal/jobcontroller/domain"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/job"
)

func podOf(jobId string, experiment string, suffix string) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobId + "-" + suffix,
			Namespace: experiment,
			Labels:    map[string]string{domain.JobIdLabel: jobId},
		},
	}
}

func withContainerStatus(pod *v1.Pod, restarts int32, exitCode *int32) *v1.Pod {
	status := v1.ContainerStatus{RestartCount: restarts}
	if exitCode != nil {
		status.State = v1.ContainerState{
			Terminated: &v1.ContainerStateTerminated{ExitCode: *exitCode},
		}
	}
	pod.Status.ContainerStatuses = []v1.ContainerStatus{status}
	return pod
}

func int32Ptr(value int32) *int32 {
	return &value
}

func TestPodReconciler_AttachesPodReferenceOnce(t *testing.T) {
	jobTable := job.NewTable()
	require.NoError(t, jobTable.Insert(startedRecord("job-1", "atlas")))
	reconciler := NewPodEventReconciler(fake.NewSimpleClientset(), jobTable, testReconciliationConfig())

	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Added, Object: podOf("job-1", "atlas", "abcde")})
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: podOf("job-1", "atlas", "fghij")})

	record, err := jobTable.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1-abcde", record.PodName)
}

func TestPodReconciler_CorrelatesByNameWithoutLabel(t *testing.T) {
	jobTable := job.NewTable()
	require.NoError(t, jobTable.Insert(startedRecord("job-1", "atlas")))
	reconciler := NewPodEventReconciler(fake.NewSimpleClientset(), jobTable, testReconciliationConfig())

	pod := podOf("job-1", "atlas", "abcde")
	pod.Labels = nil
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Added, Object: pod})

	record, err := jobTable.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1-abcde", record.PodName)
}

func TestPodReconciler_RecordsRestartCountIdempotently(t *testing.T) {
	jobTable := job.NewTable()
	require.NoError(t, jobTable.Insert(startedRecord("job-1", "atlas")))
	reconciler := NewPodEventReconciler(fake.NewSimpleClientset(), jobTable, testReconciliationConfig())

	pod := withContainerStatus(podOf("job-1", "atlas", "abcde"), 2, nil)
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: pod})
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: pod})

	record, err := jobTable.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), record.RestartCount)
	assert.Equal(t, domain.JobStarted, record.Status)
}

func TestPodReconciler_SkipsEventsWithoutContainerStatus(t *testing.T) {
	jobTable := job.NewTable()
	require.NoError(t, jobTable.Insert(startedRecord("job-1", "atlas")))
	reconciler := NewPodEventReconciler(fake.NewSimpleClientset(), jobTable, testReconciliationConfig())

	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Added, Object: podOf("job-1", "atlas", "abcde")})

	record, err := jobTable.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(0), record.RestartCount)
	assert.Equal(t, domain.JobStarted, record.Status)
}

func TestPodReconciler_EscalatesCrashLoopingJobExactlyOnce(t *testing.T) {
	record := startedRecord("job-1", "atlas")
	jobTable := job.NewTable()
	require.NoError(t, jobTable.Insert(record))

	fakeClient := fake.NewSimpleClientset(workloadOf(record))
	reconciler := NewPodEventReconciler(fakeClient, jobTable, testReconciliationConfig())

	pod := withContainerStatus(podOf("job-1", "atlas", "abcde"), 3, int32Ptr(1))
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: pod})

	updated, err := jobTable.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, updated.Status)
	assert.Equal(t, int32(3), updated.RestartCount)
	assert.Equal(t, "fake logs", updated.Log)

	_, err = fakeClient.BatchV1().Jobs("atlas").Get(context.Background(), "job-1", metav1.GetOptions{})
	assert.True(t, k8s_errors.IsNotFound(err))

	// A replayed crash event must not request deletion again; the record
	// is already failed.
	_, err = fakeClient.BatchV1().Jobs("atlas").Create(context.Background(), workloadOf(record), metav1.CreateOptions{})
	require.NoError(t, err)
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: pod})

	_, err = fakeClient.BatchV1().Jobs("atlas").Get(context.Background(), "job-1", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestPodReconciler_NoEscalationBelowMaxRestartCount(t *testing.T) {
	jobTable := job.NewTable()
	require.NoError(t, jobTable.Insert(startedRecord("job-1", "atlas")))
	reconciler := NewPodEventReconciler(fake.NewSimpleClientset(), jobTable, testReconciliationConfig())

	pod := withContainerStatus(podOf("job-1", "atlas", "abcde"), 2, int32Ptr(1))
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: pod})

	record, err := jobTable.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStarted, record.Status)
}

func TestPodReconciler_NoEscalationWithZeroExitCode(t *testing.T) {
	jobTable := job.NewTable()
	require.NoError(t, jobTable.Insert(startedRecord("job-1", "atlas")))
	reconciler := NewPodEventReconciler(fake.NewSimpleClientset(), jobTable, testReconciliationConfig())

	pod := withContainerStatus(podOf("job-1", "atlas", "abcde"), 3, int32Ptr(0))
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: pod})

	record, err := jobTable.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStarted, record.Status)
}

func TestPodReconciler_IgnoresPodsOfUnknownJobs(t *testing.T) {
	jobTable := job.NewTable()
	reconciler := NewPodEventReconciler(fake.NewSimpleClientset(), jobTable, testReconciliationConfig())

	pod := withContainerStatus(podOf("somebody-elses", "kube-system", "abcde"), 5, int32Ptr(1))
	reconciler.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: pod})

	assert.Equal(t, 0, jobTable.Size())
}

func TestOwnerJobId(t *testing.T) {
	assert.Equal(t, "job-1", ownerJobId(podOf("job-1", "atlas", "abcde")))

	unlabelled := podOf("some-long-job-id", "atlas", "xyz")
	unlabelled.Labels = nil
	assert.Equal(t, "some-long-job-id", ownerJobId(unlabelled))

	noSuffix := &v1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "bare"}}
	assert.Equal(t, "", ownerJobId(noSuffix))
}
