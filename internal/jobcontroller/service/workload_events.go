package service

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/hepbatch/jobcontroller/internal/jobcontroller/configuration"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/domain"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/job"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/metrics"
)

var workloadEventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: metrics.Prefix + "workload_events_total",
	Help: "Workload events consumed from the watch stream, by outcome.",
}, []string{"outcome"})

// WorkloadEventReconciler consumes workload-level events and drives job
// records from started to succeeded, failed or tombstoned.
type WorkloadEventReconciler struct {
	kubernetesClient kubernetes.Interface
	jobTable         *job.Table
	config           configuration.ReconciliationConfiguration
}

func NewWorkloadEventReconciler(
	kubernetesClient kubernetes.Interface,
	jobTable *job.Table,
	config configuration.ReconciliationConfiguration,
) *WorkloadEventReconciler {
	return &WorkloadEventReconciler{
		kubernetesClient: kubernetesClient,
		jobTable:         jobTable,
		config:           config,
	}
}

// Run watches workloads across all namespaces until the context is
// cancelled, re-subscribing whenever the stream ends or errors.
func (r *WorkloadEventReconciler) Run(ctx context.Context) {
	for {
		log.Debug("Starting a new stream request to watch workloads")
		watcher, err := r.kubernetesClient.BatchV1().Jobs(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{})
		if err != nil {
			log.Errorf("Failed to open workload watch stream: %v", err)
		} else {
			r.consume(ctx, watcher)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.ResubscribeInterval):
		}
	}
}

func (r *WorkloadEventReconciler) consume(ctx context.Context, watcher watch.Interface) {
	defer watcher.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.ResultChan():
			if !ok {
				log.Info("Workload watch stream closed, re-subscribing")
				return
			}
			r.handleEvent(ctx, event)
		}
	}
}

func (r *WorkloadEventReconciler) handleEvent(ctx context.Context, event watch.Event) {
	workload, ok := event.Object.(*batchv1.Job)
	if !ok {
		log.Errorf("Skipping malformed workload event of type %s carrying a %T", event.Type, event.Object)
		workloadEventsCounter.WithLabelValues("malformed").Inc()
		return
	}

	record, err := r.jobTable.Get(workload.Name)
	if err != nil {
		// Not one of our jobs.
		workloadEventsCounter.WithLabelValues("unknown").Inc()
		return
	}
	if record.Deleted {
		// Duplicate or replayed event for a job already cleaned up.
		workloadEventsCounter.WithLabelValues("ignored").Inc()
		return
	}

	switch {
	case event.Type == watch.Deleted:
		r.confirmDeletion(ctx, workload)
		workloadEventsCounter.WithLabelValues("deletion").Inc()
	case workload.Status.Succeeded > 0 && record.Status == domain.JobStarted:
		log.Infof("Job %s successfully ended, cleaning up", workload.Name)
		r.transitionAndCleanUp(ctx, workload, domain.JobSucceeded)
		workloadEventsCounter.WithLabelValues("succeeded").Inc()
	case workloadFailed(workload) && record.Status == domain.JobStarted:
		// Defensive: with the OnFailure pod restart policy, crash loops
		// are normally escalated by the pod event reconciler before any
		// workload-level failure propagates.
		log.Infof("Job %s failed, cleaning up", workload.Name)
		r.transitionAndCleanUp(ctx, workload, domain.JobFailed)
		workloadEventsCounter.WithLabelValues("failed").Inc()
	default:
		workloadEventsCounter.WithLabelValues("ignored").Inc()
	}
}

func (r *WorkloadEventReconciler) transitionAndCleanUp(ctx context.Context, workload *batchv1.Job, status domain.JobStatus) {
	err := r.jobTable.Mutate(workload.Name, func(record *domain.JobRecord) error {
		return record.TransitionTo(status)
	})
	if err != nil {
		log.Errorf("Skipping workload event for job %s: %v", workload.Name, err)
		return
	}
	deleteWorkload(ctx, r.kubernetesClient, workload.Namespace, workload.Name)
}

// confirmDeletion handles the backend reporting the workload object
// removed. Removal of the workload does not imply removal of its pod, and
// the pod may not even be known yet because pod and workload events
// arrive in any order. The pod reference is awaited with a bounded poll,
// then workload absence is confirmed, and only then is the pod deleted
// and the record tombstoned.
func (r *WorkloadEventReconciler) confirmDeletion(ctx context.Context, workload *batchv1.Job) {
	jobId := workload.Name

	var podName string
	err := retry.Do(
		func() error {
			record, err := r.jobTable.Get(jobId)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if record.PodName == "" {
				log.Warnf("Job %s pod still not known", jobId)
				return fmt.Errorf("pod for job %s not known yet", jobId)
			}
			podName = record.PodName
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.config.PodReferencePollAttempts),
		retry.Delay(r.config.PodReferencePollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Errorf("Giving up on deletion confirmation for job %s: %v", jobId, err)
		return
	}

	err = retry.Do(
		func() error {
			exists, err := workloadExists(ctx, r.kubernetesClient, workload.Namespace, jobId)
			if err != nil {
				return err
			}
			if exists {
				log.Warnf("Waiting for job %s to be cleaned", jobId)
				return fmt.Errorf("workload %s still present", jobId)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.config.WorkloadRemovalPollAttempts),
		retry.Delay(r.config.WorkloadRemovalPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Errorf("Giving up on deletion confirmation for job %s: %v", jobId, err)
		return
	}

	log.Infof("Deleting job %s's pod %s", jobId, podName)
	err = r.kubernetesClient.CoreV1().Pods(workload.Namespace).Delete(ctx, podName, metav1.DeleteOptions{})
	if err != nil && !k8s_errors.IsNotFound(err) {
		log.Errorf("Failed to delete pod %s of job %s: %v", podName, jobId, err)
		return
	}

	err = r.jobTable.Mutate(jobId, func(record *domain.JobRecord) error {
		return record.MarkDeleted(time.Now())
	})
	if err != nil {
		log.Errorf("Failed to tombstone job %s: %v", jobId, err)
	}
}

func workloadFailed(workload *batchv1.Job) bool {
	for _, condition := range workload.Status.Conditions {
		if condition.Type == batchv1.JobFailed && condition.Status == v1.ConditionTrue {
			return true
		}
	}
	return workload.Status.Failed > 0
}
