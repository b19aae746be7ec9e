package service

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/hepbatch/jobcontroller/internal/jobcontroller/configuration"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/domain"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/job"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/metrics"
)

var podEventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: metrics.Prefix + "pod_events_total",
	Help: "Pod events consumed from the watch stream, by outcome.",
}, []string{"outcome"})

// PodEventReconciler consumes pod-level events: it attaches pod
// references to job records, tracks backend-reported restart counts and
// escalates crash-looping jobs to failed.
type PodEventReconciler struct {
	kubernetesClient kubernetes.Interface
	jobTable         *job.Table
	config           configuration.ReconciliationConfiguration
}

func NewPodEventReconciler(
	kubernetesClient kubernetes.Interface,
	jobTable *job.Table,
	config configuration.ReconciliationConfiguration,
) *PodEventReconciler {
	return &PodEventReconciler{
		kubernetesClient: kubernetesClient,
		jobTable:         jobTable,
		config:           config,
	}
}

// Run watches pods across all namespaces until the context is cancelled,
// re-subscribing whenever the stream ends or errors.
func (r *PodEventReconciler) Run(ctx context.Context) {
	for {
		log.Debug("Starting a new stream request to watch pods")
		watcher, err := r.kubernetesClient.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{})
		if err != nil {
			log.Errorf("Failed to open pod watch stream: %v", err)
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

func (r *PodEventReconciler) consume(ctx context.Context, watcher watch.Interface) {
	defer watcher.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.ResultChan():
			if !ok {
				log.Info("Pod watch stream closed, re-subscribing")
				return
			}
			r.handleEvent(ctx, event)
		}
	}
}

func (r *PodEventReconciler) handleEvent(ctx context.Context, event watch.Event) {
	pod, ok := event.Object.(*v1.Pod)
	if !ok {
		log.Errorf("Skipping malformed pod event of type %s carrying a %T", event.Type, event.Object)
		podEventsCounter.WithLabelValues("malformed").Inc()
		return
	}

	jobId := ownerJobId(pod)
	if jobId == "" {
		podEventsCounter.WithLabelValues("unknown").Inc()
		return
	}
	record, err := r.jobTable.Get(jobId)
	if err != nil {
		// Not one of our jobs.
		podEventsCounter.WithLabelValues("unknown").Inc()
		return
	}

	if record.PodName == "" {
		mutateErr := r.jobTable.Mutate(jobId, func(record *domain.JobRecord) error {
			if record.AttachPod(pod.Name) {
				log.Infof("Storing %s as job %s pod", pod.Name, jobId)
			}
			return nil
		})
		if mutateErr != nil {
			log.Errorf("Failed to attach pod %s to job %s: %v", pod.Name, jobId, mutateErr)
		}
	}

	if !record.IsActive() {
		podEventsCounter.WithLabelValues("ignored").Inc()
		return
	}

	if len(pod.Status.ContainerStatuses) == 0 {
		// Pod not scheduled or started yet; a later event will carry the
		// container status.
		log.Debugf("Skipping event for pod %s: no container status reported yet", pod.Name)
		podEventsCounter.WithLabelValues("incomplete").Inc()
		return
	}

	containerStatus := pod.Status.ContainerStatuses[0]
	restarts := containerStatus.RestartCount
	terminated := containerStatus.State.Terminated

	escalate := false
	err = r.jobTable.Mutate(jobId, func(record *domain.JobRecord) error {
		if !record.IsActive() {
			return nil
		}
		record.RestartCount = restarts
		if restarts >= record.MaxRestartCount && terminated != nil && terminated.ExitCode > 0 {
			// TransitionTo rejects re-entry once the record is failed, so
			// the escalation side effects run exactly once.
			if transitionErr := record.TransitionTo(domain.JobFailed); transitionErr == nil {
				escalate = true
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("Failed to update restart count for job %s: %v", jobId, err)
		return
	}

	if !escalate {
		podEventsCounter.WithLabelValues("recorded").Inc()
		return
	}

	log.Infof("Job %s failed with code %d and reached max restarts (%d)", jobId, terminated.ExitCode, restarts)
	logText, err := r.podLogs(ctx, pod)
	if err != nil {
		log.Errorf("Failed to fetch logs of pod %s for job %s: %v", pod.Name, jobId, err)
	}
	err = r.jobTable.Mutate(jobId, func(record *domain.JobRecord) error {
		record.Log = logText
		return nil
	})
	if err != nil {
		log.Errorf("Failed to store logs for job %s: %v", jobId, err)
	}
	log.Infof("Cleaning job %s", jobId)
	deleteWorkload(ctx, r.kubernetesClient, pod.Namespace, jobId)
	podEventsCounter.WithLabelValues("escalated").Inc()
}

func (r *PodEventReconciler) podLogs(ctx context.Context, pod *v1.Pod) (string, error) {
	raw, err := r.kubernetesClient.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &v1.PodLogOptions{}).Do(ctx).Raw()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ownerJobId recovers the owning job id of a pod. Pods we submitted carry
// the job id as a label; for pods predating the label the id is recovered
// from the generated name by stripping the suffix segment the backend
// appends, a contract with the backend's pod naming scheme.
func ownerJobId(pod *v1.Pod) string {
	if jobId, ok := pod.Labels[domain.JobIdLabel]; ok {
		return jobId
	}
	i := strings.LastIndex(pod.Name, "-")
	if i <= 0 {
		return ""
	}
	return pod.Name[:i]
}
