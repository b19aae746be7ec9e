package domain

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStarted   JobStatus = "started"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

const DefaultMaxRestartCount int32 = 3

// JobRequest holds the validated parameters of a job submission.
type JobRequest struct {
	JobId            string
	Experiment       string
	Image            string
	Cmd              string
	EnvVars          map[string]string
	CvmfsMounts      []string
	SharedFileSystem bool
	AttachSecrets    bool
}

// JobRecord is the authoritative state of a single job. Records are owned
// by the job table and mutated only through it; everything handed to the
// API layer is a copy.
type JobRecord struct {
	JobRequest

	Status  JobStatus
	Deleted bool
	// DeletedAt is set together with the tombstone flag.
	DeletedAt       time.Time
	RestartCount    int32
	MaxRestartCount int32
	// PodName is a weak reference to the pod spawned for this job,
	// attached at most once by the pod event reconciler.
	PodName string
	Log     string
}

func NewJobRecord(request JobRequest, maxRestartCount int32) *JobRecord {
	if maxRestartCount <= 0 {
		maxRestartCount = DefaultMaxRestartCount
	}
	return &JobRecord{
		JobRequest:      request,
		Status:          JobStarted,
		RestartCount:    0,
		MaxRestartCount: maxRestartCount,
	}
}

// IsActive reports whether the pod event reconciler should still act on
// this record: tombstoned and failed jobs are left alone.
func (r *JobRecord) IsActive() bool {
	return !r.Deleted && r.Status != JobFailed
}

// IsTerminal reports whether the status has reached a final value.
func (r *JobRecord) IsTerminal() bool {
	return r.Status == JobSucceeded || r.Status == JobFailed
}

// TransitionTo applies a status transition, rejecting anything other than
// started -> succeeded and started -> failed. Tombstoned records reject
// all status mutation.
func (r *JobRecord) TransitionTo(next JobStatus) error {
	if r.Deleted {
		return fmt.Errorf("job %s is deleted, refusing transition to %s", r.JobId, next)
	}
	if r.Status != JobStarted || (next != JobSucceeded && next != JobFailed) {
		return fmt.Errorf("illegal job status transition %s -> %s for job %s", r.Status, next, r.JobId)
	}
	r.Status = next
	return nil
}

// MarkDeleted sets the tombstone flag. It can be applied over any status
// but only once.
func (r *JobRecord) MarkDeleted(now time.Time) error {
	if r.Deleted {
		return fmt.Errorf("job %s is already deleted", r.JobId)
	}
	r.Deleted = true
	r.DeletedAt = now
	return nil
}

// AttachPod records the pod reference if none is attached yet and reports
// whether it was attached now. The first observed pod wins; later pods
// never replace it.
func (r *JobRecord) AttachPod(podName string) bool {
	if r.PodName != "" || podName == "" {
		return false
	}
	r.PodName = podName
	return true
}

func (r *JobRecord) DeepCopy() *JobRecord {
	replica := *r
	if r.EnvVars != nil {
		replica.EnvVars = make(map[string]string, len(r.EnvVars))
		for name, value := range r.EnvVars {
			replica.EnvVars[name] = value
		}
	}
	if r.CvmfsMounts != nil {
		replica.CvmfsMounts = make([]string, len(r.CvmfsMounts))
		copy(replica.CvmfsMounts, r.CvmfsMounts)
	}
	return &replica
}

// JobView is the public rendering of a record, excluding the pod
// reference, the tombstone flag and anything else internal to the
// reconcilers.
type JobView struct {
	JobId           string            `json:"job-id"`
	Experiment      string            `json:"experiment"`
	Image           string            `json:"docker-img"`
	Cmd             string            `json:"cmd,omitempty"`
	EnvVars         map[string]string `json:"env-vars,omitempty"`
	CvmfsMounts     []string          `json:"cvmfs_mounts,omitempty"`
	Status          JobStatus         `json:"status"`
	RestartCount    int32             `json:"restart_count"`
	MaxRestartCount int32             `json:"max_restart_count"`
	Log             string            `json:"log,omitempty"`
}

func (r *JobRecord) PublicView() JobView {
	replica := r.DeepCopy()
	return JobView{
		JobId:           replica.JobId,
		Experiment:      replica.Experiment,
		Image:           replica.Image,
		Cmd:             replica.Cmd,
		EnvVars:         replica.EnvVars,
		CvmfsMounts:     replica.CvmfsMounts,
		Status:          replica.Status,
		RestartCount:    replica.RestartCount,
		MaxRestartCount: replica.MaxRestartCount,
		Log:             replica.Log,
	}
}
