package configuration

import (
	"time"
)

type HttpConfiguration struct {
	Port        uint16
	MetricsPort uint16
}

type KubernetesConfiguration struct {
	QPS   float32
	Burst int
}

type CephfsConfiguration struct {
	Monitors   []string
	User       string
	SecretName string
	// Shared data directory inside CephFS for each experiment.
	SharedDataPaths map[string]string
}

type SecretVolumeConfiguration struct {
	SecretName string
	MountPath  string
}

type SubmissionConfiguration struct {
	MaxRestartCount int32
	Cephfs          CephfsConfiguration
	// Secret volumes attached for each experiment when a job requests them.
	ExperimentSecrets map[string][]SecretVolumeConfiguration
}

type ReconciliationConfiguration struct {
	// Delay before re-opening a watch stream after it ends or errors.
	ResubscribeInterval time.Duration
	// Polling of the job table while waiting for a pod reference to be
	// attached during deletion confirmation.
	PodReferencePollInterval time.Duration
	PodReferencePollAttempts uint
	// Polling of the backend while waiting for the workload object to be
	// removed during deletion confirmation.
	WorkloadRemovalPollInterval time.Duration
	WorkloadRemovalPollAttempts uint
	// Sweep interval for tombstoned records; zero disables pruning and
	// tombstones are retained for the process lifetime.
	TombstonePruneInterval time.Duration
	TombstoneRetention     time.Duration
}

type JobControllerConfiguration struct {
	Http           HttpConfiguration
	Kubernetes     KubernetesConfiguration
	Submission     SubmissionConfiguration
	Reconciliation ReconciliationConfiguration
}
