package job

import (
	"context"
	"fmt"
	"sort"

	"github.com/kballard/go-shellquote"
	log "github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/hepbatch/jobcontroller/internal/common/controllererrors"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/configuration"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/domain"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/volumes"
)

// ErrAllocationFailed wraps a backend rejection of a workload creation.
// No job record exists for a request that failed allocation.
type ErrAllocationFailed struct {
	JobId string
	Cause error
}

func (err *ErrAllocationFailed) Error() string {
	return fmt.Sprintf("failed to allocate workload for job %s: %v", err.JobId, err.Cause)
}

type Submitter interface {
	Submit(ctx context.Context, request domain.JobRequest) (*batchv1.Job, error)
}

type SubmitService struct {
	kubernetesClient kubernetes.Interface
	volumeTemplates  *volumes.Templates
}

func NewSubmitService(kubernetesClient kubernetes.Interface, config *configuration.SubmissionConfiguration) *SubmitService {
	return &SubmitService{
		kubernetesClient: kubernetesClient,
		volumeTemplates:  volumes.NewTemplates(config),
	}
}

// Submit builds the workload spec for the request and creates it on the
// cluster.
func (s *SubmitService) Submit(ctx context.Context, request domain.JobRequest) (*batchv1.Job, error) {
	workload, err := s.CreateJobSpec(request)
	if err != nil {
		return nil, err
	}

	created, err := s.kubernetesClient.BatchV1().Jobs(workload.Namespace).Create(ctx, workload, metav1.CreateOptions{})
	if err != nil {
		return nil, &ErrAllocationFailed{JobId: request.JobId, Cause: err}
	}
	log.Infof("Created workload %s in namespace %s", created.Name, created.Namespace)
	return created, nil
}

// CreateJobSpec renders the workload manifest for a job request. It is
// deterministic for identical inputs and performs no I/O.
//
// The pod restart policy is OnFailure: crashing containers are restarted
// in place by the kubelet and the reported restart count drives the
// crash-loop escalation in the pod event reconciler.
func (s *SubmitService) CreateJobSpec(request domain.JobRequest) (*batchv1.Job, error) {
	container := v1.Container{
		Name:  request.JobId,
		Image: request.Image,
	}

	if request.Cmd != "" {
		command, err := shellquote.Split(request.Cmd)
		if err != nil {
			return nil, &controllererrors.ErrInvalidArgument{
				Name:    "cmd",
				Value:   request.Cmd,
				Message: err.Error(),
			}
		}
		container.Command = command
	}

	for _, name := range sortedKeys(request.EnvVars) {
		container.Env = append(container.Env, v1.EnvVar{Name: name, Value: request.EnvVars[name]})
	}

	podSpec := v1.PodSpec{
		RestartPolicy: v1.RestartPolicyOnFailure,
	}

	if request.SharedFileSystem {
		volume, err := s.volumeTemplates.CephfsVolume(request.Experiment)
		if err != nil {
			return nil, err
		}
		podSpec.Volumes = append(podSpec.Volumes, volume)
		container.VolumeMounts = append(container.VolumeMounts, v1.VolumeMount{
			Name:      volume.Name,
			MountPath: volumes.CephfsMountPath,
		})
	}

	for i, repository := range request.CvmfsMounts {
		volume, err := volumes.CvmfsVolume(request.Experiment, repository)
		if err != nil {
			return nil, err
		}
		mountPath, err := volumes.CvmfsMountPath(repository)
		if err != nil {
			return nil, err
		}
		// Suffix by position to keep names unique when several
		// repositories are mounted.
		volume.Name = fmt.Sprintf("%s-%d", volume.Name, i)
		podSpec.Volumes = append(podSpec.Volumes, volume)
		container.VolumeMounts = append(container.VolumeMounts, v1.VolumeMount{
			Name:      volume.Name,
			MountPath: mountPath,
			ReadOnly:  true,
		})
	}

	if request.AttachSecrets {
		secretVolumes, secretMounts := s.volumeTemplates.SecretVolumes(request.Experiment)
		podSpec.Volumes = append(podSpec.Volumes, secretVolumes...)
		container.VolumeMounts = append(container.VolumeMounts, secretMounts...)
	}

	podSpec.Containers = []v1.Container{container}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      request.JobId,
			Namespace: request.Experiment,
		},
		Spec: batchv1.JobSpec{
			Template: v1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Name:   request.JobId,
					Labels: map[string]string{domain.JobIdLabel: request.JobId},
				},
				Spec: podSpec,
			},
		},
	}, nil
}

func sortedKeys(envVars map[string]string) []string {
	keys := make([]string, 0, len(envVars))
	for name := range envVars {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}
