// Package volumes renders the volume definitions attached to job pods:
// read-only CVMFS repository mounts, the per-experiment CephFS shared
// filesystem and per-experiment secret volumes.
package volumes

import (
	"fmt"

	v1 "k8s.io/api/core/v1"

	"github.com/hepbatch/jobcontroller/internal/common/controllererrors"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/configuration"
)

const CephfsMountPath = "/data"

const cvmfsFlexVolumeDriver = "cern/cvmfs"

// cvmfsRepositories maps the short repository names accepted in job
// requests to their fully qualified CVMFS repository names.
var cvmfsRepositories = map[string]string{
	"alice":       "alice.cern.ch",
	"alice-ocdb":  "alice-ocdb.cern.ch",
	"atlas":       "atlas.cern.ch",
	"atlas-condb": "atlas-condb.cern.ch",
	"cms":         "cms.cern.ch",
	"lhcb":        "lhcb.cern.ch",
	"na61":        "na61.cern.ch",
	"boss":        "boss.cern.ch",
	"grid":        "grid.cern.ch",
	"sft":         "sft.cern.ch",
	"geant4":      "geant4.cern.ch",
}

func IsValidCvmfsRepository(repository string) bool {
	_, ok := cvmfsRepositories[repository]
	return ok
}

// CvmfsMountPath returns the conventional mount point of a CVMFS
// repository inside the container.
func CvmfsMountPath(repository string) (string, error) {
	qualified, ok := cvmfsRepositories[repository]
	if !ok {
		return "", &controllererrors.ErrInvalidArgument{
			Name:    "cvmfs_mounts",
			Value:   repository,
			Message: "unknown cvmfs repository",
		}
	}
	return fmt.Sprintf("/cvmfs/%s", qualified), nil
}

// CvmfsVolume renders the flex volume exposing a CVMFS repository. The
// caller is responsible for making the volume name unique within the pod.
func CvmfsVolume(experiment string, repository string) (v1.Volume, error) {
	if !IsValidCvmfsRepository(repository) {
		return v1.Volume{}, &controllererrors.ErrInvalidArgument{
			Name:    "cvmfs_mounts",
			Value:   repository,
			Message: "unknown cvmfs repository",
		}
	}
	return v1.Volume{
		Name: fmt.Sprintf("cvmfs-%s", experiment),
		VolumeSource: v1.VolumeSource{
			FlexVolume: &v1.FlexVolumeSource{
				Driver:   cvmfsFlexVolumeDriver,
				Options:  map[string]string{"repository": repository},
				ReadOnly: true,
			},
		},
	}, nil
}

type Templates struct {
	cephfs            configuration.CephfsConfiguration
	experimentSecrets map[string][]configuration.SecretVolumeConfiguration
}

func NewTemplates(config *configuration.SubmissionConfiguration) *Templates {
	return &Templates{
		cephfs:            config.Cephfs,
		experimentSecrets: config.ExperimentSecrets,
	}
}

// CephfsVolume renders the shared filesystem volume of an experiment,
// mounted at CephfsMountPath.
func (t *Templates) CephfsVolume(experiment string) (v1.Volume, error) {
	path, ok := t.cephfs.SharedDataPaths[experiment]
	if !ok {
		return v1.Volume{}, &controllererrors.ErrInvalidArgument{
			Name:    "experiment",
			Value:   experiment,
			Message: "no shared data path configured",
		}
	}
	return v1.Volume{
		Name: fmt.Sprintf("cephfs-%s", experiment),
		VolumeSource: v1.VolumeSource{
			CephFS: &v1.CephFSVolumeSource{
				Monitors: t.cephfs.Monitors,
				Path:     path,
				User:     t.cephfs.User,
				SecretRef: &v1.LocalObjectReference{
					Name: t.cephfs.SecretName,
				},
			},
		},
	}, nil
}

// SecretVolumes renders the secret volumes configured for an experiment,
// named secret-<i> in configuration order.
func (t *Templates) SecretVolumes(experiment string) ([]v1.Volume, []v1.VolumeMount) {
	secrets := t.experimentSecrets[experiment]
	volumes := make([]v1.Volume, 0, len(secrets))
	mounts := make([]v1.VolumeMount, 0, len(secrets))
	for i, secret := range secrets {
		name := fmt.Sprintf("secret-%d", i)
		volumes = append(volumes, v1.Volume{
			Name: name,
			VolumeSource: v1.VolumeSource{
				Secret: &v1.SecretVolumeSource{
					SecretName: secret.SecretName,
				},
			},
		})
		mounts = append(mounts, v1.VolumeMount{
			Name:      name,
			MountPath: secret.MountPath,
		})
	}
	return volumes, mounts
}
