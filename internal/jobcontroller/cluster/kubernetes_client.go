package cluster

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hepbatch/jobcontroller/internal/jobcontroller/configuration"
)

type KubernetesClientProvider interface {
	Client() kubernetes.Interface
}

type ConfigKubernetesClientProvider struct {
	restConfig *rest.Config
	client     kubernetes.Interface
}

// NewKubernetesClientProvider builds a client from in-cluster configuration,
// falling back to the default kubeconfig loading rules. It verifies the
// apiserver is reachable with the loaded credentials; a failure here is the
// only fatal condition in the reconciliation path and callers are expected
// to exit on it.
func NewKubernetesClientProvider(kubernetesConfig *configuration.KubernetesConfiguration) (*ConfigKubernetesClientProvider, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if kubernetesConfig.QPS > 0 {
		config.QPS = kubernetesConfig.QPS
	}
	if kubernetesConfig.Burst > 0 {
		config.Burst = kubernetesConfig.Burst
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	if _, err := client.Discovery().ServerVersion(); err != nil {
		return nil, errors.Wrap(err, "failed to authenticate against the kubernetes apiserver")
	}

	return &ConfigKubernetesClientProvider{
		restConfig: config,
		client:     client,
	}, nil
}

func (c *ConfigKubernetesClientProvider) Client() kubernetes.Interface {
	return c.client
}

func loadConfig() (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}
