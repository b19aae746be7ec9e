package service

import (
	"context"

	log "github.com/sirupsen/logrus"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// deleteWorkload requests removal of the workload object. Pods are
// orphaned deliberately: their cleanup is sequenced by the deletion
// confirmation in the workload event reconciler, which only acts once the
// pod reference is known.
func deleteWorkload(ctx context.Context, client kubernetes.Interface, namespace string, name string) {
	propagation := metav1.DeletePropagationOrphan
	err := client.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !k8s_errors.IsNotFound(err) {
		log.Errorf("Failed to delete workload %s in namespace %s: %v", name, namespace, err)
	}
}

func workloadExists(ctx context.Context, client kubernetes.Interface, namespace string, name string) (bool, error) {
	_, err := client.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if k8s_errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
