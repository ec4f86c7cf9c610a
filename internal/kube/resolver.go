package kube

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ErrNoBackingPod marks a service with no running pod behind its selector.
var ErrNoBackingPod = errors.New("no running pod backing service")

// ResolveTargetPod returns the name of a running pod backing the given
// service. Pods are ephemeral, so resolution is repeated on every tunnel
// creation and never cached.
func ResolveTargetPod(ctx context.Context, c kubernetes.Interface, namespace, service string) (string, error) {
	svc, err := c.CoreV1().Services(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get service %s/%s: %w", namespace, service, err)
	}

	if len(svc.Spec.Selector) == 0 {
		return "", fmt.Errorf("%w: service %s/%s has no selector", ErrNoBackingPod, namespace, service)
	}

	pods, err := c.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selectorString(svc.Spec.Selector),
	})
	if err != nil {
		return "", fmt.Errorf("list pods for %s/%s: %w", namespace, service, err)
	}

	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNoBackingPod, namespace, service)
}

func selectorString(selector map[string]string) string {
	parts := make([]string, 0, len(selector))
	for k, v := range selector {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
