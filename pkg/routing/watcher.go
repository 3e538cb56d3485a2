package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

const (
	// PeerPodLabelSelector selects the other drawbridge replicas in the
	// ingress namespace.
	PeerPodLabelSelector = "app=drawbridge-ingress-pod"

	// watchRestartDelay throttles watch loop restarts after failures.
	watchRestartDelay = time.Second

	podIPRetryAttempts = 10
	podIPRetryBase     = 100 * time.Millisecond
)

// Watcher populates a routing table from the Kubernetes API: ingress rules
// from Ingress resources in every namespace, and peer events from Pods in
// the ingress namespace.
type Watcher struct {
	client    kubernetes.Interface
	table     *Table
	namespace string
	logger    zerolog.Logger
}

// NewWatcher creates a watcher feeding the given table.
func NewWatcher(client kubernetes.Interface, table *Table, namespace string) *Watcher {
	return &Watcher{
		client:    client,
		table:     table,
		namespace: namespace,
		logger:    log.WithComponent("routing"),
	}
}

// Start runs both watch loops until ctx is cancelled. Each loop restarts
// itself after API failures.
func (w *Watcher) Start(ctx context.Context) {
	go w.runLoop(ctx, "ingress", w.watchIngresses)
	go w.runLoop(ctx, "peer-pods", w.watchPeerPods)
}

func (w *Watcher) runLoop(ctx context.Context, name string, watchFn func(context.Context) error) {
	for ctx.Err() == nil {
		if err := watchFn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn().Err(err).Str("watch", name).Msg("watch failed, restarting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRestartDelay):
		}
	}
}

// watchIngresses lists all Ingresses once, ingests them, then follows the
// watch stream from that point.
func (w *Watcher) watchIngresses(ctx context.Context) error {
	ingresses := w.client.NetworkingV1().Ingresses(metav1.NamespaceAll)

	list, err := ingresses.List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("routing: list ingresses: %w", err)
	}
	for i := range list.Items {
		w.ingestIngress(&list.Items[i])
	}

	stream, err := ingresses.Watch(ctx, metav1.ListOptions{ResourceVersion: list.ResourceVersion})
	if err != nil {
		return fmt.Errorf("routing: watch ingresses: %w", err)
	}
	defer stream.Stop()

	for event := range stream.ResultChan() {
		switch event.Type {
		case watch.Added, watch.Modified:
			if ingress, ok := event.Object.(*networkingv1.Ingress); ok {
				w.ingestIngress(ingress)
			}
		}
	}
	return nil
}

// ingestIngress translates an Ingress resource into routing backends.
// Rules missing a host, an HTTP section, a Prefix path type, or a service
// port are skipped silently.
func (w *Watcher) ingestIngress(ingress *networkingv1.Ingress) {
	for _, rule := range ingress.Spec.Rules {
		if rule.Host == "" || rule.HTTP == nil {
			continue
		}

		for _, path := range rule.HTTP.Paths {
			if path.PathType == nil || *path.PathType != networkingv1.PathTypePrefix {
				continue
			}
			if path.Path == "" || path.Backend.Service == nil {
				continue
			}
			if path.Backend.Service.Port.Number == 0 {
				continue
			}

			serviceDNS := fmt.Sprintf("%s.%s", path.Backend.Service.Name, ingress.Namespace)
			backend, err := NewBackend(rule.Host, path.Path, serviceDNS, path.Backend.Service.Port.Number)
			if err != nil {
				w.logger.Warn().Err(err).Str("host", rule.Host).Msg("skipping unparseable ingress path")
				continue
			}

			w.table.InsertBackend(backend)
			w.logger.Debug().
				Str("host", rule.Host).
				Str("path", path.Path).
				Str("service", serviceDNS).
				Msg("ingress backend updated")
		}
	}
}

// watchPeerPods follows Pods carrying the drawbridge peer label and
// translates lifecycle events into peer events on the table.
func (w *Watcher) watchPeerPods(ctx context.Context) error {
	pods := w.client.CoreV1().Pods(w.namespace)

	stream, err := pods.Watch(ctx, metav1.ListOptions{LabelSelector: PeerPodLabelSelector})
	if err != nil {
		return fmt.Errorf("routing: watch peer pods: %w", err)
	}
	defer stream.Stop()

	for event := range stream.ResultChan() {
		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}

		switch event.Type {
		case watch.Added:
			name := pod.Name
			go func() {
				addr, err := w.podIP(ctx, name)
				if err != nil {
					w.logger.Warn().Err(err).Str("pod", name).Msg("could not resolve peer pod IP")
					return
				}
				w.table.EmitPeerAdded(addr, name)
			}()
		case watch.Deleted:
			w.table.EmitPeerRemoved(pod.Name)
		}
	}
	return nil
}

// podIP fetches a pod's IP with a bounded Fibonacci retry, because
// status.podIP is not populated immediately after the pod is created.
func (w *Watcher) podIP(ctx context.Context, name string) (string, error) {
	var lastErr error

	for _, delay := range fibonacciDelays(podIPRetryBase, podIPRetryAttempts) {
		pod, err := w.client.CoreV1().Pods(w.namespace).Get(ctx, name, metav1.GetOptions{})
		switch {
		case err != nil:
			lastErr = err
		case pod.Status.PodIP == "":
			lastErr = fmt.Errorf("routing: pod %s has no IP yet", name)
		default:
			return pod.Status.PodIP, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

// fibonacciDelays returns the retry schedule base*fib(1..attempts).
func fibonacciDelays(base time.Duration, attempts int) []time.Duration {
	delays := make([]time.Duration, attempts)
	previous, current := time.Duration(0), base
	for i := range delays {
		delays[i] = current
		previous, current = current, previous+current
	}
	return delays
}
