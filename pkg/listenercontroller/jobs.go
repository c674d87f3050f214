package listenercontroller

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// JobResult is the terminal outcome of watching a Job to completion.
type JobResult string

const (
	JobSucceeded JobResult = "succeeded"
	JobFailed    JobResult = "failed"
	JobRunning   JobResult = "running"
	JobMissing   JobResult = "missing"
)

// jobWatchPollInterval is how often watchJob polls Job status. Kubernetes
// watches would avoid the poll, but the control plane only needs terminal
// status, not live progress, so a coarse poll keeps the client surface small.
const jobWatchPollInterval = 5 * time.Second

// K8sJobs wraps the typed batch/v1 client the LC submits and watches Jobs
// through.
type K8sJobs struct {
	clientset *kubernetes.Clientset
	namespace string
}

func NewK8sJobs(clientset *kubernetes.Clientset, namespace string) *K8sJobs {
	return &K8sJobs{clientset: clientset, namespace: namespace}
}

func (k *K8sJobs) Create(ctx context.Context, job *batchv1.Job) error {
	_, err := k.clientset.BatchV1().Jobs(k.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.Name, err)
	}
	return nil
}

// Query returns the job's current terminal status, or JobRunning/JobMissing.
func (k *K8sJobs) Query(ctx context.Context, name string) (JobResult, error) {
	job, err := k.clientset.BatchV1().Jobs(k.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if isNotFound(err) {
			return JobMissing, nil
		}
		return "", fmt.Errorf("getting job %s: %w", name, err)
	}

	if job.Status.Succeeded > 0 {
		return JobSucceeded, nil
	}
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == "True" {
			return JobFailed, nil
		}
	}
	return JobRunning, nil
}

// Watch polls a Job until it reaches a terminal state or the timeout elapses.
func (k *K8sJobs) Watch(ctx context.Context, name string, timeout time.Duration) (JobResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(jobWatchPollInterval)
	defer ticker.Stop()

	for {
		result, err := k.Query(ctx, name)
		if err != nil {
			return "", err
		}
		if result == JobSucceeded || result == JobFailed || result == JobMissing {
			return result, nil
		}
		if time.Now().After(deadline) {
			return JobRunning, fmt.Errorf("job %s did not complete within %s", name, timeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Delete removes a Job, giving its pod a grace period to tear down cleanly.
func (k *K8sJobs) Delete(ctx context.Context, name string, gracePeriodSeconds int64) error {
	propagation := metav1.DeletePropagationForeground
	err := k.clientset.BatchV1().Jobs(k.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriodSeconds,
		PropagationPolicy:  &propagation,
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting job %s: %w", name, err)
	}
	return nil
}

func isNotFound(err error) bool {
	type statusErr interface {
		Status() metav1.Status
	}
	se, ok := err.(statusErr)
	return ok && se.Status().Code == 404
}
