// Package listenercontroller implements the listener runtime mode: the
// long-lived supervisor that claims queued runs for its pool and drives each
// through a Kubernetes Job per phase, per §4.7.
package listenercontroller

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/terrapod/terrapod/pkg/run"
)

// JobEnv is the full set of inputs a run's plan or apply Job needs — the
// presigned URLs are brokered server-side by the control plane and never
// fabricated by the listener.
type JobEnv struct {
	RunID          string
	Phase          run.Phase
	APIURL         string
	Version        string
	ConfigURL      string
	StateURL       string
	PlanLogURL     string
	PlanFileURL    string
	ApplyLogURL    string
	StateUploadURL string

	// Apply-only.
	PlanFileDownloadURL string
}

// JobSpecConfig carries per-run resource requests and the controller's
// configured timeouts, parsed into Kubernetes objects.
type JobSpecConfig struct {
	Namespace               string
	Image                   string
	ResourceCPU             string
	ResourceMemory          string
	ActiveDeadlineSeconds   int64
	TTLSecondsAfterFinished int32
}

// JobName is the deterministic name the LC assigns a phase's Job:
// tprun-{run_id_prefix_8}-{phase}.
func JobName(runID string, phase run.Phase) string {
	prefix := runID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("tprun-%s-%s", prefix, phase)
}

// BuildJobSpec constructs the Job the LC submits for one run phase. It
// guarantees backoffLimit=0, restartPolicy=Never, a deadline derived from the
// phase timeout, and resource limits at 2x the requests.
func BuildJobSpec(cfg JobSpecConfig, env JobEnv) (*batchv1.Job, error) {
	requests, err := parseResourceList(cfg.ResourceCPU, cfg.ResourceMemory)
	if err != nil {
		return nil, fmt.Errorf("parsing resource requests: %w", err)
	}
	limits, err := doubleResourceList(requests)
	if err != nil {
		return nil, fmt.Errorf("doubling resource requests into limits: %w", err)
	}

	name := JobName(env.RunID, env.Phase)
	backoffLimit := int32(0)
	ttl := cfg.TTLSecondsAfterFinished

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "terrapod",
				"terrapod.io/run-id":           env.RunID,
				"terrapod.io/phase":            string(env.Phase),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			ActiveDeadlineSeconds:   &cfg.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"terrapod.io/run-id": env.RunID,
						"terrapod.io/phase":  string(env.Phase),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "runner",
							Image:     cfg.Image,
							Env:       buildEnvVars(env),
							Resources: corev1.ResourceRequirements{Requests: requests, Limits: limits},
						},
					},
				},
			},
		},
	}

	return job, nil
}

func buildEnvVars(env JobEnv) []corev1.EnvVar {
	vars := []corev1.EnvVar{
		{Name: "TP_RUN_ID", Value: env.RunID},
		{Name: "TP_PHASE", Value: string(env.Phase)},
		{Name: "TP_API_URL", Value: env.APIURL},
		{Name: "TP_VERSION", Value: env.Version},
		{Name: "TP_CONFIG_URL", Value: env.ConfigURL},
		{Name: "TP_STATE_URL", Value: env.StateURL},
		{Name: "TP_PLAN_LOG_UPLOAD_URL", Value: env.PlanLogURL},
		{Name: "TP_PLAN_FILE_UPLOAD_URL", Value: env.PlanFileURL},
		{Name: "TP_APPLY_LOG_UPLOAD_URL", Value: env.ApplyLogURL},
		{Name: "TP_STATE_UPLOAD_URL", Value: env.StateUploadURL},
	}
	if env.Phase == run.PhaseApply {
		vars = append(vars, corev1.EnvVar{Name: "TP_PLAN_FILE_DOWNLOAD_URL", Value: env.PlanFileDownloadURL})
	}
	return vars
}

func parseResourceList(cpu, memory string) (corev1.ResourceList, error) {
	cpuQty, err := resource.ParseQuantity(cpu)
	if err != nil {
		return nil, fmt.Errorf("parsing cpu quantity %q: %w", cpu, err)
	}
	memQty, err := resource.ParseQuantity(memory)
	if err != nil {
		return nil, fmt.Errorf("parsing memory quantity %q: %w", memory, err)
	}
	return corev1.ResourceList{
		corev1.ResourceCPU:    cpuQty,
		corev1.ResourceMemory: memQty,
	}, nil
}

func doubleResourceList(requests corev1.ResourceList) (corev1.ResourceList, error) {
	limits := corev1.ResourceList{}
	for name, qty := range requests {
		doubled := qty.DeepCopy()
		doubled.Add(qty)
		limits[name] = doubled
	}
	return limits, nil
}
