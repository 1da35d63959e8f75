package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scanhive-labs/scanhive-go/internal/platform/k8s"
)

const batchLabel = "scanhive.batch_id"

type KubernetesJobExecutor struct {
	client            *k8s.Client
	namespace         string
	jobTTLSeconds     int32
	jobServiceAccount string
}

func NewKubernetesJobExecutor(client *k8s.Client, namespace string, jobTTLSeconds int32, jobServiceAccount string) (*KubernetesJobExecutor, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("scan namespace is required")
	}
	if jobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	return &KubernetesJobExecutor{
		client:            client,
		namespace:         namespace,
		jobTTLSeconds:     jobTTLSeconds,
		jobServiceAccount: strings.TrimSpace(jobServiceAccount),
	}, nil
}

func (e *KubernetesJobExecutor) Kind() string {
	return "kubernetes_job"
}

func (e *KubernetesJobExecutor) Launch(ctx context.Context, spec UnitSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return Handle{}, err
	}

	namespace := strings.TrimSpace(spec.Namespace)
	if namespace == "" {
		namespace = e.namespace
	}
	jobName := strings.TrimSpace(spec.UnitName)
	if jobName == "" {
		jobName = defaultUnitName(spec)
	}

	job := buildJob(spec, jobName, namespace, e.jobTTLSeconds, e.jobServiceAccount)

	err := e.client.CreateJob(ctx, namespace, job)
	if err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return Handle{}, err
	}
	return Handle{
		BatchID:   spec.BatchID,
		Executor:  e.Kind(),
		Namespace: namespace,
		JobName:   jobName,
	}, nil
}

func (e *KubernetesJobExecutor) Describe(ctx context.Context, handle Handle) (Observation, error) {
	namespace := strings.TrimSpace(handle.Namespace)
	if namespace == "" {
		namespace = e.namespace
	}
	jobName := strings.TrimSpace(handle.JobName)
	if jobName == "" {
		return Observation{}, errors.New("k8s job name is required")
	}

	job, err := e.client.GetJob(ctx, namespace, jobName)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{Phase: PhasePending, Healthy: true, Message: "job_not_found"}, nil
		}
		return Observation{}, err
	}

	var pods []k8s.Pod
	if handle.BatchID != "" {
		list, err := e.client.ListPods(ctx, namespace, batchLabel+"="+handle.BatchID)
		if err == nil {
			pods = list.Items
		}
		// Pod lookup is best effort; the job status alone still yields
		// a coarse observation.
	}

	return observeJob(job, pods), nil
}

// Stop deletes the job and its pods. Already-gone jobs are success.
func (e *KubernetesJobExecutor) Stop(ctx context.Context, handle Handle) error {
	namespace := strings.TrimSpace(handle.Namespace)
	if namespace == "" {
		namespace = e.namespace
	}
	err := e.client.DeleteJob(ctx, namespace, handle.JobName)
	if err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return err
	}
	return nil
}

// UnitName derives the deterministic backend name for a batch's unit.
// Monitors use it to rebuild handles from ledger rows alone.
func UnitName(module, batchID string) string {
	short := batchID
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("scan-%s-%s", strings.ToLower(module), strings.ToLower(short))
	return strings.ReplaceAll(name, "_", "-")
}

func defaultUnitName(spec UnitSpec) string {
	return UnitName(spec.Module, spec.BatchID)
}

func buildJob(spec UnitSpec, jobName, namespace string, ttlSeconds int32, serviceAccount string) k8s.Job {
	role := spec.Role
	if role == "" {
		role = RoleStandalone
	}
	labels := map[string]string{
		"app.kubernetes.io/name":      "scanhive-orchestrator",
		"app.kubernetes.io/component": "scan-" + string(role),
		batchLabel:                    spec.BatchID,
		"scanhive.module":             spec.Module,
	}
	if spec.ScanJobID != "" {
		labels["scanhive.scan_job_id"] = spec.ScanJobID
	}

	container := k8s.Container{
		Name:  "scanner",
		Image: spec.ImageRef,
	}
	for _, pair := range contractEnv(spec) {
		container.Env = append(container.Env, k8s.EnvVar{Name: pair.Name, Value: pair.Value})
	}
	applyResources(&container, spec.CPU, spec.MemoryMB)

	podSpec := k8s.PodSpec{
		RestartPolicy: "Never",
		Containers:    []k8s.Container{container},
	}
	if serviceAccount != "" {
		podSpec.ServiceAccountName = serviceAccount
	}

	backoff := int32(0)
	var ttl *int32
	if ttlSeconds > 0 {
		ttl = &ttlSeconds
	}

	return k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      jobName,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit: &backoff,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
			TTLSecondsAfterFinished: ttl,
		},
	}
}

// applyResources maps the 1024-per-vCPU allocation units onto kubernetes
// requests. Millicores round up so an allocation never shrinks.
func applyResources(container *k8s.Container, cpu, memoryMB int) {
	if container.Resources.Requests == nil {
		container.Resources.Requests = map[string]string{}
	}
	if cpu > 0 {
		millicores := (cpu*1000 + 1023) / 1024
		container.Resources.Requests["cpu"] = fmt.Sprintf("%dm", millicores)
	}
	if memoryMB > 0 {
		container.Resources.Requests["memory"] = fmt.Sprintf("%dMi", memoryMB)
	}
}

// observeJob folds the job status and its pods into one observation.
// The pods disambiguate a not-yet-complete job: a pulling image is
// provisioning, a crash-looping container is unhealthy long before the
// job itself reports failure.
func observeJob(job k8s.Job, pods []k8s.Pod) Observation {
	if cond, ok := findJobCondition(job.Status.Conditions, "Failed"); ok && strings.EqualFold(cond.Status, "True") {
		obs := Observation{Phase: PhaseFailed, Healthy: false, Message: condMessage(cond)}
		if code, reason, ok := podTermination(pods); ok {
			obs.ExitCode = &code
			obs.StopReason = reason
		}
		return obs
	}
	if cond, ok := findJobCondition(job.Status.Conditions, "Complete"); ok && strings.EqualFold(cond.Status, "True") {
		zero := 0
		return Observation{Phase: PhaseSucceeded, Healthy: true, ExitCode: &zero, Message: condMessage(cond)}
	}

	if len(pods) == 0 {
		if job.Status.Active > 0 {
			return Observation{Phase: PhaseRunning, Healthy: true}
		}
		return Observation{Phase: PhasePending, Healthy: true}
	}

	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			switch {
			case cs.State.Waiting != nil:
				reason := cs.State.Waiting.Reason
				if isCrashWaitReason(reason) {
					return Observation{
						Phase:      PhaseRunning,
						Healthy:    false,
						StopReason: reason,
						Message:    cs.State.Waiting.Message,
					}
				}
				return Observation{Phase: PhaseProvisioning, Healthy: true, Message: reason}
			case cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0:
				code := cs.State.Terminated.ExitCode
				return Observation{
					Phase:      PhaseRunning,
					Healthy:    false,
					ExitCode:   &code,
					StopReason: cs.State.Terminated.Reason,
					Message:    cs.State.Terminated.Message,
				}
			}
		}
	}

	if job.Status.Active > 0 {
		return Observation{Phase: PhaseRunning, Healthy: true}
	}
	return Observation{Phase: PhaseProvisioning, Healthy: true}
}

func isCrashWaitReason(reason string) bool {
	switch reason {
	case "CrashLoopBackOff", "ImagePullBackOff", "ErrImagePull", "CreateContainerConfigError", "InvalidImageName":
		return true
	default:
		return false
	}
}

func podTermination(pods []k8s.Pod) (int, string, bool) {
	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				return cs.State.Terminated.ExitCode, cs.State.Terminated.Reason, true
			}
		}
	}
	return 0, "", false
}

func condMessage(cond k8s.JobCondition) string {
	if msg := strings.TrimSpace(cond.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(cond.Reason)
}

func findJobCondition(conditions []k8s.JobCondition, conditionType string) (k8s.JobCondition, bool) {
	for _, cond := range conditions {
		if strings.EqualFold(strings.TrimSpace(cond.Type), strings.TrimSpace(conditionType)) {
			return cond, true
		}
	}
	return k8s.JobCondition{}, false
}
