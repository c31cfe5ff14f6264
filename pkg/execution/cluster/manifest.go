package cluster

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/models"
)

const (
	LabelManagedBy   = "app.kubernetes.io/managed-by"
	LabelNodeID      = "flowpilot.dev/node-id"
	LabelExecutionID = "flowpilot.dev/execution-id"
	LabelWorkspace   = "flowpilot.dev/workspace"
	LabelDispatchID  = "flowpilot.dev/dispatch-id"

	AnnotationRunID       = "flowpilot.dev/run-id"
	AnnotationFlowchartID = "flowpilot.dev/flowchart-id"
	AnnotationNodeID      = "flowpilot.dev/node-id"

	managedByValue = "flowpilot"
	containerName  = "executor"
	maxLabelValue  = 63
)

var invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Resources are the requests and limits of the executor container, as Kubernetes quantities.
type Resources struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

func (r Resources) requirements() (corev1.ResourceRequirements, error) {
	requirements := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}

	entries := []struct {
		value string
		list  corev1.ResourceList
		name  corev1.ResourceName
	}{
		{r.CPURequest, requirements.Requests, corev1.ResourceCPU},
		{r.MemoryRequest, requirements.Requests, corev1.ResourceMemory},
		{r.CPULimit, requirements.Limits, corev1.ResourceCPU},
		{r.MemoryLimit, requirements.Limits, corev1.ResourceMemory},
	}

	for _, entry := range entries {
		if entry.value == "" {
			continue
		}

		quantity, err := resource.ParseQuantity(entry.value)
		if err != nil {
			return requirements, fmt.Errorf("invalid %s quantity %q: %w", entry.name, entry.value, err)
		}

		entry.list[entry.name] = quantity
	}

	return requirements, nil
}

// BuildJob renders the batch/v1 Job that runs req on the cluster. The job name is the
// dispatch id; the execution payload travels in a single environment variable.
func BuildJob(req *models.ExecutionRequest, cfg Config) (*batchv1.Job, error) {
	if req.ProviderDispatchID == "" {
		return nil, fmt.Errorf("dispatch id is required to build a job for node %s", req.NodeID)
	}

	requirements, err := cfg.Resources.requirements()
	if err != nil {
		return nil, err
	}

	payload, err := execution.EncodePayload(req)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		LabelManagedBy:   managedByValue,
		LabelNodeID:      labelValue(req.NodeID),
		LabelExecutionID: labelValue(req.ExecutionID),
		LabelWorkspace:   labelValue(req.WorkspaceIdentity),
		LabelDispatchID:  labelValue(req.ProviderDispatchID),
	}

	annotations := map[string]string{
		AnnotationNodeID:      req.NodeID,
		AnnotationRunID:       req.RunID,
		AnnotationFlowchartID: req.FlowchartID,
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        req.ProviderDispatchID,
			Namespace:   cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(int32(0)),
			ActiveDeadlineSeconds:   ptr.To(seconds(cfg.ExecutionTimeout)),
			TTLSecondsAfterFinished: ptr.To(int32(seconds(cfg.TTLAfterFinished))),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: annotations,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: cfg.ServiceAccount,
					Containers: []corev1.Container{
						{
							Name:      containerName,
							Image:     cfg.Image,
							Command:   cfg.Command,
							Resources: requirements,
							Env: []corev1.EnvVar{
								{Name: execution.PayloadEnv, Value: payload},
							},
						},
					},
				},
			},
		},
	}, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// labelValue turns s into a valid label value.
func labelValue(s string) string {
	value := invalidLabelChars.ReplaceAllString(s, "-")
	if len(value) > maxLabelValue {
		value = value[:maxLabelValue]
	}

	return strings.Trim(value, "-_.")
}
