// Package cluster runs node bodies as Kubernetes Jobs executing flowpilot-executor.
//
// A dispatch moves through preflight, submit and poll. Preflight and submit failures are
// reported as dispatch errors so the router may fall back; once the job exists, the
// outcome is decided by the startup marker and the job's terminal condition.
package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	authorizationv1 "k8s.io/api/authorization/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	batchclient "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/utils/ptr"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/idempotency"
	"github.com/dukex/flowpilot/pkg/models"
)

type Config struct {
	Namespace        string `validate:"required"`
	Image            string `validate:"required"`
	Command          []string
	ServiceAccount   string
	Resources        Resources
	PreflightTimeout time.Duration `validate:"gt=0"`
	DispatchTimeout  time.Duration `validate:"gt=0"`
	ExecutionTimeout time.Duration `validate:"gtfield=DispatchTimeout"`
	PollInterval     time.Duration `validate:"gt=0"`
	// Retention is how long finished jobs are kept before housekeeping deletes them.
	Retention        time.Duration `validate:"gte=0"`
	TTLAfterFinished time.Duration `validate:"gte=0"`
	CancelGrace      time.Duration `validate:"gte=0"`
	ForceKill        bool
}

func DefaultConfig() Config {
	return Config{
		Namespace:        "default",
		Command:          []string{"flowpilot-executor"},
		PreflightTimeout: 10 * time.Second,
		DispatchTimeout:  2 * time.Minute,
		ExecutionTimeout: 30 * time.Minute,
		PollInterval:     2 * time.Second,
		Retention:        time.Hour,
		TTLAfterFinished: time.Hour,
		CancelGrace:      30 * time.Second,
		ForceKill:        true,
	}
}

// LogSource reads the executor container logs of a pod.
type LogSource func(ctx context.Context, namespace, pod string) (string, error)

type Executor struct {
	client   kubernetes.Interface
	cfg      Config
	registry idempotency.Registry
	watcher  execution.Watcher
	logs     LogSource
	clock    clockwork.Clock
	logger   *slog.Logger
}

type Option func(*Executor)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Executor) {
		e.clock = clock
	}
}

// WithLogSource replaces the pod log reader.
func WithLogSource(source LogSource) Option {
	return func(e *Executor) {
		e.logs = source
	}
}

func New(client kubernetes.Interface, registry idempotency.Registry, cfg Config, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid cluster executor config: %w", err)
	}

	if _, err := cfg.Resources.requirements(); err != nil {
		return nil, fmt.Errorf("invalid cluster executor config: %w", err)
	}

	e := &Executor{
		client:   client,
		cfg:      cfg,
		registry: registry,
		clock:    clockwork.NewRealClock(),
		logger:   logger.With("module", "cluster_executor"),
	}
	e.logs = e.podLogs

	for _, opt := range opts {
		opt(e)
	}

	e.watcher = execution.NewPollWatcher(e.probe, e.clock, e.logger)

	return e, nil
}

func (e *Executor) jobs() batchclient.JobInterface {
	return e.client.BatchV1().Jobs(e.cfg.Namespace)
}

func (e *Executor) Execute(ctx context.Context, req *models.ExecutionRequest, callback execution.Callback) (*models.ExecutionResult, error) {
	req.FinalProvider = models.ProviderCluster

	if err := e.preflight(ctx); err != nil {
		return nil, err
	}

	if err := e.Housekeep(ctx); err != nil {
		e.logger.WarnContext(ctx, "Cluster housekeeping failed", "error", err)
	}

	dispatchID := "flowpilot-" + uuid.NewString()
	req.ProviderDispatchID = dispatchID

	job, err := BuildJob(req, e.cfg)
	if err != nil {
		return nil, execution.NewDispatchError("build", models.FallbackReasonConfigError, execution.CategoryInvalid, err)
	}

	if _, err := e.jobs().Create(ctx, job, metav1.CreateOptions{}); err != nil {
		req.DispatchStatus = models.DispatchStatusFailed

		return nil, execution.NewDispatchError("submit", models.FallbackReasonSubmitFailed, Categorize(err), err)
	}

	req.DispatchStatus = models.DispatchStatusSubmitted
	execution.Notify(ctx, req)

	e.logger.InfoContext(ctx, "Job submitted",
		"node_id", req.NodeID,
		"execution_id", req.ExecutionID,
		"dispatch_id", dispatchID,
		"namespace", e.cfg.Namespace)

	observation, watchErr := e.watcher.Watch(ctx, dispatchID, execution.WatchOptions{
		DispatchTimeout:  e.cfg.DispatchTimeout,
		ExecutionTimeout: e.cfg.ExecutionTimeout,
		PollInterval:     e.cfg.PollInterval,
	})

	result, err := execution.CompleteRemote(ctx, e.registry, req, observation, watchErr, callback)
	if err != nil {
		// the executor provably never launched; make sure it never will before falling back
		if delErr := e.deleteJob(context.WithoutCancel(ctx), dispatchID, 0); delErr != nil {
			e.logger.WarnContext(ctx, "Failed to delete job", "dispatch_id", dispatchID, "error", delErr)
		}

		return nil, err
	}

	if ctx.Err() != nil || (watchErr != nil && observation.Started) {
		go func() {
			if err := e.Revoke(context.WithoutCancel(ctx), dispatchID); err != nil {
				e.logger.Warn("Failed to revoke job", "dispatch_id", dispatchID, "error", err)
			}
		}()
	}

	e.logger.InfoContext(ctx, "Job finished",
		"dispatch_id", dispatchID,
		"status", result.Status,
		"dispatch_status", req.DispatchStatus,
		"dispatch_uncertain", req.DispatchUncertain)

	return result, nil
}

// preflight verifies the API server is reachable and that jobs may be created in the namespace.
func (e *Executor) preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PreflightTimeout)
	defer cancel()

	fail := func(err error) error {
		category := Categorize(err)

		return execution.NewDispatchError("preflight", preflightReason(category), category, err)
	}

	if _, err := e.client.Discovery().ServerVersion(); err != nil {
		return fail(err)
	}

	review, err := e.client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace: e.cfg.Namespace,
				Verb:      "create",
				Group:     "batch",
				Resource:  "jobs",
			},
		},
	}, metav1.CreateOptions{})
	if err != nil {
		return fail(err)
	}

	if !review.Status.Allowed {
		return fail(fmt.Errorf("%w in namespace %s: %s", ErrNotAuthorized, e.cfg.Namespace, review.Status.Reason))
	}

	return nil
}

func (e *Executor) probe(ctx context.Context, dispatchID string) (*execution.Observation, error) {
	job, err := e.jobs().Get(ctx, dispatchID, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	observation := &execution.Observation{}

	for _, condition := range job.Status.Conditions {
		if condition.Status != corev1.ConditionTrue {
			continue
		}

		switch condition.Type {
		case batchv1.JobComplete:
			observation.Terminal = true
			observation.Succeeded = true
		case batchv1.JobFailed:
			observation.Terminal = true
			observation.Reason = condition.Reason + ": " + condition.Message
		}
	}

	pod, attempts, err := e.latestPod(ctx, dispatchID)
	if err != nil || pod == nil {
		return observation, nil
	}

	for _, status := range pod.Status.ContainerStatuses {
		if status.Name != containerName {
			continue
		}

		if terminated := status.State.Terminated; terminated != nil {
			observation.ExitCode = int(terminated.ExitCode)
		}

		if waiting := status.State.Waiting; waiting != nil && neverStarts(waiting.Reason) {
			observation.Terminal = true
			observation.Succeeded = false
			observation.Reason = waiting.Reason + ": " + waiting.Message
			// an earlier pod or container attempt may have run the executor
			observation.NeverStarted = attempts == 1 && status.RestartCount == 0 &&
				status.LastTerminationState.Terminated == nil
		}
	}

	if logs, err := e.logs(ctx, e.cfg.Namespace, pod.Name); err == nil {
		observation.Stdout = logs
	}

	return observation, nil
}

// neverStarts reports waiting reasons after which the container cannot start on its own.
func neverStarts(reason string) bool {
	switch reason {
	case "ErrImagePull", "ImagePullBackOff", "InvalidImageName", "CreateContainerConfigError", "CreateContainerError":
		return true
	default:
		return false
	}
}

// latestPod returns the newest pod of the job and how many pods the job has created.
func (e *Executor) latestPod(ctx context.Context, dispatchID string) (*corev1.Pod, int, error) {
	pods, err := e.client.CoreV1().Pods(e.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelDispatchID + "=" + labelValue(dispatchID),
	})
	if err != nil {
		return nil, 0, err
	}

	var latest *corev1.Pod

	for i := range pods.Items {
		pod := &pods.Items[i]
		if latest == nil || pod.CreationTimestamp.After(latest.CreationTimestamp.Time) {
			latest = pod
		}
	}

	return latest, len(pods.Items), nil
}

func (e *Executor) podLogs(ctx context.Context, namespace, pod string) (string, error) {
	stream, err := e.client.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{Container: containerName}).Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Revoke deletes the job with the configured grace period. When the job still exists after
// the grace window and force kill is enabled, it is deleted again without grace.
func (e *Executor) Revoke(ctx context.Context, dispatchID string) error {
	grace := seconds(e.cfg.CancelGrace)

	if err := e.deleteJob(ctx, dispatchID, grace); err != nil {
		return err
	}

	if !e.cfg.ForceKill {
		return nil
	}

	deadline := e.clock.Now().Add(e.cfg.CancelGrace)

	for {
		_, err := e.jobs().Get(ctx, dispatchID, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}

		if !e.clock.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.cfg.PollInterval):
		}
	}

	e.logger.WarnContext(ctx, "Job still present after grace period, forcing deletion", "dispatch_id", dispatchID)

	if err := e.deleteJob(ctx, dispatchID, 0); err != nil {
		return err
	}

	err := e.client.CoreV1().Pods(e.cfg.Namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{GracePeriodSeconds: ptr.To(int64(0))},
		metav1.ListOptions{LabelSelector: LabelDispatchID + "=" + labelValue(dispatchID)},
	)
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pods of job %s: %w", dispatchID, err)
	}

	return nil
}

func (e *Executor) deleteJob(ctx context.Context, name string, grace int64) error {
	err := e.jobs().Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(grace),
		PropagationPolicy:  ptr.To(metav1.DeletePropagationBackground),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", name, err)
	}

	return nil
}

// Housekeep deletes finished flowpilot jobs older than the retention window.
func (e *Executor) Housekeep(ctx context.Context) error {
	list, err := e.jobs().List(ctx, metav1.ListOptions{
		LabelSelector: LabelManagedBy + "=" + managedByValue,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	cutoff := e.clock.Now().Add(-e.cfg.Retention)
	deleted := 0

	for i := range list.Items {
		job := &list.Items[i]

		doneAt, ok := finishedAt(job)
		if !ok || doneAt.After(cutoff) {
			continue
		}

		if err := e.deleteJob(ctx, job.Name, 0); err != nil {
			e.logger.WarnContext(ctx, "Failed to delete expired job", "job", job.Name, "error", err)

			continue
		}

		deleted++
	}

	if deleted > 0 {
		e.logger.InfoContext(ctx, "Deleted expired jobs", "count", deleted)
	}

	return nil
}

func finishedAt(job *batchv1.Job) (time.Time, bool) {
	if job.Status.CompletionTime != nil {
		return job.Status.CompletionTime.Time, true
	}

	for _, condition := range job.Status.Conditions {
		if (condition.Type == batchv1.JobComplete || condition.Type == batchv1.JobFailed) && condition.Status == corev1.ConditionTrue {
			return condition.LastTransitionTime.Time, true
		}
	}

	return time.Time{}, false
}
