package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
	"github.com/dukex/flowpilot/pkg/nodes/decision"
	"github.com/dukex/flowpilot/pkg/otelhelper"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// activation is a pending node execution and the solid sources that triggered it.
type activation struct {
	nodeID  string
	sources []string
	nodeRun *models.FlowchartRunNode
}

type nodeResult struct {
	act     *activation
	nodeRun *models.FlowchartRunNode
	err     error
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeEnd
	outcomeCycle
)

// runState is the in-memory view of one claimed run. Only the execute goroutine touches it.
type runState struct {
	s      *Scheduler
	run    *models.FlowchartRun
	graph  *Graph
	limits limits
	logger *slog.Logger

	startedAt  time.Time
	executions int
	indexes    map[string]int
	latest     map[string]*models.FlowchartRunNode
	arrived    map[string]map[string]bool
	pending    []*activation

	sem     *semaphore.Weighted
	results chan *nodeResult
	running int

	inFlight map[string]context.CancelFunc
}

func newRunState(s *Scheduler, run *models.FlowchartRun, graph *Graph, logger *slog.Logger) *runState {
	l := s.cfg.limitsFor(graph.Flowchart)

	startedAt := s.now()
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}

	return &runState{
		s:         s,
		run:       run,
		graph:     graph,
		limits:    l,
		logger:    logger,
		startedAt: startedAt,
		indexes:   map[string]int{},
		latest:    map[string]*models.FlowchartRunNode{},
		arrived:   map[string]map[string]bool{},
		sem:       semaphore.NewWeighted(int64(l.maxParallel)),
		results:   make(chan *nodeResult, l.maxParallel),
		inFlight:  map[string]context.CancelFunc{},
	}
}

func (rs *runState) execute(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stopHeartbeat := rs.heartbeat(ctx, cancel)
	defer stopHeartbeat()

	done, err := rs.restore(ctx)
	if done || err != nil {
		return err
	}

	return rs.loop(ctx)
}

func (rs *runState) loop(ctx context.Context) error {
	ticker := rs.s.clock.NewTicker(rs.s.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		status, err := rs.refreshStatus(ctx)
		if err != nil {
			return rs.abandon(ctx, err)
		}

		switch status {
		case models.RunStatusRunning:
			done, err := rs.dispatchPending(ctx)
			if done {
				return err
			}

			if rs.running == 0 && len(rs.pending) == 0 {
				rs.logger.InfoContext(ctx, "No node left to execute")

				return rs.finish(ctx, models.RunStatusCompleted, "")
			}
		case models.RunStatusStopping:
			if len(rs.pending) > 0 {
				rs.logger.InfoContext(ctx, "Run stopping, discarding pending nodes", "pending", len(rs.pending))
				rs.cancelPending(ctx, "run stopped")
			}

			if rs.running == 0 {
				return rs.finish(ctx, models.RunStatusStopped, "")
			}
		default:
			rs.logger.InfoContext(ctx, "Run finished elsewhere", "status", status)
			rs.halt(ctx, fmt.Sprintf("run %s", status), true)

			return nil
		}

		select {
		case result := <-rs.results:
			rs.release(result)

			if done, err := rs.handleResult(ctx, result); done {
				return err
			}
		case <-ticker.Chan():
		case <-ctx.Done():
			return rs.abandon(ctx, context.Cause(ctx))
		}
	}
}

// restore rebuilds the activation state from persisted node runs. Rows left queued or
// running by a previous owner are canceled and their activations dispatched again.
func (rs *runState) restore(ctx context.Context) (bool, error) {
	nodeRuns := rs.s.store.NodeRunRepository()

	rows, err := nodeRuns.ListByRun(ctx, rs.run.ID)
	if err != nil {
		return true, err
	}

	if len(rows) == 0 {
		return false, rs.activate(ctx, &activation{nodeID: rs.graph.StartID})
	}

	canceled, err := nodeRuns.CancelNonTerminal(ctx, rs.run.ID, "worker lost ownership of the run", rs.s.now())
	if err != nil {
		return true, err
	}

	if len(canceled) > 0 {
		if rows, err = nodeRuns.ListByRun(ctx, rs.run.ID); err != nil {
			return true, err
		}
	}

	rs.logger.InfoContext(ctx, "Resuming run", "node_runs", len(rows), "interrupted", len(canceled))

	pending := []*activation{{nodeID: rs.graph.StartID}}

	for _, row := range rows {
		if row.StartedAt != nil {
			rs.executions++
		}

		rs.indexes[row.NodeID] = max(rs.indexes[row.NodeID], row.ExecutionIndex)

		var act *activation

		act, pending = take(pending, row.NodeID)
		if act == nil {
			act = &activation{nodeID: row.NodeID}
		}

		switch row.Status {
		case models.NodeRunStatusSucceeded:
			rs.latest[row.NodeID] = row

			result, acts := rs.advance(row)
			if result != outcomeContinue {
				return true, rs.conclude(ctx, result)
			}

			pending = append(pending, acts...)
		case models.NodeRunStatusFailed:
			return true, rs.failRun(ctx, nodeFailure(row))
		default:
			pending = append([]*activation{act}, pending...)
		}
	}

	for _, act := range pending {
		if err := rs.activate(ctx, act); err != nil {
			return true, err
		}
	}

	return false, nil
}

func take(pending []*activation, nodeID string) (*activation, []*activation) {
	for i, act := range pending {
		if act.nodeID == nodeID {
			return act, append(pending[:i:i], pending[i+1:]...)
		}
	}

	return nil, pending
}

// activate persists a queued node run for act and appends it to the pending list.
func (rs *runState) activate(ctx context.Context, act *activation) error {
	node := rs.graph.Node(act.nodeID)

	rs.indexes[act.nodeID]++

	act.nodeRun = &models.FlowchartRunNode{
		ID:             uuid.NewString(),
		RunID:          rs.run.ID,
		NodeID:         node.ID,
		NodeType:       node.Type,
		ExecutionIndex: rs.indexes[act.nodeID],
		Status:         models.NodeRunStatusQueued,
		ExecutionID:    uuid.NewString(),
		CreatedAt:      rs.s.now(),
	}

	if err := rs.s.store.NodeRunRepository().Create(ctx, act.nodeRun); err != nil {
		return fmt.Errorf("failed to queue node %s: %w", act.nodeID, err)
	}

	rs.pending = append(rs.pending, act)

	return nil
}

// dispatchPending starts pending nodes while parallel slots are free.
func (rs *runState) dispatchPending(ctx context.Context) (bool, error) {
	for len(rs.pending) > 0 {
		if !rs.sem.TryAcquire(1) {
			return false, nil
		}

		act := rs.pending[0]
		rs.pending = rs.pending[1:]

		if err := rs.checkGuardrails(act.nodeID); err != nil {
			rs.sem.Release(1)

			return true, rs.tripGuardrail(ctx, act, err)
		}

		rs.executions++
		rs.launch(ctx, act, rs.inputFor(act))
	}

	return false, nil
}

func (rs *runState) checkGuardrails(nodeID string) *GuardrailError {
	if rs.executions+1 > rs.limits.maxExecutions {
		return &GuardrailError{
			NodeID:   nodeID,
			Kind:     GuardrailNodeExecutions,
			Limit:    strconv.Itoa(rs.limits.maxExecutions),
			Observed: strconv.Itoa(rs.executions + 1),
		}
	}

	if elapsed := rs.s.clock.Since(rs.startedAt); elapsed > rs.limits.maxRuntime {
		return &GuardrailError{
			NodeID:   nodeID,
			Kind:     GuardrailRuntime,
			Limit:    rs.limits.maxRuntime.String(),
			Observed: elapsed.Round(time.Second).String(),
		}
	}

	return nil
}

func (rs *runState) tripGuardrail(ctx context.Context, act *activation, gerr *GuardrailError) error {
	rs.logger.WarnContext(ctx, "Guardrail tripped",
		"node_id", gerr.NodeID,
		"guardrail", gerr.Kind,
		"limit", gerr.Limit,
		"observed", gerr.Observed)

	rs.s.metrics.GuardrailTripped(gerr.Kind)

	now := rs.s.now()
	nodeRun := act.nodeRun
	nodeRun.Status = models.NodeRunStatusFailed
	nodeRun.Error = gerr.Error()
	nodeRun.OutputState = map[string]any{"error": gerr.Error(), "guardrail": gerr.Kind}
	nodeRun.FinishedAt = &now

	if err := rs.s.store.NodeRunRepository().Update(ctx, nodeRun); err != nil && !persistence.IsInvalidTransition(err) {
		return rs.abandon(ctx, err)
	}

	return rs.failRun(ctx, gerr.Error())
}

func (rs *runState) inputFor(act *activation) *models.InputContext {
	input := &models.InputContext{
		TriggerSources:      []models.SourceOutput{},
		PulledDottedSources: []models.SourceOutput{},
	}

	for _, id := range act.sources {
		if row, ok := rs.latest[id]; ok {
			input.TriggerSources = append(input.TriggerSources, sourceOutput(row))
		}
	}

	for _, id := range rs.graph.DottedParents(act.nodeID) {
		if row, ok := rs.latest[id]; ok {
			input.PulledDottedSources = append(input.PulledDottedSources, sourceOutput(row))
		}
	}

	return input
}

func sourceOutput(row *models.FlowchartRunNode) models.SourceOutput {
	return models.SourceOutput{
		NodeID:         row.NodeID,
		NodeType:       row.NodeType,
		ExecutionIndex: row.ExecutionIndex,
		OutputState:    row.OutputState,
		RoutingState:   row.RoutingState,
	}
}

func (rs *runState) launch(ctx context.Context, act *activation, input *models.InputContext) {
	nodeCtx, cancel := context.WithCancel(ctx)

	rs.inFlight[act.nodeRun.ID] = cancel

	rs.running++

	run := *rs.run

	go func() {
		defer cancel()

		rs.results <- rs.executeNode(nodeCtx, &run, act, input)
	}()
}

func (rs *runState) release(result *nodeResult) {
	rs.running--
	rs.sem.Release(1)

	delete(rs.inFlight, result.nodeRun.ID)
}

func (rs *runState) executeNode(ctx context.Context, run *models.FlowchartRun, act *activation, input *models.InputContext) *nodeResult {
	node := rs.graph.Node(act.nodeID)
	nodeRun := act.nodeRun
	repo := rs.s.store.NodeRunRepository()
	logger := rs.logger.With("node_id", node.ID, "node_type", node.Type, "execution_index", nodeRun.ExecutionIndex)

	ctx, span := otelhelper.StartSpan(ctx, rs.s.tracer, "scheduler.node",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
		attribute.String(otelhelper.ExecutionIDKey, nodeRun.ExecutionID),
	)

	started := rs.s.now()
	nodeRun.Status = models.NodeRunStatusRunning
	nodeRun.StartedAt = &started
	nodeRun.InputContext = input

	if err := repo.Update(ctx, nodeRun); err != nil {
		otelhelper.End(span, err)

		if persistence.IsInvalidTransition(err) {
			nodeRun.Status = models.NodeRunStatusCanceled

			return &nodeResult{act: act, nodeRun: nodeRun}
		}

		return &nodeResult{act: act, nodeRun: nodeRun, err: err}
	}

	ctx = execution.WithObserver(ctx, func(ctx context.Context, req models.ExecutionRequest) {
		applyDispatch(nodeRun, &req)

		if err := repo.Update(ctx, nodeRun); err != nil {
			logger.WarnContext(ctx, "Failed to persist dispatch state", "dispatch_status", req.DispatchStatus, "error", err)
		}
	})

	logger.DebugContext(ctx, "Executing node")

	output, err := rs.s.runner.Handle(ctx, &nodes.Request{
		Flowchart:      rs.graph.Flowchart,
		Run:            run,
		Node:           node,
		Config:         rs.graph.Config(node.ID),
		Input:          input,
		ExecutionIndex: nodeRun.ExecutionIndex,
		ExecutionID:    nodeRun.ExecutionID,
	})

	finished := rs.s.now()
	finalize(nodeRun, output, err, ctx.Err() != nil, finished)

	result := &nodeResult{act: act, nodeRun: nodeRun}

	updateErr := repo.Update(context.WithoutCancel(ctx), nodeRun)

	switch {
	case persistence.IsInvalidTransition(updateErr):
		nodeRun.Status = models.NodeRunStatusCanceled
	case updateErr != nil:
		result.err = updateErr
	}

	if nodeRun.Status == models.NodeRunStatusFailed {
		logger.WarnContext(ctx, "Node failed", "error", nodeRun.Error)
	} else {
		logger.DebugContext(ctx, "Node finished", "status", nodeRun.Status)
	}

	rs.s.metrics.NodeExecuted(string(node.Type), string(nodeRun.Status), finished.Sub(started))
	otelhelper.End(span, err, attribute.String(otelhelper.ProviderKey, nodeRun.Provider))

	return result
}

// finalize moves nodeRun to its terminal status from the handler outcome.
func finalize(nodeRun *models.FlowchartRunNode, output *nodes.Output, err error, canceled bool, at time.Time) {
	if output != nil {
		nodeRun.OutputState = output.OutputState
		nodeRun.RoutingState = output.RoutingState
		nodeRun.RunMetadata = output.RunMetadata

		if output.Execution != nil {
			applyDispatch(nodeRun, output.Execution)
		}
	}

	nodeRun.FinishedAt = &at

	switch {
	case err == nil:
		nodeRun.Status = models.NodeRunStatusSucceeded
	case canceled || isCanceled(err):
		nodeRun.Status = models.NodeRunStatusCanceled
		nodeRun.Error = err.Error()
	default:
		nodeRun.Status = models.NodeRunStatusFailed
		nodeRun.Error = err.Error()

		if nodeRun.OutputState == nil {
			nodeRun.OutputState = map[string]any{}
		}

		if _, ok := nodeRun.OutputState["error"]; !ok {
			nodeRun.OutputState["error"] = err.Error()
		}
	}
}

func applyDispatch(nodeRun *models.FlowchartRunNode, req *models.ExecutionRequest) {
	nodeRun.Provider = req.FinalProvider
	nodeRun.ProviderDispatchID = req.ProviderDispatchID
	nodeRun.DispatchStatus = req.DispatchStatus
	nodeRun.FallbackAttempted = req.FallbackAttempted
	nodeRun.FallbackReason = req.FallbackReason
	nodeRun.DispatchUncertain = req.DispatchUncertain
	nodeRun.APIFailureCategory = req.APIFailureCategory
}

// nodeFailure is the run-level message for a failed node run.
func nodeFailure(row *models.FlowchartRunNode) string {
	message := fmt.Sprintf("node %s failed: %s", row.NodeID, row.Error)

	if row.FallbackReason != "" {
		message += fmt.Sprintf(" (fallback_reason=%s)", row.FallbackReason)
	}

	if row.APIFailureCategory != "" {
		message += fmt.Sprintf(" (api_failure_category=%s)", row.APIFailureCategory)
	}

	return message
}

func (rs *runState) handleResult(ctx context.Context, result *nodeResult) (bool, error) {
	if result.err != nil {
		return true, rs.abandon(ctx, result.err)
	}

	nodeRun := result.nodeRun

	switch nodeRun.Status {
	case models.NodeRunStatusCanceled:
		return false, nil
	case models.NodeRunStatusFailed:
		return true, rs.failRun(ctx, nodeFailure(nodeRun))
	}

	rs.latest[nodeRun.NodeID] = nodeRun

	status, err := rs.refreshStatus(ctx)
	if err != nil {
		return true, rs.abandon(ctx, err)
	}

	next, acts := rs.advance(nodeRun)
	if next != outcomeContinue {
		return true, rs.conclude(ctx, next)
	}

	if status != models.RunStatusRunning {
		return false, nil
	}

	for _, act := range acts {
		if err := rs.activate(ctx, act); err != nil {
			return true, rs.abandon(ctx, err)
		}
	}

	return false, nil
}

// advance follows the solid edges of a succeeded node. A target is activated once every
// forward parent has arrived; a back edge activates its target alone.
func (rs *runState) advance(nodeRun *models.FlowchartRunNode) (outcome, []*activation) {
	node := rs.graph.Node(nodeRun.NodeID)

	if node.Type == models.NodeTypeEnd {
		return outcomeEnd, nil
	}

	var acts []*activation

	for _, edge := range rs.graph.SolidOut(node.ID) {
		if node.Type == models.NodeTypeDecision && !decision.Matches(nodeRun.RoutingState, edge.ConditionKey) {
			continue
		}

		target := edge.TargetNodeID

		if target == rs.graph.StartID {
			return outcomeCycle, nil
		}

		if rs.graph.IsBackEdge(edge) {
			acts = append(acts, &activation{nodeID: target, sources: []string{node.ID}})

			continue
		}

		if rs.arrived[target] == nil {
			rs.arrived[target] = map[string]bool{}
		}

		rs.arrived[target][node.ID] = true

		parents := rs.graph.ForwardParents(target)
		ready := true

		for _, parent := range parents {
			if !rs.arrived[target][parent] {
				ready = false

				break
			}
		}

		if ready {
			delete(rs.arrived, target)
			acts = append(acts, &activation{nodeID: target, sources: dedupe(parents)})
		}
	}

	return outcomeContinue, acts
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	result := make([]string, 0, len(ids))

	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}

	return result
}

// conclude finishes the run after an end node or a cycle back to start. A cycle queues
// the next run unless a stop was requested.
func (rs *runState) conclude(ctx context.Context, result outcome) error {
	rs.halt(ctx, "run completed", true)

	if result == outcomeEnd {
		return rs.finish(ctx, models.RunStatusCompleted, "")
	}

	status, err := rs.refreshStatus(ctx)
	if err != nil {
		return err
	}

	if status == models.RunStatusStopping {
		return rs.finish(ctx, models.RunStatusStopped, "")
	}

	if err := rs.finish(ctx, models.RunStatusCompleted, ""); err != nil {
		return err
	}

	if rs.run.Status != models.RunStatusCompleted {
		return nil
	}

	next, err := rs.s.Submit(ctx, rs.run.FlowchartID, models.SubmitOptions{
		TriggeredBy: models.RunTriggerCycle,
		ParentRunID: rs.run.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to queue next cycle of run %s: %w", rs.run.ID, err)
	}

	rs.logger.InfoContext(ctx, "Cycle reached start, next run queued", "next_run_id", next.ID)

	return nil
}

func (rs *runState) failRun(ctx context.Context, message string) error {
	rs.halt(ctx, "run failed", true)

	return rs.finish(ctx, models.RunStatusFailed, message)
}

// finish moves the run to a terminal status. Losing the race to an operator is not an error.
func (rs *runState) finish(ctx context.Context, status models.RunStatus, message string) error {
	run, err := rs.s.store.RunRepository().UpdateStatus(ctx, rs.run.ID,
		[]models.RunStatus{models.RunStatusRunning, models.RunStatusStopping}, status, message, rs.s.now())
	if persistence.IsInvalidTransition(err) {
		rs.logger.WarnContext(ctx, "Run changed status concurrently", "wanted", status)
		rs.run.Status = ""

		return nil
	}

	if err != nil {
		return err
	}

	rs.run = run
	rs.s.metrics.RunFinished(string(status))

	if message != "" {
		rs.logger.InfoContext(ctx, "Run finished", "status", status, "message", message)
	} else {
		rs.logger.InfoContext(ctx, "Run finished", "status", status)
	}

	return nil
}

// halt cancels every running node and waits for it to return. With cancelRows set the
// run's remaining queued and running rows are canceled as well.
func (rs *runState) halt(ctx context.Context, reason string, cancelRows bool) {
	for _, cancel := range rs.inFlight {
		cancel()
	}

	for rs.running > 0 {
		rs.release(<-rs.results)
	}

	rs.pending = nil

	if !cancelRows {
		return
	}

	_, err := rs.s.store.NodeRunRepository().CancelNonTerminal(context.WithoutCancel(ctx), rs.run.ID, reason, rs.s.now())
	if err != nil {
		rs.logger.WarnContext(ctx, "Failed to cancel remaining node runs", "error", err)
	}
}

func (rs *runState) cancelPending(ctx context.Context, reason string) {
	now := rs.s.now()

	for _, act := range rs.pending {
		act.nodeRun.Status = models.NodeRunStatusCanceled
		act.nodeRun.Error = reason
		act.nodeRun.FinishedAt = &now

		if err := rs.s.store.NodeRunRepository().Update(ctx, act.nodeRun); err != nil && !persistence.IsInvalidTransition(err) {
			rs.logger.WarnContext(ctx, "Failed to cancel pending node", "node_id", act.nodeID, "error", err)
		}
	}

	rs.pending = nil
}

// abandon stops local work without touching persisted state, leaving the run to be
// resumed by whichever worker claims it next.
func (rs *runState) abandon(ctx context.Context, cause error) error {
	rs.halt(ctx, "", false)

	if cause == nil {
		cause = ctx.Err()
	}

	rs.logger.WarnContext(ctx, "Run abandoned", "error", cause)

	return cause
}

func (rs *runState) refreshStatus(ctx context.Context) (models.RunStatus, error) {
	run, err := rs.s.store.RunRepository().Get(ctx, rs.run.ID)
	if err != nil {
		return "", err
	}

	rs.run.Status = run.Status

	return run.Status, nil
}

// heartbeat renews the lease until stopped. Losing the lease cancels ctx.
func (rs *runState) heartbeat(ctx context.Context, cancel context.CancelCauseFunc) func() {
	ticker := rs.s.clock.NewTicker(rs.s.cfg.HeartbeatInterval)
	done := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				until := rs.s.now().Add(rs.s.cfg.LeaseDuration)

				err := rs.s.store.RunRepository().RenewLease(ctx, rs.run.ID, rs.s.cfg.WorkerID, until)
				if errors.Is(err, persistence.ErrLeaseLost) {
					rs.logger.WarnContext(ctx, "Run lease lost")
					cancel(err)

					return
				}

				if err != nil && !isCanceled(err) {
					rs.logger.WarnContext(ctx, "Failed to renew run lease", "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
