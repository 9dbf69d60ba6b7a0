// Package engine drives workflow runs: it materializes steps as tasks, reacts to
// task status events, fans items out and back in, and accepts external callbacks.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/taskflow/pkg/dedup"
	"github.com/dukex/taskflow/pkg/definitions"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/outbound"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/template"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dukex/taskflow/pkg/engine"

// Engine is the workflow execution engine. It is safe for concurrent use.
type Engine struct {
	store       persistence.DocumentStore
	definitions definitions.Source
	bus         eventbus.EventBus
	dedup       dedup.Deduplicator
	caller      *outbound.Caller
	config      Config
	logger      *slog.Logger
	tracer      trace.Tracer
	locks       *keyedMutex
	background  sync.WaitGroup
	now         func() time.Time

	stampMu   sync.Mutex
	lastStamp time.Time
}

func New(store persistence.DocumentStore, source definitions.Source, bus eventbus.EventBus, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		definitions: source,
		bus:         bus,
		config:      DefaultConfig(),
		logger:      slog.Default().With("module", "engine"),
		tracer:      otel.Tracer(tracerName),
		locks:       newKeyedMutex(),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.dedup == nil {
		e.dedup = dedup.NewMemory()
	}

	if e.caller == nil {
		e.caller = outbound.NewCaller(e.logger)
	}

	return e
}

// Start registers the advancement controller on the event bus and starts
// consuming events.
func (e *Engine) Start(ctx context.Context) error {
	handler := func(ctx context.Context, event any) error {
		changed, ok := event.(*events.TaskStatusChanged)
		if !ok {
			return nil
		}

		if err := e.HandleTaskEvent(ctx, changed); err != nil {
			e.logger.ErrorContext(ctx, "Failed to advance run",
				"workflow_run_id", changed.WorkflowRunID, "task_id", changed.TaskID, "error", err)
		}

		return nil
	}

	for _, eventType := range []events.EventType{events.TaskCompletedEvent, events.TaskFailedEvent} {
		if err := e.bus.Handle(eventType, handler); err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", eventType, err)
		}
	}

	if err := e.bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	e.logger.InfoContext(ctx, "Engine started")

	return nil
}

// Wait blocks until background outbound calls have finished.
func (e *Engine) Wait() {
	e.background.Wait()
}

// Deduplicator returns the advancement dedup store.
func (e *Engine) Deduplicator() dedup.Deduplicator {
	return e.dedup
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// StartRequest starts one run of a workflow definition.
type StartRequest struct {
	WorkflowID   string
	InputPayload map[string]any
	TaskDefaults map[string]any
	ActorID      string
	ActorType    string
}

// Actor identifies who triggered an operation.
type Actor struct {
	ID   string
	Type string
}

// StartWorkflow creates the run and its root task, then executes the first step.
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (*models.WorkflowRun, error) {
	ctx, span := e.tracer.Start(ctx, "engine.start_workflow",
		trace.WithAttributes(attribute.String(otelhelper.WorkflowIDKey, req.WorkflowID)))
	defer span.End()

	def, err := e.definitions.Get(ctx, req.WorkflowID)
	if err != nil {
		if errors.Is(err, definitions.ErrDefinitionNotFound) {
			return nil, newError("StartWorkflow", req.WorkflowID, ErrWorkflowNotFound)
		}

		return nil, newError("StartWorkflow", req.WorkflowID, err)
	}

	if !def.IsActive {
		return nil, newError("StartWorkflow", req.WorkflowID, ErrWorkflowInactive)
	}

	if len(def.Steps) == 0 {
		return nil, newError("StartWorkflow", req.WorkflowID, ErrWorkflowHasNoSteps)
	}

	input := req.InputPayload
	if input == nil {
		input = map[string]any{}
	}

	now := e.stamp()
	run := &models.WorkflowRun{
		ID:               uuid.NewString(),
		WorkflowID:       def.ID,
		Status:           models.RunStatusRunning,
		CurrentStepIDs:   []string{},
		CompletedStepIDs: []string{},
		CallbackSecret:   newSecret(),
		InputPayload:     input,
		TaskDefaults:     req.TaskDefaults,
		ActorID:          req.ActorID,
		ActorType:        req.ActorType,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	title := def.Name
	if def.RootTaskTitleTemplate != "" {
		title = template.Resolve(def.RootTaskTitleTemplate, template.Context{
			RunID:      run.ID,
			WorkflowID: def.ID,
			Input:      input,
		})
	}

	root := &models.Task{
		ID:            uuid.NewString(),
		Title:         title,
		Status:        models.TaskStatusInProgress,
		TaskType:      models.TaskTypeWorkflow,
		WorkflowRunID: run.ID,
		AssigneeID:    stringDefault(req.TaskDefaults, "assigneeId"),
		Metadata:      map[string]any{"input": input},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	run.RootTaskID = root.ID

	if err := persistence.InsertAs(ctx, e.store, persistence.CollectionTasks, root); err != nil {
		return nil, fmt.Errorf("failed to create root task: %w", err)
	}

	if err := persistence.InsertAs(ctx, e.store, persistence.CollectionWorkflowRuns, run); err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}

	logger := e.logger.With("workflow_run_id", run.ID, "workflow_id", def.ID)
	logger.InfoContext(ctx, "Workflow run started")

	e.publishRunEvent(ctx, events.WorkflowRunStartedEvent, run, nil)

	first := def.Steps[0]
	if _, err := e.Execute(ctx, run, def, first, root, input); err != nil {
		logger.ErrorContext(ctx, "Failed to execute first step", "step_id", first.ID, "error", err)
		e.failRun(ctx, run.ID, first.ID, "", err.Error())

		return nil, fmt.Errorf("failed to execute first step %s: %w", first.ID, err)
	}

	return e.getRun(ctx, run.ID)
}

// GetWorkflowRun returns the current state of a run.
func (e *Engine) GetWorkflowRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return e.getRun(ctx, runID)
}

// RunTasks returns every task of a run in creation order.
func (e *Engine) RunTasks(ctx context.Context, runID string) ([]*models.Task, error) {
	if _, err := e.getRun(ctx, runID); err != nil {
		return nil, err
	}

	return e.findTasks(ctx, persistence.Query{
		Filter: persistence.Filter{"workflowRunId": runID},
		SortBy: "createdAt",
	})
}

// CancelWorkflowRun stops a running run and cancels its active tasks.
// In-flight outbound calls are not aborted.
func (e *Engine) CancelWorkflowRun(ctx context.Context, runID string, actor Actor) (*models.WorkflowRun, error) {
	ctx, span := e.tracer.Start(ctx, "engine.cancel_workflow_run",
		trace.WithAttributes(attribute.String(otelhelper.RunIDKey, runID)))
	defer span.End()

	if _, err := e.getRun(ctx, runID); err != nil {
		return nil, err
	}

	now := e.stamp()
	set := map[string]any{
		"status":         models.RunStatusCancelled,
		"updatedAt":      now,
		"completedAt":    now,
		"currentStepIds": []string{},
	}

	if actor.ID != "" {
		set["actorId"] = actor.ID
		set["actorType"] = actor.Type
	}

	run, err := persistence.UpdateAs[models.WorkflowRun](ctx, e.store, persistence.CollectionWorkflowRuns, runID,
		persistence.Filter{"status": models.RunStatusRunning}, persistence.Patch{Set: set})
	if err != nil {
		if persistence.IsConditionFailed(err) {
			return nil, newError("CancelWorkflowRun", runID, ErrRunNotRunning)
		}

		return nil, err
	}

	tasks, err := e.findTasks(ctx, persistence.Query{Filter: persistence.Filter{
		"workflowRunId": runID,
		"status":        statusIn(models.ActiveTaskStatuses...),
	}})
	if err != nil {
		return nil, err
	}

	for _, task := range tasks {
		cancelled, err := persistence.UpdateAs[models.Task](ctx, e.store, persistence.CollectionTasks, task.ID,
			persistence.Filter{"status": statusIn(models.ActiveTaskStatuses...)},
			persistence.Patch{Set: map[string]any{
				"status":      models.TaskStatusCancelled,
				"updatedAt":   e.stamp(),
				"completedAt": now,
			}})
		if persistence.IsConditionFailed(err) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to cancel task %s: %w", task.ID, err)
		}

		e.publishTaskStatus(ctx, cancelled)
	}

	e.logger.InfoContext(ctx, "Workflow run cancelled", "workflow_run_id", runID, "cancelled_tasks", len(tasks))
	e.publishRunEvent(ctx, events.WorkflowRunCancelledEvent, run, func(event *events.WorkflowRunEvent) {
		event.ActorID = actor.ID
		event.ActorType = actor.Type
	})

	return run, nil
}

// UpdateTaskStatus applies a status change made outside the engine, such as a
// person completing a manual task, and merges output into the task metadata.
func (e *Engine) UpdateTaskStatus(
	ctx context.Context,
	taskID string,
	status models.TaskStatus,
	output map[string]any,
) (*models.Task, error) {
	if !status.IsValid() {
		return nil, newError("UpdateTaskStatus", taskID, fmt.Errorf("%w: %q", ErrInvalidTaskStatus, status))
	}

	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if !models.CanTransition(task.Status, status) {
		return nil, newError("UpdateTaskStatus", taskID,
			fmt.Errorf("%w: %s to %s", ErrInvalidTransition, task.Status, status))
	}

	set := map[string]any{}
	for key, value := range output {
		set["metadata."+key] = value
	}

	updated, changed, err := e.transition(ctx, task, status, set)
	if err != nil {
		return nil, err
	}

	if !changed {
		return nil, newError("UpdateTaskStatus", taskID,
			fmt.Errorf("%w: task changed concurrently", ErrInvalidTransition))
	}

	return updated, nil
}

// stamp returns a strictly increasing UTC timestamp so creation order is total.
func (e *Engine) stamp() time.Time {
	e.stampMu.Lock()
	defer e.stampMu.Unlock()

	now := e.now().UTC()
	if !now.After(e.lastStamp) {
		now = e.lastStamp.Add(time.Microsecond)
	}

	e.lastStamp = now

	return now
}

func newSecret() string {
	return rand.Text()
}

func stringDefault(values map[string]any, key string) string {
	value, _ := values[key].(string)

	return value
}
