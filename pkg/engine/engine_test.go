package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/taskflow/pkg/channels/gochannel"
	"github.com/dukex/taskflow/pkg/definitions"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type staticSource map[string]*models.WorkflowDefinition

func (s staticSource) Get(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	def, ok := s[id]
	if !ok {
		return nil, definitions.ErrDefinitionNotFound
	}

	return def, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	store  *memory.Store
	clock  *testClock
}

func newHarness(t *testing.T, defs ...*models.WorkflowDefinition) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(logger, pub, sub)

	source := staticSource{}
	for _, def := range defs {
		source[def.ID] = def
	}

	h := &harness{
		store: memory.NewStore(),
		clock: &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	h.engine = New(h.store, source, bus,
		WithLogger(logger),
		WithClock(h.clock.Now),
		WithConfig(Config{CallbackBaseURL: "http://taskflow.test", MaxParallel: 4}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.engine.Start(ctx))

	t.Cleanup(func() {
		h.engine.Wait()
		cancel()
		_ = bus.Close()
	})

	return h
}

func (h *harness) start(t *testing.T, workflowID string, input map[string]any) *models.WorkflowRun {
	t.Helper()

	run, err := h.engine.StartWorkflow(t.Context(), StartRequest{WorkflowID: workflowID, InputPayload: input})
	require.NoError(t, err)

	return run
}

func (h *harness) stepTasks(t *testing.T, runID, stepID string) []*models.Task {
	t.Helper()

	tasks, err := h.engine.findTasks(t.Context(), persistence.Query{
		Filter: persistence.Filter{"workflowRunId": runID, "workflowStepId": stepID},
		SortBy: "createdAt",
	})
	require.NoError(t, err)

	return tasks
}

func (h *harness) waitStepTasks(t *testing.T, runID, stepID string, n int) []*models.Task {
	t.Helper()

	var tasks []*models.Task

	require.Eventually(t, func() bool {
		tasks = h.stepTasks(t, runID, stepID)

		return len(tasks) == n
	}, waitFor, tick, "expected %d tasks for step %s", n, stepID)

	return tasks
}

func (h *harness) waitTask(t *testing.T, taskID string, ready func(*models.Task) bool) *models.Task {
	t.Helper()

	var task *models.Task

	require.Eventually(t, func() bool {
		var err error

		task, err = h.engine.getTask(t.Context(), taskID)

		return err == nil && ready(task)
	}, waitFor, tick)

	return task
}

func (h *harness) waitRunStatus(t *testing.T, runID string, status models.RunStatus) *models.WorkflowRun {
	t.Helper()

	var run *models.WorkflowRun

	require.Eventually(t, func() bool {
		var err error

		run, err = h.engine.GetWorkflowRun(t.Context(), runID)

		return err == nil && run.Status == status
	}, waitFor, tick, "run %s never reached %s", runID, status)

	return run
}

func (h *harness) settle(t *testing.T, taskID string, status models.TaskStatus, output map[string]any) {
	t.Helper()

	_, err := h.engine.UpdateTaskStatus(t.Context(), taskID, status, output)
	require.NoError(t, err)
}

func trigger(id string, next ...string) *models.Step {
	return &models.Step{ID: id, Name: id, Type: models.StepTypeTrigger, Config: models.TriggerConfig{}, Connections: connect(next...)}
}

func manual(id string, next ...string) *models.Step {
	return &models.Step{
		ID:          id,
		Name:        id,
		Type:        models.StepTypeManual,
		Config:      models.HumanConfig{Kind: models.StepTypeManual},
		Connections: connect(next...),
	}
}

func connect(targets ...string) []*models.Connection {
	conns := make([]*models.Connection, 0, len(targets))
	for _, target := range targets {
		conns = append(conns, &models.Connection{TargetStepID: target})
	}

	return conns
}

func workflow(id string, steps ...*models.Step) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{ID: id, Name: id, IsActive: true, Steps: steps}
}

func TestStartWorkflow_Validation(t *testing.T) {
	t.Parallel()

	inactive := workflow("inactive", trigger("start"))
	inactive.IsActive = false

	h := newHarness(t, inactive, workflow("empty"))

	tests := []struct {
		name       string
		workflowID string
		check      func(error) bool
		sentinel   error
	}{
		{name: "unknown definition", workflowID: "missing", check: IsNotFoundError, sentinel: ErrWorkflowNotFound},
		{name: "inactive definition", workflowID: "inactive", check: IsValidationError, sentinel: ErrWorkflowInactive},
		{name: "definition without steps", workflowID: "empty", check: IsValidationError, sentinel: ErrWorkflowHasNoSteps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.StartWorkflow(t.Context(), StartRequest{WorkflowID: tt.workflowID})
			require.Error(t, err)
			assert.True(t, tt.check(err))
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}

	runs, err := h.store.Find(t.Context(), persistence.CollectionWorkflowRuns, persistence.Query{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStartWorkflow_CreatesRootTask(t *testing.T) {
	t.Parallel()

	def := workflow("intake", trigger("start", "review"), manual("review"))
	def.RootTaskTitleTemplate = "Lead {{input.email}}"

	h := newHarness(t, def)

	run, err := h.engine.StartWorkflow(t.Context(), StartRequest{
		WorkflowID:   "intake",
		InputPayload: map[string]any{"email": "ann@example.com"},
		TaskDefaults: map[string]any{"assigneeId": "user-7"},
		ActorID:      "user-1",
		ActorType:    "user",
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.NotEmpty(t, run.CallbackSecret)
	assert.Equal(t, "user-1", run.ActorID)

	root, err := h.engine.getTask(t.Context(), run.RootTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTypeWorkflow, root.TaskType)
	assert.Equal(t, "Lead ann@example.com", root.Title)
	assert.Empty(t, root.WorkflowStepID)
	assert.Equal(t, models.TaskStatusInProgress, root.Status)

	start := h.stepTasks(t, run.ID, "start")
	require.Len(t, start, 1)
	assert.Equal(t, models.TaskStatusCompleted, start[0].Status)
	assert.Equal(t, "ann@example.com", start[0].Metadata["email"])

	review := h.waitStepTasks(t, run.ID, "review", 1)[0]
	assert.Equal(t, models.TaskStatusPending, review.Status)
	assert.Equal(t, run.RootTaskID, review.ParentID)
	assert.Equal(t, "user-7", review.AssigneeID)
}

func TestRun_WebhookThenCompletes(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received map[string]any
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		_ = json.NewDecoder(r.Body).Decode(&received)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	t.Cleanup(server.Close)

	notify := &models.Step{
		ID:   "notify",
		Name: "Notify CRM",
		Type: models.StepTypeWebhook,
		Config: models.CallConfig{
			Kind:   models.StepTypeWebhook,
			URL:    server.URL + "/leads",
			Method: http.MethodPost,
			Mode:   models.CallModeComplete,
			Body:   map[string]any{"lead": "{{email}}", "run": "{{runId}}"},
		},
	}

	h := newHarness(t, workflow("notify", trigger("start", "notify"), notify))
	run := h.start(t, "notify", map[string]any{"email": "ann@example.com"})

	done := h.waitRunStatus(t, run.ID, models.RunStatusCompleted)
	require.NotNil(t, done.CompletedAt)
	assert.Contains(t, done.OutputPayload, "start")
	require.Contains(t, done.OutputPayload, "notify")

	output, ok := done.OutputPayload["notify"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"status": float64(200), "body": map[string]any{"accepted": true}}, output["response"])

	mu.Lock()
	assert.Equal(t, map[string]any{"lead": "ann@example.com", "run": run.ID}, received)
	mu.Unlock()

	task := h.stepTasks(t, run.ID, "notify")[0]
	require.NotNil(t, task.WebhookConfig)
	require.Len(t, task.WebhookConfig.Attempts, 1)
	assert.Equal(t, models.AttemptStatusSuccess, task.WebhookConfig.Attempts[0].Status)
	assert.Equal(t, server.URL+"/leads", task.WebhookConfig.URL)

	root := h.waitTask(t, run.RootTaskID, func(task *models.Task) bool { return task.Status.IsTerminal() })
	assert.Equal(t, models.TaskStatusCompleted, root.Status)
	assert.Empty(t, done.CurrentStepIDs)
	assert.ElementsMatch(t, []string{"start", "notify"}, done.CompletedStepIDs)
}

func TestRun_FailedWebhookFailsRun(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	t.Cleanup(server.Close)

	notify := &models.Step{
		ID:     "notify",
		Type:   models.StepTypeWebhook,
		Config: models.CallConfig{Kind: models.StepTypeWebhook, URL: server.URL, Method: http.MethodPost, Mode: models.CallModeComplete},
	}

	h := newHarness(t, workflow("notify", trigger("start", "notify"), notify, manual("after")))
	run := h.start(t, "notify", nil)

	failed := h.waitRunStatus(t, run.ID, models.RunStatusFailed)
	assert.Equal(t, "notify", failed.FailedStepID)
	assert.Contains(t, failed.Error, "notify")
	assert.Empty(t, h.stepTasks(t, run.ID, "after"))

	root := h.waitTask(t, run.RootTaskID, func(task *models.Task) bool { return task.Status.IsTerminal() })
	assert.Equal(t, models.TaskStatusFailed, root.Status)
}

func TestRun_DecisionRoutes(t *testing.T) {
	t.Parallel()

	route := &models.Step{
		ID:                "route",
		Type:              models.StepTypeDecision,
		Config:            models.DecisionConfig{},
		Connections:       []*models.Connection{{TargetStepID: "sales", Condition: "type:sales", Label: "Sales"}},
		DefaultConnection: "support",
	}

	def := workflow("triage", trigger("start", "route"), route, manual("support"), manual("sales"))

	tests := []struct {
		name    string
		input   map[string]any
		target  string
		skipped string
		reason  string
	}{
		{name: "matching condition", input: map[string]any{"type": "sales"}, target: "sales", skipped: "support", reason: "condition matched"},
		{name: "default connection", input: map[string]any{"type": "billing"}, target: "support", skipped: "sales", reason: "default connection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, def)
			run := h.start(t, "triage", tt.input)

			target := h.waitStepTasks(t, run.ID, tt.target, 1)[0]
			decision := h.stepTasks(t, run.ID, "route")[0]

			assert.Equal(t, models.TaskStatusCompleted, decision.Status)
			require.NotNil(t, decision.DecisionResult)
			assert.Equal(t, tt.target, decision.DecisionResult.TargetStepID)
			assert.Equal(t, tt.reason, decision.DecisionResult.Reason)
			assert.Equal(t, decision.ID, target.ParentID)
			assert.Empty(t, h.stepTasks(t, run.ID, tt.skipped))
		})
	}
}

func TestRun_DecisionWithoutRouteFailsRun(t *testing.T) {
	t.Parallel()

	route := &models.Step{
		ID:          "route",
		Type:        models.StepTypeDecision,
		Config:      models.DecisionConfig{},
		Connections: []*models.Connection{{TargetStepID: "sales", Condition: "type:sales"}},
	}

	h := newHarness(t, workflow("triage", trigger("start", "route"), route, manual("sales")))
	run := h.start(t, "triage", map[string]any{"type": "other"})

	failed := h.waitRunStatus(t, run.ID, models.RunStatusFailed)
	assert.Equal(t, "route", failed.FailedStepID)

	decision := h.stepTasks(t, run.ID, "route")[0]
	assert.Equal(t, models.TaskStatusFailed, decision.Status)
	require.NotNil(t, decision.DecisionResult)
	assert.Equal(t, "no route", decision.DecisionResult.Reason)
	assert.NotEmpty(t, decision.Metadata["error"])
}

func TestRun_FanOutWaitsForEveryBranch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workflow("fanout", trigger("start", "legal", "finance"), manual("legal"), manual("finance")))
	run := h.start(t, "fanout", nil)

	legal := h.waitStepTasks(t, run.ID, "legal", 1)[0]
	finance := h.waitStepTasks(t, run.ID, "finance", 1)[0]

	assert.Equal(t, run.RootTaskID, legal.ParentID)
	assert.Equal(t, run.RootTaskID, finance.ParentID)

	h.settle(t, legal.ID, models.TaskStatusCompleted, map[string]any{"approved": true})

	h.waitTask(t, legal.ID, func(task *models.Task) bool { return task.Status == models.TaskStatusCompleted })

	// The legal branch ends, but finance is still active.
	require.Never(t, func() bool {
		current, err := h.engine.GetWorkflowRun(t.Context(), run.ID)

		return err != nil || current.Status != models.RunStatusRunning
	}, 200*time.Millisecond, tick)

	h.settle(t, finance.ID, models.TaskStatusCompleted, nil)

	done := h.waitRunStatus(t, run.ID, models.RunStatusCompleted)
	legalOutput, ok := done.OutputPayload["legal"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, legalOutput["approved"])
}

func TestRun_ConditionalConnectionsAndInputPath(t *testing.T) {
	t.Parallel()

	start := trigger("start")
	start.Connections = []*models.Connection{
		{TargetStepID: "vip", Condition: "expr:score >= 90"},
		{TargetStepID: "standard", Condition: "expr:score < 90"},
	}

	vip := manual("vip")
	vip.InputPath = "contact"

	h := newHarness(t, workflow("scoring", start, vip, manual("standard")))
	run := h.start(t, "scoring", map[string]any{"score": 95, "contact": map[string]any{"name": "Ann"}})

	task := h.waitStepTasks(t, run.ID, "vip", 1)[0]
	assert.Equal(t, map[string]any{"name": "Ann"}, task.Metadata["input"])
	assert.Empty(t, h.stepTasks(t, run.ID, "standard"))
}

func TestRun_FlowStepWaitsForStatusHook(t *testing.T) {
	t.Parallel()

	flow := &models.Step{ID: "nested", Type: models.StepTypeFlow, Config: models.FlowConfig{WorkflowID: "child-flow"}}

	h := newHarness(t, workflow("parent", trigger("start", "nested"), flow))
	run := h.start(t, "parent", nil)

	task := h.waitStepTasks(t, run.ID, "nested", 1)[0]
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, "child-flow", task.Metadata["flowWorkflowId"])

	h.settle(t, task.ID, models.TaskStatusCompleted, map[string]any{"childRunId": "run-x"})
	h.waitRunStatus(t, run.ID, models.RunStatusCompleted)
}

func TestCancelWorkflowRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workflow("intake", trigger("start", "review"), manual("review")))
	run := h.start(t, "intake", nil)

	review := h.waitStepTasks(t, run.ID, "review", 1)[0]

	cancelled, err := h.engine.CancelWorkflowRun(t.Context(), run.ID, Actor{ID: "ops-1", Type: "user"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)
	assert.Equal(t, "ops-1", cancelled.ActorID)

	review, err = h.engine.getTask(t.Context(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, review.Status)

	_, err = h.engine.CancelWorkflowRun(t.Context(), run.ID, Actor{})
	assert.ErrorIs(t, err, ErrRunNotRunning)
	assert.True(t, IsConflictError(err))

	_, err = h.engine.CancelWorkflowRun(t.Context(), "missing", Actor{})
	assert.True(t, IsNotFoundError(err))
}

func TestUpdateTaskStatus_Rejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workflow("intake", trigger("start", "review"), manual("review")))
	run := h.start(t, "intake", nil)
	start := h.stepTasks(t, run.ID, "start")[0]

	_, err := h.engine.UpdateTaskStatus(t.Context(), start.ID, models.TaskStatus("bogus"), nil)
	assert.ErrorIs(t, err, ErrInvalidTaskStatus)
	assert.True(t, IsValidationError(err))

	_, err = h.engine.UpdateTaskStatus(t.Context(), start.ID, models.TaskStatusFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, IsConflictError(err))

	_, err = h.engine.UpdateTaskStatus(t.Context(), "missing", models.TaskStatusCompleted, nil)
	assert.True(t, IsNotFoundError(err))
}

func TestRunTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workflow("intake", trigger("start", "review"), manual("review")))
	run := h.start(t, "intake", nil)
	h.waitStepTasks(t, run.ID, "review", 1)

	tasks, err := h.engine.RunTasks(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, run.RootTaskID, tasks[0].ID)
	assert.Equal(t, "start", tasks[1].WorkflowStepID)
	assert.Equal(t, "review", tasks[2].WorkflowStepID)

	_, err = h.engine.RunTasks(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestHandleTaskEvent_SkipsDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workflow("intake", trigger("start", "review"), manual("review")))
	run := h.start(t, "intake", nil)
	h.waitStepTasks(t, run.ID, "review", 1)

	start := h.stepTasks(t, run.ID, "start")[0]
	event := &events.TaskStatusChanged{
		TaskID:         start.ID,
		WorkflowRunID:  run.ID,
		WorkflowStepID: "start",
		Status:         start.Status,
		UpdatedAt:      start.UpdatedAt,
	}

	require.NoError(t, h.engine.HandleTaskEvent(t.Context(), event))
	require.NoError(t, h.engine.HandleTaskEvent(t.Context(), event))

	assert.Len(t, h.stepTasks(t, run.ID, "review"), 1)
}
