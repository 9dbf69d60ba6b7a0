package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func childTasks(completed, failed, active int) []*models.Task {
	var tasks []*models.Task

	add := func(n int, status models.TaskStatus) {
		for range n {
			tasks = append(tasks, &models.Task{ID: fmt.Sprintf("child-%d", len(tasks)), Status: status})
		}
	}

	add(completed, models.TaskStatusCompleted)
	add(failed, models.TaskStatusFailed)
	add(active, models.TaskStatusPending)

	return tasks
}

func batchForeach(expected int) *models.Task {
	return &models.Task{
		ID:            "loop",
		TaskType:      models.StepTypeForeach,
		Status:        models.TaskStatusWaiting,
		ForeachConfig: &models.ForeachSnapshot{ItemVariable: "item"},
		BatchCounters: &models.BatchCounters{ExpectedCount: expected, ReceivedCount: expected},
	}
}

func TestEvaluateJoin(t *testing.T) {
	t.Parallel()

	five := 5
	streamDone := batchForeach(0)
	streamDone.ForeachConfig.StreamComplete = true

	tests := []struct {
		name      string
		cfg       models.JoinSnapshot
		await     *models.Task
		children  []*models.Task
		satisfied bool
		met       bool
		expected  int
		required  int
	}{
		{
			name:     "80 percent of 10 with 7 succeeded waits",
			cfg:      models.JoinSnapshot{MinSuccessPercent: 80},
			await:    batchForeach(10),
			children: childTasks(7, 1, 2),
			expected: 10,
			required: 8,
		},
		{
			name:      "80 percent of 10 with 8 succeeded is met",
			cfg:       models.JoinSnapshot{MinSuccessPercent: 80},
			await:     batchForeach(10),
			children:  childTasks(8, 0, 2),
			satisfied: true,
			met:       true,
			expected:  10,
			required:  8,
		},
		{
			name:      "every child settled below threshold fails",
			cfg:       models.JoinSnapshot{MinSuccessPercent: 80},
			await:     batchForeach(10),
			children:  childTasks(7, 3, 0),
			satisfied: true,
			expected:  10,
			required:  8,
		},
		{
			name:      "required count rounds up",
			cfg:       models.JoinSnapshot{MinSuccessPercent: 50},
			await:     batchForeach(3),
			children:  childTasks(2, 0, 1),
			satisfied: true,
			met:       true,
			expected:  3,
			required:  2,
		},
		{
			name:     "join override beats the foreach counter",
			cfg:      models.JoinSnapshot{MinSuccessPercent: 100, ExpectedCount: &five},
			await:    batchForeach(3),
			children: childTasks(3, 0, 0),
			expected: 5,
			required: 5,
		},
		{
			name:     "streaming foreach without a total never settles",
			cfg:      models.JoinSnapshot{MinSuccessPercent: 100},
			await:    batchForeach(0),
			children: childTasks(4, 0, 0),
		},
		{
			name:      "finished stream counts its children",
			cfg:       models.JoinSnapshot{MinSuccessPercent: 100},
			await:     streamDone,
			children:  childTasks(4, 0, 0),
			satisfied: true,
			met:       true,
			expected:  4,
			required:  4,
		},
		{
			name:      "external task is its own single child",
			cfg:       models.JoinSnapshot{MinSuccessPercent: 100},
			await:     &models.Task{ID: "fetch", TaskType: models.StepTypeExternal, Status: models.TaskStatusCompleted},
			satisfied: true,
			met:       true,
			expected:  1,
			required:  1,
		},
		{
			name:     "external task still in progress",
			cfg:      models.JoinSnapshot{MinSuccessPercent: 100},
			await:    &models.Task{ID: "fetch", TaskType: models.StepTypeExternal, Status: models.TaskStatusInProgress},
			expected: 1,
			required: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			outcome := evaluateJoin(&tt.cfg, tt.await, tt.children)

			assert.Equal(t, tt.satisfied, outcome.Satisfied, "satisfied")
			assert.Equal(t, tt.met, outcome.Met, "met")
			assert.Equal(t, tt.expected, outcome.Expected, "expected")
			assert.Equal(t, tt.required, outcome.Required, "required")
		})
	}
}

func fanInWorkflow(boundary *models.JoinBoundary) *models.WorkflowDefinition {
	loop := &models.Step{
		ID:          "loop",
		Type:        models.StepTypeForeach,
		Config:      models.ForeachConfig{ItemsPath: "items", ItemVariable: "item"},
		Connections: connect("work"),
	}

	gather := &models.Step{
		ID:     "gather",
		Type:   models.StepTypeJoin,
		Config: models.JoinConfig{MinSuccessPercent: 80, InputPath: "score", Boundary: boundary},
	}

	return workflow("fanin", trigger("start", "loop"), loop, manual("work", "gather"), gather)
}

func numbers(n int) []any {
	items := make([]any, n)
	for i := range items {
		items[i] = i
	}

	return items
}

func TestRun_ForeachJoinAtThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fanInWorkflow(nil))
	run := h.start(t, "fanin", map[string]any{"items": numbers(10)})

	children := h.waitStepTasks(t, run.ID, "work", 10)
	loop := h.stepTasks(t, run.ID, "loop")[0]

	for _, child := range children {
		assert.Equal(t, loop.ID, child.ParentID)
	}

	for i, child := range children[:7] {
		h.settle(t, child.ID, models.TaskStatusCompleted, map[string]any{"score": i})
	}

	h.settle(t, children[7].ID, models.TaskStatusFailed, map[string]any{"error": "bounced"})

	h.waitTask(t, loop.ID, func(task *models.Task) bool {
		return task.BatchCounters != nil && task.BatchCounters.ProcessedCount == 7 && task.BatchCounters.FailedCount == 1
	})

	joins := h.waitStepTasks(t, run.ID, "gather", 1)
	assert.Equal(t, models.TaskStatusWaiting, joins[0].Status)
	assert.Equal(t, run.RootTaskID, joins[0].ParentID)
	require.NotNil(t, joins[0].JoinConfig)
	assert.Equal(t, loop.ID, joins[0].JoinConfig.AwaitTaskID)

	h.settle(t, children[8].ID, models.TaskStatusCompleted, map[string]any{"score": 8})

	done := h.waitRunStatus(t, run.ID, models.RunStatusCompleted)
	assert.Contains(t, done.OutputPayload, "gather")

	join := h.stepTasks(t, run.ID, "gather")[0]
	assert.Equal(t, models.TaskStatusCompleted, join.Status)
	assert.InDelta(t, 8, join.Metadata["successCount"], 0)
	assert.InDelta(t, 1, join.Metadata["failureCount"], 0)
	assert.InDelta(t, 8, join.Metadata["requiredSuccessCount"], 0)
	assert.Len(t, join.Metadata["results"], 8)

	loop = h.stepTasks(t, run.ID, "loop")[0]
	assert.Equal(t, models.TaskStatusCompleted, loop.Status)

	straggler, err := h.engine.getTask(t.Context(), children[9].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, straggler.Status)
}

func TestRun_ForeachWithoutJoin(t *testing.T) {
	t.Parallel()

	loop := &models.Step{
		ID:          "loop",
		Type:        models.StepTypeForeach,
		Config:      models.ForeachConfig{ItemsPath: "emails", ItemVariable: "email", MaxItems: 3},
		Connections: connect("send"),
	}

	h := newHarness(t, workflow("mailer", trigger("start", "loop"), loop, manual("send")))

	emails := []any{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io"}
	run := h.start(t, "mailer", map[string]any{"emails": emails})

	children := h.waitStepTasks(t, run.ID, "send", 3)
	task := h.stepTasks(t, run.ID, "loop")[0]

	require.NotNil(t, task.BatchCounters)
	assert.Equal(t, 3, task.BatchCounters.ExpectedCount)
	assert.Equal(t, 3, task.BatchCounters.ReceivedCount)
	assert.Equal(t, []string{"send"}, task.ForeachConfig.ChildStepIDs)

	var sent []any

	for _, child := range children {
		assert.Equal(t, task.ID, child.ParentID)

		input, ok := child.Metadata["input"].(map[string]any)
		require.True(t, ok)
		assert.InDelta(t, 3, input["_total"], 0)
		sent = append(sent, input["email"])
	}

	assert.ElementsMatch(t, emails[:3], sent)

	for _, child := range children {
		h.settle(t, child.ID, models.TaskStatusCompleted, nil)
	}

	h.waitRunStatus(t, run.ID, models.RunStatusCompleted)

	task = h.stepTasks(t, run.ID, "loop")[0]
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.InDelta(t, 3, task.Metadata["successCount"], 0)
}

func TestRun_ForeachChildrenIndexed(t *testing.T) {
	t.Parallel()

	emails := []any{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io"}

	tests := []struct {
		name     string
		maxItems int
		children int
	}{
		{name: "every item without a cap", maxItems: 0, children: 5},
		{name: "capped by maxItems", maxItems: 3, children: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			loop := &models.Step{
				ID:          "loop",
				Type:        models.StepTypeForeach,
				Config:      models.ForeachConfig{ItemsPath: "response.emails", ItemVariable: "email", MaxItems: tt.maxItems},
				Connections: connect("send"),
			}

			h := newHarness(t, workflow("mailer", trigger("start", "loop"), loop, manual("send")))
			run := h.start(t, "mailer", map[string]any{"response": map[string]any{"emails": emails}})

			children := h.waitStepTasks(t, run.ID, "send", tt.children)

			indexes := make([]int, 0, len(children))

			for _, child := range children {
				input, ok := child.Metadata["input"].(map[string]any)
				require.True(t, ok)

				index, ok := input["_index"].(float64)
				require.True(t, ok, "child %s has no _index", child.ID)
				indexes = append(indexes, int(index))

				assert.InDelta(t, tt.children, input["_total"], 0)
				assert.Equal(t, emails[int(index)], input["email"])
			}

			want := make([]int, tt.children)
			for i := range want {
				want[i] = i
			}

			assert.ElementsMatch(t, want, indexes)

			task := h.stepTasks(t, run.ID, "loop")[0]
			require.NotNil(t, task.BatchCounters)
			assert.Equal(t, tt.children, task.BatchCounters.ExpectedCount)
		})
	}
}

func TestRun_ForeachExternalChildrenShareOneJoin(t *testing.T) {
	t.Parallel()

	server := acceptingServer(t)

	loop := &models.Step{
		ID:          "loop",
		Type:        models.StepTypeForeach,
		Config:      models.ForeachConfig{ItemsPath: "items", ItemVariable: "item"},
		Connections: connect("notify"),
	}

	gather := &models.Step{
		ID:     "gather",
		Type:   models.StepTypeJoin,
		Config: models.JoinConfig{MinSuccessPercent: 100},
	}

	h := newHarness(t, workflow("notify", trigger("start", "loop"), loop, externalStep("notify", server.URL, "gather"), gather))
	run := h.start(t, "notify", map[string]any{"items": numbers(5)})

	children := h.waitStepTasks(t, run.ID, "notify", 5)
	foreach := h.stepTasks(t, run.ID, "loop")[0]

	for _, child := range children {
		h.waitTask(t, child.ID, func(task *models.Task) bool {
			return task.Status == models.TaskStatusInProgress
		})
	}

	h.settle(t, children[0].ID, models.TaskStatusCompleted, nil)

	join := h.waitStepTasks(t, run.ID, "gather", 1)[0]
	join = h.waitTask(t, join.ID, func(task *models.Task) bool { return task.JoinConfig != nil })
	assert.Equal(t, foreach.ID, join.JoinConfig.AwaitTaskID)

	h.settle(t, children[3].ID, models.TaskStatusCompleted, nil)

	h.waitTask(t, foreach.ID, func(task *models.Task) bool {
		return task.BatchCounters != nil && task.BatchCounters.ProcessedCount == 2
	})

	joins := h.stepTasks(t, run.ID, "gather")
	require.Len(t, joins, 1)
	assert.Equal(t, models.TaskStatusWaiting, joins[0].Status)

	current, err := h.engine.GetWorkflowRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, current.Status)

	for _, i := range []int{1, 2, 4} {
		h.settle(t, children[i].ID, models.TaskStatusCompleted, nil)
	}

	h.waitRunStatus(t, run.ID, models.RunStatusCompleted)

	joins = h.stepTasks(t, run.ID, "gather")
	require.Len(t, joins, 1)
	assert.Equal(t, models.TaskStatusCompleted, joins[0].Status)
	assert.InDelta(t, 5, joins[0].Metadata["successCount"], 0)
}

func TestSweepExpiredJoins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		onTimeout models.JoinTimeoutAction
		join      models.TaskStatus
		run       models.RunStatus
	}{
		{name: "proceed completes with what succeeded", onTimeout: models.JoinTimeoutProceed, join: models.TaskStatusCompleted, run: models.RunStatusCompleted},
		{name: "fail below threshold fails the run", onTimeout: models.JoinTimeoutFail, join: models.TaskStatusFailed, run: models.RunStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, fanInWorkflow(&models.JoinBoundary{TimeoutSeconds: 60, OnTimeout: tt.onTimeout}))
			run := h.start(t, "fanin", map[string]any{"items": numbers(3)})

			children := h.waitStepTasks(t, run.ID, "work", 3)
			h.settle(t, children[0].ID, models.TaskStatusCompleted, map[string]any{"score": 1})

			join := h.waitStepTasks(t, run.ID, "gather", 1)[0]
			join = h.waitTask(t, join.ID, func(task *models.Task) bool {
				return task.JoinConfig != nil && task.JoinConfig.DeadlineAt != nil
			})

			swept, err := h.engine.SweepExpiredJoins(t.Context())
			require.NoError(t, err)
			assert.Zero(t, swept, "deadline not reached yet")

			h.clock.Advance(2 * time.Minute)

			swept, err = h.engine.SweepExpiredJoins(t.Context())
			require.NoError(t, err)
			assert.Equal(t, 1, swept)

			join, err = h.engine.getTask(t.Context(), join.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.join, join.Status)
			assert.Contains(t, join.Metadata["reason"], "deadline passed")

			h.waitRunStatus(t, run.ID, tt.run)
		})
	}
}

func TestRerunJoin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fanInWorkflow(nil))
	run := h.start(t, "fanin", map[string]any{"items": numbers(1)})

	child := h.waitStepTasks(t, run.ID, "work", 1)[0]
	h.settle(t, child.ID, models.TaskStatusCompleted, map[string]any{"score": 3})
	h.waitRunStatus(t, run.ID, models.RunStatusCompleted)

	join := h.stepTasks(t, run.ID, "gather")[0]
	require.Equal(t, models.TaskStatusCompleted, join.Status)

	satisfied, err := h.engine.RerunJoin(t.Context(), run.ID, join.ID)
	require.NoError(t, err)
	assert.True(t, satisfied)

	rerun, err := h.engine.getTask(t.Context(), join.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, rerun.Status)
	assert.True(t, rerun.UpdatedAt.After(join.UpdatedAt))
	assert.Equal(t, []any{float64(3)}, rerun.Metadata["results"])

	_, err = h.engine.RerunJoin(t.Context(), run.ID, child.ID)
	assert.ErrorIs(t, err, ErrNotJoinTask)

	_, err = h.engine.RerunJoin(t.Context(), "other-run", join.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = h.engine.RerunJoin(t.Context(), run.ID, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
