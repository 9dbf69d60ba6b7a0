package persistence_test

import (
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatch(t *testing.T) {
	t.Parallel()

	doc := persistence.Document{
		"id":     "task-1",
		"status": "waiting",
		"batchCounters": map[string]any{
			"receivedCount": float64(2),
		},
		"completedStepIds": []any{"a"},
		"currentStepIds":   []any{"a", "b"},
	}

	err := persistence.ApplyPatch(doc, persistence.Patch{
		Set:      map[string]any{"status": models.TaskStatusCompleted, "metadata.results": []string{"x"}},
		Inc:      map[string]int64{"batchCounters.receivedCount": 3, "batchCounters.failedCount": 1},
		Push:     map[string]any{"callbackRequests": map[string]any{"id": "cb-1"}},
		AddToSet: map[string]any{"completedStepIds": persistence.Each{"a", "b"}},
		Pull:     map[string]any{"currentStepIds": "a"},
		Unset:    []string{"missing.path"},
	})
	require.NoError(t, err)

	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, map[string]any{"results": []any{"x"}}, doc["metadata"])
	assert.Equal(t, float64(5), doc["batchCounters"].(map[string]any)["receivedCount"])
	assert.Equal(t, float64(1), doc["batchCounters"].(map[string]any)["failedCount"])
	assert.Equal(t, []any{map[string]any{"id": "cb-1"}}, doc["callbackRequests"])
	assert.Equal(t, []any{"a", "b"}, doc["completedStepIds"])
	assert.Equal(t, []any{"b"}, doc["currentStepIds"])
}

func TestApplyPatch_TypeErrors(t *testing.T) {
	t.Parallel()

	doc := persistence.Document{"id": "x", "status": "pending", "list": "nope"}

	err := persistence.ApplyPatch(doc, persistence.Patch{Inc: map[string]int64{"status": 1}})
	assert.ErrorIs(t, err, persistence.ErrInvalidDocument)

	err = persistence.ApplyPatch(doc, persistence.Patch{Push: map[string]any{"list": 1}})
	assert.ErrorIs(t, err, persistence.ErrInvalidDocument)

	err = persistence.ApplyPatch(doc, persistence.Patch{Set: map[string]any{"status.nested": 1}})
	assert.ErrorIs(t, err, persistence.ErrInvalidDocument)
}

func TestMatch(t *testing.T) {
	t.Parallel()

	doc := persistence.Document{
		"id":             "task-1",
		"status":         "waiting",
		"workflowRunId":  "run-1",
		"batchCounters":  map[string]any{"expectedCount": float64(3)},
		"workflowStepId": "loop",
	}

	tests := []struct {
		name   string
		filter persistence.Filter
		want   bool
	}{
		{name: "empty", filter: nil, want: true},
		{name: "equality", filter: persistence.Filter{"status": "waiting", "workflowRunId": "run-1"}, want: true},
		{name: "typed string", filter: persistence.Filter{"status": models.TaskStatusWaiting}, want: true},
		{name: "mismatch", filter: persistence.Filter{"status": "completed"}, want: false},
		{name: "in", filter: persistence.Filter{"status": persistence.In{models.TaskStatusWaiting, models.TaskStatusInProgress}}, want: true},
		{name: "in mismatch", filter: persistence.Filter{"status": persistence.In{"completed"}}, want: false},
		{name: "nested number", filter: persistence.Filter{"batchCounters.expectedCount": 3}, want: true},
		{name: "nil matches missing", filter: persistence.Filter{"parentId": nil}, want: true},
		{name: "nil rejects present", filter: persistence.Filter{"status": nil}, want: false},
		{name: "missing field", filter: persistence.Filter{"parentId": "root"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, persistence.Match(doc, tt.filter))
		})
	}
}

func TestApplyQuery(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	docs := []persistence.Document{}
	for i, offset := range []time.Duration{100 * time.Millisecond, 120 * time.Millisecond, 0} {
		doc, err := persistence.Encode(models.Task{
			ID:            []string{"a", "b", "c"}[i],
			Status:        models.TaskStatusWaiting,
			WorkflowRunID: "run-1",
			CreatedAt:     base.Add(offset),
		})
		require.NoError(t, err)

		docs = append(docs, doc)
	}

	got := persistence.ApplyQuery(docs, persistence.Query{
		Filter:     persistence.Filter{"workflowRunId": "run-1"},
		SortBy:     "createdAt",
		Descending: true,
	})
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0]["id"])
	assert.Equal(t, "a", got[1]["id"])
	assert.Equal(t, "c", got[2]["id"])

	limited := persistence.ApplyQuery(docs, persistence.Query{SortBy: "createdAt", Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0]["id"])
}

func TestEncodeDecodeClone(t *testing.T) {
	t.Parallel()

	doc, err := persistence.Encode(models.WorkflowRun{ID: "run-1", Status: models.RunStatusRunning})
	require.NoError(t, err)

	id, err := persistence.DocumentID(doc)
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	clone := persistence.Clone(doc)
	clone["status"] = "failed"
	assert.Equal(t, "running", doc["status"])

	var run models.WorkflowRun
	require.NoError(t, persistence.Decode(doc, &run))
	assert.Equal(t, models.RunStatusRunning, run.Status)

	_, err = persistence.DocumentID(persistence.Document{})
	assert.ErrorIs(t, err, persistence.ErrInvalidDocument)
}
