package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/mocks"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func completedEvent() *events.TaskStatusChanged {
	return &events.TaskStatusChanged{
		TaskID:         "task-1",
		WorkflowRunID:  "run-1",
		WorkflowStepID: "review",
		Status:         models.TaskStatusCompleted,
		UpdatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestStart_RegistersAdvancementHandlers(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	bus.On("Handle", events.TaskCompletedEvent, mock.Anything).Return(nil)
	bus.On("Handle", events.TaskFailedEvent, mock.Anything).Return(nil)
	bus.On("Subscribe", mock.Anything).Return(errors.New("broker unreachable"))

	e := New(&mocks.MockDocumentStore{}, staticSource{}, bus, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	err := e.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")

	bus.AssertExpectations(t)
}

func TestHandleTaskEvent_SeenEventTouchesNothing(t *testing.T) {
	t.Parallel()

	store := &mocks.MockDocumentStore{}
	deduplicator := &mocks.MockDeduplicator{}
	event := completedEvent()

	deduplicator.On("MarkSeen", mock.Anything, event.DedupKey()).Return(true, nil)

	e := New(store, staticSource{}, &mocks.MockEventBus{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDeduplicator(deduplicator))

	require.NoError(t, e.HandleTaskEvent(t.Context(), event))

	deduplicator.AssertExpectations(t)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleTaskEvent_AdvancesWhenDedupFails(t *testing.T) {
	t.Parallel()

	store := &mocks.MockDocumentStore{}
	deduplicator := &mocks.MockDeduplicator{}
	event := completedEvent()

	deduplicator.On("MarkSeen", mock.Anything, event.DedupKey()).Return(false, errors.New("redis down"))
	store.On("Get", mock.Anything, persistence.CollectionWorkflowRuns, "run-1").
		Return(nil, persistence.ErrNotFound)

	e := New(store, staticSource{}, &mocks.MockEventBus{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDeduplicator(deduplicator))

	err := e.HandleTaskEvent(t.Context(), event)
	require.ErrorIs(t, err, ErrRunNotFound)

	store.AssertExpectations(t)
}

func TestHandleTaskEvent_IgnoresNonTerminalAndUnmanagedTasks(t *testing.T) {
	t.Parallel()

	deduplicator := &mocks.MockDeduplicator{}
	e := New(&mocks.MockDocumentStore{}, staticSource{}, &mocks.MockEventBus{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDeduplicator(deduplicator))

	updated := completedEvent()
	updated.Status = models.TaskStatusInProgress

	unmanaged := completedEvent()
	unmanaged.WorkflowStepID = ""

	require.NoError(t, e.HandleTaskEvent(t.Context(), updated))
	require.NoError(t, e.HandleTaskEvent(t.Context(), unmanaged))

	deduplicator.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything)
}
