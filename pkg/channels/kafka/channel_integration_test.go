package kafka_test

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/taskflow/pkg/channels/kafka"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func setupKafka(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("kafka integration test skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := kafkacontainer.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("taskflow-test"),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	return strings.Join(brokers, ",")
}

func TestKafkaEventBus_RoundTrip(t *testing.T) {
	brokers := setupKafka(t)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), brokers, "taskflow-test")
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(logger, pub, sub)
	t.Cleanup(func() {
		_ = bus.Close()
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	received := make(chan *events.TaskStatusChanged, 1)

	require.NoError(t, bus.Handle(events.TaskCompletedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.TaskStatusChanged)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	task := &models.Task{
		ID:             "task-1",
		Status:         models.TaskStatusCompleted,
		WorkflowRunID:  "run-1",
		WorkflowStepID: "review",
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, bus.Publish(ctx, task.WorkflowRunID, events.NewTaskStatusChanged(bus.GenerateID(), task)))

	select {
	case got := <-received:
		assert.Equal(t, "task-1", got.TaskID)
		assert.Equal(t, "run-1", got.WorkflowRunID)
	case <-time.After(60 * time.Second):
		t.Fatal("event not delivered through kafka")
	}
}
