package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/store"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func TestEmitCreatesPendingDelivery(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.UpsertPublisher(ctx, &model.Publisher{ID: "pub-1", WebhookURL: "https://example.com/hook", WebhookSecret: testSecret}))

	dispatcher := &recordingDispatcher{}
	p := NewPublisher(s, dispatcher, logger.NewNop())

	delivery, err := p.Emit(ctx, "pub-1", EventAdCompleted, map[string]string{"sessionId": "ses-1"})
	require.NoError(t, err)
	require.NotNil(t, delivery)

	assert.Equal(t, []string{delivery.ID}, dispatcher.ids)

	stored, err := s.GetWebhookDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, stored.Status)
	assert.Equal(t, "https://example.com/hook", stored.URL)

	var event Event
	require.NoError(t, json.Unmarshal(stored.Payload, &event))
	assert.Equal(t, EventAdCompleted, event.Type)
	assert.Equal(t, "pub-1", event.PublisherID)
	assert.Equal(t, map[string]any{"sessionId": "ses-1"}, event.Data)
}

func TestEmitWithoutWebhookSkips(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.UpsertPublisher(ctx, &model.Publisher{ID: "pub-1"}))

	dispatcher := &recordingDispatcher{}
	delivery, err := NewPublisher(s, dispatcher, logger.NewNop()).Emit(ctx, "pub-1", EventAdCompleted, nil)
	require.NoError(t, err)
	assert.Nil(t, delivery)
	assert.Empty(t, dispatcher.ids)
}

func TestEmitUnknownPublisher(t *testing.T) {
	_, err := NewPublisher(store.NewMemory(), &recordingDispatcher{}, logger.NewNop()).
		Emit(context.Background(), "ghost", EventAdCompleted, nil)
	assert.True(t, apierror.Is(err, apierror.CodeNotFound))
}

func TestEmitDispatchFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.UpsertPublisher(ctx, &model.Publisher{ID: "pub-1", WebhookURL: "https://example.com/hook", WebhookSecret: testSecret}))

	dispatcher := &recordingDispatcher{err: errors.New("redis down")}
	delivery, err := NewPublisher(s, dispatcher, logger.NewNop()).Emit(ctx, "pub-1", EventPaymentSettled, nil)
	require.NoError(t, err)

	stored, err := s.GetWebhookDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, stored.Status)
}

func TestGoroutineDispatcherDelivers(t *testing.T) {
	ctx := context.Background()
	hs := newHookServer(t, http.StatusOK)
	s := store.NewMemory()
	require.NoError(t, s.UpsertPublisher(ctx, &model.Publisher{ID: "pub-1", WebhookURL: hs.URL, WebhookSecret: testSecret}))

	dispatcher := NewGoroutineDispatcher(NewDeliverer(s, logger.NewNop()), 0, logger.NewNop())
	delivery, err := NewPublisher(s, dispatcher, logger.NewNop()).Emit(ctx, "pub-1", EventAdCompleted, nil)
	require.NoError(t, err)

	dispatcher.Wait()

	stored, err := s.GetWebhookDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueWebhooks, Type: task.Type()}, nil
}

func TestAsynqDispatcherAndHandler(t *testing.T) {
	ctx := context.Background()
	hs := newHookServer(t, http.StatusAccepted)
	s := store.NewMemory()
	d := seed(t, s, hs.URL, testSecret)

	enqueuer := &fakeEnqueuer{}
	require.NoError(t, NewAsynqDispatcher(enqueuer, logger.NewNop()).Dispatch(ctx, d.ID))
	require.Len(t, enqueuer.tasks, 1)
	assert.Equal(t, TypeWebhookDeliver, enqueuer.tasks[0].Type())

	// Nothing is sent until a worker runs the task
	assert.Zero(t, hs.calls.Load())

	handler := NewTaskHandler(NewDeliverer(s, logger.NewNop()), logger.NewNop())
	require.NoError(t, handler.HandleDeliver(ctx, enqueuer.tasks[0]))

	stored, err := s.GetWebhookDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, stored.Status)
}

func TestHandleDeliverSkipsRetryForMissingDelivery(t *testing.T) {
	task, err := NewDeliverTask("missing")
	require.NoError(t, err)

	handler := NewTaskHandler(NewDeliverer(store.NewMemory(), logger.NewNop()), logger.NewNop())
	err = handler.HandleDeliver(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
