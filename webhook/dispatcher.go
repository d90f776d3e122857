package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/logger"
)

// GoroutineDispatcher attempts each delivery on a detached goroutine with
// its own timeout.
type GoroutineDispatcher struct {
	deliverer *Deliverer
	timeout   time.Duration
	log       *logger.Logger
	wg        sync.WaitGroup
}

func NewGoroutineDispatcher(deliverer *Deliverer, timeout time.Duration, log *logger.Logger) *GoroutineDispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout + 5*time.Second
	}
	return &GoroutineDispatcher{
		deliverer: deliverer,
		timeout:   timeout,
		log:       log.With("component", "webhook_dispatcher"),
	}
}

func (g *GoroutineDispatcher) Dispatch(ctx context.Context, deliveryID string) error {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		if _, err := g.deliverer.Deliver(ctx, deliveryID); err != nil {
			g.log.Warn("webhook delivery not attempted", "delivery_id", deliveryID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched delivery has finished.
func (g *GoroutineDispatcher) Wait() {
	g.wg.Wait()
}

// Task types

const (
	TypeWebhookDeliver = "webhook:deliver"

	QueueWebhooks = "webhooks"
)

// DeliverPayload contains data for delivering one webhook.
type DeliverPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// NewDeliverTask creates a task for a single delivery attempt.
func NewDeliverTask(deliveryID string) (*asynq.Task, error) {
	payload, err := json.Marshal(DeliverPayload{DeliveryID: deliveryID})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook deliver payload: %w", err)
	}

	return asynq.NewTask(
		TypeWebhookDeliver,
		payload,
		asynq.MaxRetry(0), // NextAttemptAt is advisory; nothing re-delivers automatically
		asynq.Timeout(time.Minute),
		asynq.Queue(QueueWebhooks),
	), nil
}

// Enqueuer is the subset of *asynq.Client used by AsynqDispatcher.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqDispatcher enqueues deliveries on Redis for a worker process.
type AsynqDispatcher struct {
	client Enqueuer
	log    *logger.Logger
}

func NewAsynqDispatcher(client Enqueuer, log *logger.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{
		client: client,
		log:    log.With("component", "webhook_dispatcher"),
	}
}

func (a *AsynqDispatcher) Dispatch(ctx context.Context, deliveryID string) error {
	task, err := NewDeliverTask(deliveryID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := a.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	a.log.Debug("webhook delivery queued",
		"task_id", info.ID,
		"delivery_id", deliveryID,
		"queue", info.Queue,
	)
	return nil
}

// TaskHandler runs queued deliveries.
type TaskHandler struct {
	deliverer *Deliverer
	log       *logger.Logger
}

func NewTaskHandler(deliverer *Deliverer, log *logger.Logger) *TaskHandler {
	return &TaskHandler{
		deliverer: deliverer,
		log:       log.With("component", "webhook_task_handler"),
	}
}

// RegisterHandlers registers the webhook task handlers on mux.
func (h *TaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeWebhookDeliver, h.HandleDeliver)
}

func (h *TaskHandler) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	var p DeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal webhook deliver payload: %w: %w", err, asynq.SkipRetry)
	}

	result, err := h.deliverer.Deliver(ctx, p.DeliveryID)
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			// missing record or configuration, retrying cannot help
			return fmt.Errorf("deliver %s: %w: %w", p.DeliveryID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("deliver %s: %w", p.DeliveryID, err)
	}

	h.log.Debug("webhook task processed",
		"delivery_id", p.DeliveryID,
		"status", result.Status,
		"attempt", result.Attempt,
	)
	return nil
}

// WorkerConfig holds the configuration for the webhook worker.
type WorkerConfig struct {
	// Redis is usually parsed from a URL with asynq.ParseRedisURI.
	Redis       asynq.RedisConnOpt
	Concurrency int
}

// Worker processes queued webhook deliveries.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *logger.Logger
}

func NewWorker(cfg WorkerConfig, handler *TaskHandler, log *logger.Logger) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	server := asynq.NewServer(
		cfg.Redis,
		asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{QueueWebhooks: 1},
		},
	)

	mux := asynq.NewServeMux()
	handler.RegisterHandlers(mux)

	return &Worker{
		server: server,
		mux:    mux,
		logger: log.With("component", "webhook_worker"),
	}
}

// Run runs the worker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting webhook worker")
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}

	<-ctx.Done()
	w.logger.Info("stopping webhook worker")
	w.server.Shutdown()
	return nil
}
