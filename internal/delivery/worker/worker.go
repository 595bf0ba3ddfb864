package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/delivery/breaker"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	"github.com/beaconhq/beacon/internal/delivery/dispatch"
	"github.com/beaconhq/beacon/internal/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Repo       deliverydomain.Repository
	Routes     *deliverydomain.RouteTable
	Dispatcher dispatch.Dispatcher
	Clock      clock.Clock
	Cfg        config.Config
	Metrics    *telemetry.Metrics `optional:"true"`
}

// Worker drains the durable task queue: lease, dispatch through the per-route
// breaker, retry with jittered exponential backoff, dead-letter on exhaustion.
type Worker struct {
	log        *zap.Logger
	repo       deliverydomain.Repository
	routes     *deliverydomain.RouteTable
	dispatcher dispatch.Dispatcher
	clock      clock.Clock
	cfg        Config
	breakerCfg config.BreakerConfig
	metrics    *telemetry.Metrics

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

func NewWorker(p Params) *Worker {
	cfg := Config{
		Concurrency:     p.Cfg.Worker.Concurrency,
		BatchSize:       p.Cfg.Worker.BatchSize,
		PollInterval:    p.Cfg.Worker.PollInterval,
		LeaseTimeout:    p.Cfg.Worker.LeaseTimeout,
		DispatchTimeout: p.Cfg.Worker.DispatchTimeout,
		MaxAttempts:     p.Cfg.Worker.MaxAttempts,
		BackoffBase:     p.Cfg.Worker.BackoffBase,
		BackoffFactor:   p.Cfg.Worker.BackoffFactor,
		BackoffMax:      p.Cfg.Worker.BackoffMax,
		BackoffJitter:   p.Cfg.Worker.BackoffJitter,
	}.withDefaults()

	return &Worker{
		log:        p.Log.Named("delivery.worker"),
		repo:       p.Repo,
		routes:     p.Routes,
		dispatcher: p.Dispatcher,
		clock:      p.Clock,
		cfg:        cfg,
		breakerCfg: p.Cfg.Breaker,
		metrics:    p.Metrics,
		breakers:   make(map[string]*breaker.Breaker),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("delivery run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(ctx context.Context) error {
	_, err := w.ProcessBatch(ctx)
	return err
}

// ProcessBatch leases due tasks and attempts each one, fanning out across the
// configured concurrency. Returns how many tasks reached a terminal or
// rescheduled state.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	now := w.clock.Now().UTC()
	tasks, err := w.repo.Lease(ctx, now, w.cfg.LeaseTimeout, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(task deliverydomain.DeliveryTask) {
			defer wg.Done()
			defer func() { <-sem }()
			w.processTask(ctx, task)
		}(task)
	}
	wg.Wait()

	return len(tasks), nil
}

func (w *Worker) processTask(ctx context.Context, task deliverydomain.DeliveryTask) {
	route, ok := w.routes.Lookup(task.Route)
	if !ok {
		// Configuration drift; dead-letter so the task is surfaced, not lost.
		w.markDeadLettered(ctx, task, deliverydomain.ErrUnknownRoute.Error())
		return
	}

	br := w.breakerFor(route.Name)
	if err := br.Allow(); err != nil {
		// Short-circuited: no external call, no attempt consumed. The task
		// backs off as a failure would, and the short-circuit is its own
		// metric so operators can tell it apart from downstream failures.
		if w.metrics != nil {
			w.metrics.IncCircuitOpen(route.Name)
		}
		w.publishBreakerState(route.Name, br)
		w.reschedule(ctx, task, task.Attempts, err.Error())
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	err := w.dispatcher.Dispatch(attemptCtx, task, route)
	cancel()

	now := w.clock.Now().UTC()
	if err == nil {
		br.RecordSuccess()
		w.publishBreakerState(route.Name, br)
		if w.metrics != nil {
			w.metrics.IncDeliveryAttempt(route.Name, "delivered")
		}
		if err := w.repo.MarkDelivered(ctx, task.ID, now); err != nil {
			w.log.Warn("mark delivered failed", zap.Error(err), zap.String("task_id", task.ID))
		}
		return
	}

	br.RecordFailure()
	w.publishBreakerState(route.Name, br)

	attempts := task.Attempts + 1
	if attempts >= w.cfg.MaxAttempts {
		if w.metrics != nil {
			w.metrics.IncDeliveryAttempt(route.Name, "dead_lettered")
		}
		w.markDeadLettered(ctx, task, err.Error())
		w.log.Warn("delivery task dead-lettered",
			zap.String("task_id", task.ID),
			zap.String("route", route.Name),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}

	if w.metrics != nil {
		w.metrics.IncDeliveryAttempt(route.Name, "failed")
	}
	w.reschedule(ctx, task, attempts, err.Error())
}

func (w *Worker) reschedule(ctx context.Context, task deliverydomain.DeliveryTask, attempts int, lastErr string) {
	now := w.clock.Now().UTC()
	next := now.Add(w.backoff(attempts))
	if err := w.repo.MarkRetry(ctx, task.ID, attempts, next, lastErr, now); err != nil {
		w.log.Warn("mark retry failed", zap.Error(err), zap.String("task_id", task.ID))
	}
}

func (w *Worker) markDeadLettered(ctx context.Context, task deliverydomain.DeliveryTask, lastErr string) {
	now := w.clock.Now().UTC()
	if err := w.repo.MarkDeadLettered(ctx, task.ID, lastErr, now); err != nil {
		w.log.Warn("mark dead-lettered failed", zap.Error(err), zap.String("task_id", task.ID))
	}
}

// backoff computes base * factor^attempts capped at max, with symmetric
// jitter so retry storms spread out.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(w.cfg.BackoffBase) * math.Pow(w.cfg.BackoffFactor, float64(attempts-1))
	if delay > float64(w.cfg.BackoffMax) {
		delay = float64(w.cfg.BackoffMax)
	}
	if w.cfg.BackoffJitter > 0 {
		spread := delay * w.cfg.BackoffJitter
		delay = delay - spread + rand.Float64()*2*spread
	}
	return time.Duration(delay)
}

func (w *Worker) breakerFor(route string) *breaker.Breaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	br, ok := w.breakers[route]
	if !ok {
		br = breaker.New(w.breakerCfg, w.clock)
		w.breakers[route] = br
	}
	return br
}

func (w *Worker) publishBreakerState(route string, br *breaker.Breaker) {
	if w.metrics == nil {
		return
	}
	var value float64
	switch br.State() {
	case breaker.StateHalfOpen:
		value = 1
	case breaker.StateOpen:
		value = 2
	}
	w.metrics.SetBreakerState(route, value)
}
