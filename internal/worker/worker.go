// Package worker implements the pool that drains the notification queue and
// ticks flow sessions described in §4.5: a goroutine racing ctx.Done() against
// claim/process errors, heartbeating its lease on a ticker at half the lease
// interval, borrowed from the teacher's listener-lifecycle shape in
// internal/server.Server.Run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelfleet/core/internal/config"
	"github.com/sentinelfleet/core/internal/flow"
	"github.com/sentinelfleet/core/internal/metrics"
	"github.com/sentinelfleet/core/internal/queue"
)

// Ticker is the subset of flow.Runner's surface the pool needs; named here so
// tests can stub flow processing without a real datastore-backed runner.
type Ticker interface {
	Tick(ctx context.Context, sessionID, clientID string) (flow.TickResult, error)
	SessionClientID(ctx context.Context, sessionID string) (string, error)
}

// Pool claims ready sessions off a notification queue and drives them through
// a Ticker, heartbeating its lease until the tick completes.
type Pool struct {
	notifier *queue.Manager
	ticker   Ticker
	logger   *slog.Logger
	metrics  *metrics.Recorder
	cfg      config.WorkerConfig
	queueCfg config.QueueConfig
}

// New constructs a worker pool. logger and rec may be supplied nil-safely;
// rec is nil-checked by every Observe call it exposes.
func New(notifier *queue.Manager, ticker Ticker, logger *slog.Logger, rec *metrics.Recorder, cfg config.WorkerConfig, queueCfg config.QueueConfig) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		notifier: notifier,
		ticker:   ticker,
		logger:   logger.With(slog.String("agent", "worker")),
		metrics:  rec,
		cfg:      cfg,
		queueCfg: queueCfg,
	}
}

// Run starts cfg.PoolSize claim-process loops and blocks until ctx is
// cancelled or a loop returns a non-shutdown error.
func (p *Pool) Run(ctx context.Context) error {
	poolSize := p.cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	errCh := make(chan error, poolSize)
	var wg sync.WaitGroup
	wg.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		workerID := i
		go func() {
			defer wg.Done()
			if err := p.loop(ctx, workerID); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	go func() {
		wg.Wait()
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("worker pool shutting down")
		wg.Wait()
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (p *Pool) loop(ctx context.Context, workerID int) error {
	pollInterval := time.Duration(p.cfg.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	logger := p.logger.With(slog.Int("worker_id", workerID))

	// The first claim happens at start-up rather than one poll interval in.
	if err := p.claimAndProcess(ctx, logger); err != nil {
		logger.Error("claim and process failed", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.claimAndProcess(ctx, logger); err != nil {
				logger.Error("claim and process failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Pool) claimAndProcess(ctx context.Context, logger *slog.Logger) error {
	leaseSeconds := p.queueCfg.DefaultLeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 600
	}
	lease := time.Duration(leaseSeconds) * time.Second

	batchSize := p.cfg.ClaimBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	notifications, claims, err := p.notifier.ClaimNotifications(ctx, p.queueCfg.NotificationQueue, lease, nil, batchSize)
	if err != nil {
		p.observeClaim(metrics.QueueClaimContended)
		return fmt.Errorf("worker: claim notifications: %w", err)
	}
	if len(notifications) == 0 {
		p.observeClaim(metrics.QueueClaimEmpty)
		return nil
	}

	for i, n := range notifications {
		p.observeClaim(metrics.QueueClaimSucceeded)
		if claims[i].WasExpired && p.metrics != nil {
			p.metrics.ObserveQueueLeaseExpired(p.queueCfg.NotificationQueue)
		}
		if err := p.processOne(ctx, logger, n, claims[i], lease); err != nil {
			logger.Error("tick failed", slog.String("session_id", n.SessionID), slog.String("error", err.Error()))
			continue
		}
		if err := p.notifier.DeleteNotifications(ctx, p.queueCfg.NotificationQueue, claims[i:i+1]); err != nil {
			logger.Error("delete notification failed", slog.String("session_id", n.SessionID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (p *Pool) processOne(ctx context.Context, logger *slog.Logger, n queue.Notification, claim queue.Claim, lease time.Duration) error {
	clientID, err := p.ticker.SessionClientID(ctx, n.SessionID)
	if err != nil {
		return fmt.Errorf("worker: resolve client id: %w", err)
	}

	heartbeatInterval := lease / 2
	if heartbeatInterval <= 0 {
		heartbeatInterval = lease
	}
	stop := p.heartbeat(ctx, []queue.Claim{claim}, heartbeatInterval, lease)
	defer stop()

	result, err := p.ticker.Tick(ctx, n.SessionID, clientID)
	if err != nil {
		return err
	}
	logger.Debug("tick complete",
		slog.String("session_id", n.SessionID),
		slog.Int("requests_processed", result.RequestsProcessed),
		slog.String("final_state", result.FinalState.String()),
	)
	return nil
}

// heartbeat periodically extends claims while a Tick is in flight so a slow
// flow does not lose its lease to another worker mid-processing (§4.5). The
// returned stop func must be called once processing finishes.
func (p *Pool) heartbeat(ctx context.Context, claims []queue.Claim, interval, lease time.Duration) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := p.notifier.RefreshClaim(ctx, p.queueCfg.NotificationQueue, claims, lease); err != nil {
					p.logger.Warn("refresh claim failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() { close(done) }
}

func (p *Pool) observeClaim(outcome metrics.QueueClaimOutcome) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveQueueClaim(p.queueCfg.NotificationQueue, outcome)
}
