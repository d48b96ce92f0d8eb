// Package worker runs the asynchronous deduction pool: a bounded set of
// goroutines pulling track jobs off the queue, serialized per customer by a
// Redis lease so two workers never deduct the same balances concurrently.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meterline/meterline/internal/config"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/orgcontext"
	"github.com/meterline/meterline/internal/queue"
	"github.com/meterline/meterline/internal/ratelimit"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
)

const maxRequeueDelay = 30 * time.Second

type jobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Requeue(ctx context.Context, d *queue.Delivery, delay time.Duration) error
}

type customerLock interface {
	TryLock(ctx context.Context, orgID, customerID snowflake.ID) (string, bool, error)
	Release(ctx context.Context, orgID, customerID snowflake.ID, token string) error
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	Queue   *queue.Queue            `optional:"true"`
	Lock    *ratelimit.CustomerLock `optional:"true"`
	Svc     entitlementdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Pool struct {
	log     *zap.Logger
	cfg     config.WorkerConfig
	queue   jobSource
	lock    customerLock
	svc     entitlementdomain.Service
	metrics *obsmetrics.Metrics
}

func NewPool(p Params) *Pool {
	pool := &Pool{
		log:     p.Log.Named("worker"),
		cfg:     p.Cfg.Worker,
		lock:    p.Lock,
		svc:     p.Svc,
		metrics: p.Metrics,
	}
	if p.Queue.Enabled() {
		pool.queue = p.Queue
	}
	return pool
}

// Run blocks until ctx is cancelled, keeping Concurrency consumers on the
// queue. Without a queue backend it returns immediately.
func (p *Pool) Run(ctx context.Context) {
	if p.queue == nil {
		p.log.Info("queue not configured, deduction pool idle")
		return
	}
	concurrency := p.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		p.handle(ctx, delivery)
	}
}

func (p *Pool) handle(ctx context.Context, delivery *queue.Delivery) {
	job := delivery.Job

	orgID, err := snowflake.ParseString(job.OrgID)
	if err != nil {
		p.drop(ctx, delivery, "bad organization id", err)
		return
	}
	customerID, err := snowflake.ParseString(job.CustomerID)
	if err != nil {
		p.drop(ctx, delivery, "bad customer id", err)
		return
	}

	token, acquired, err := p.lock.TryLock(ctx, orgID, customerID)
	if err != nil {
		p.requeue(ctx, delivery, p.cfg.RequeueDelay)
		return
	}
	if !acquired {
		// Another worker holds this customer; try again shortly.
		p.metrics.RecordLockContention(ctx)
		p.requeue(ctx, delivery, p.cfg.RequeueDelay)
		return
	}
	defer func() {
		if err := p.lock.Release(ctx, orgID, customerID, token); err != nil {
			p.log.Warn("lock release failed",
				zap.String("customer_id", job.CustomerID),
				zap.Error(err),
			)
		}
	}()

	trackCtx := orgcontext.WithOrgID(ctx, orgID)
	_, err = p.svc.Track(trackCtx, entitlementdomain.TrackRequest{
		OrgID:          orgID,
		CustomerID:     customerID,
		FeatureKey:     job.FeatureKey,
		EntityID:       job.EntityID,
		Amount:         job.Amount,
		IdempotencyKey: job.IdempotencyKey,
		RecordedAt:     job.RecordedAt,
		Metadata:       job.Metadata,
	})
	switch {
	case err == nil:
		p.ack(ctx, delivery)
	case permanent(err):
		p.drop(ctx, delivery, "unprocessable job", err)
	default:
		p.requeue(ctx, delivery, backoff(p.cfg.RequeueDelay, job.Attempts))
	}
}

func (p *Pool) ack(ctx context.Context, delivery *queue.Delivery) {
	if err := p.queue.Ack(ctx, delivery); err != nil {
		p.log.Warn("ack failed", zap.Error(err))
	}
}

func (p *Pool) drop(ctx context.Context, delivery *queue.Delivery, msg string, cause error) {
	p.log.Warn(msg,
		zap.String("customer_id", delivery.Job.CustomerID),
		zap.String("feature_key", delivery.Job.FeatureKey),
		zap.Error(cause),
	)
	p.ack(ctx, delivery)
}

func (p *Pool) requeue(ctx context.Context, delivery *queue.Delivery, delay time.Duration) {
	if err := p.queue.Requeue(ctx, delivery, delay); err != nil {
		p.log.Error("requeue failed, job may redeliver", zap.Error(err))
	}
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, entitlementdomain.ErrFeatureNotGranted) ||
		errors.Is(err, entitlementdomain.ErrEntityIDRequired) ||
		errors.Is(err, entitlementdomain.ErrEntityNotFound) ||
		errors.Is(err, entitlementdomain.ErrInvalidGrant) ||
		errors.Is(err, usagedomain.ErrInvalidAmount) ||
		errors.Is(err, usagedomain.ErrInvalidFeatureKey) ||
		errors.Is(err, featuredomain.ErrNotFound)
}

func backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base << uint(min(attempts, 6))
	if delay > maxRequeueDelay {
		return maxRequeueDelay
	}
	return delay
}
