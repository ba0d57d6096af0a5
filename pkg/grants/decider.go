// Package grants decides whether a participant below the point threshold
// receives a one-time bootstrap grant, and hands accepted grants to the
// point ledger off the request path.
package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/flowpoints/eligibility/pkg/grantledger"
	"github.com/flowpoints/eligibility/pkg/metrics"
	"github.com/flowpoints/eligibility/pkg/points"
	"github.com/flowpoints/eligibility/pkg/retry"
)

type Outcome string

const (
	OutcomeNotNeeded         Outcome = "not_needed"
	OutcomeInactive          Outcome = "inactive"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeGranted           Outcome = "granted"
	OutcomeResubmitted       Outcome = "resubmitted"
	OutcomeLedgerUnavailable Outcome = "ledger_unavailable"
	// OutcomeAllocationsUnavailable is reported without consulting the
	// ledger when the grant program's current points could not be read.
	OutcomeAllocationsUnavailable Outcome = "allocations_unavailable"
)

// TopsUp reports whether the outcome adds the grant amount to the participant's points.
func (o Outcome) TopsUp() bool {
	return o == OutcomeGranted || o == OutcomeResubmitted
}

// Decision is the result for one address. Amount is non-zero only when the
// outcome tops up the balance.
type Decision struct {
	Outcome Outcome
	Amount  uint64
	Key     string
}

// ActivityReader reports how many transactions an account has sent.
type ActivityReader interface {
	TransactionCount(ctx context.Context, account common.Address) (uint64, error)
}

// Policy holds the grant rules. Window and MaxPerWindow bound how many
// grants all engine instances together may issue. Amount must reach
// Threshold so that a participant whose grant has landed is no longer
// below it.
type Policy struct {
	ProgramID       string
	Threshold       uint64
	Amount          uint64
	MinTransactions uint64
	Window          time.Duration
	MaxPerWindow    int
}

func (p Policy) Validate() error {
	switch {
	case strings.TrimSpace(p.ProgramID) == "":
		return errors.New("grant program id is required")
	case p.Amount == 0:
		return errors.New("grant amount must be positive")
	case p.Amount < p.Threshold:
		return fmt.Errorf("grant amount %d must reach the threshold %d", p.Amount, p.Threshold)
	case p.Window <= 0:
		return errors.New("grant window must be positive")
	case p.MaxPerWindow < 0:
		return errors.New("grant max per window must not be negative")
	}
	return nil
}

type Opts struct {
	// LedgerTimeout bounds each grant ledger call on the request path.
	LedgerTimeout time.Duration
	// SubmitTimeout bounds each point ledger submission attempt.
	SubmitTimeout time.Duration
	SubmitWorkers int
	// SubmitQueueSize caps pending submissions. When the queue is full new
	// submissions are dropped and retried on the next evaluation.
	SubmitQueueSize int
	SubmitRetry     retry.Config
}

type Decider struct {
	policy   Policy
	ledger   grantledger.Ledger
	activity ActivityReader
	points   points.Client
	logger   *zap.Logger
	metrics  *metrics.EligibilityMetrics

	submitPool    pond.Pool
	dropped       atomic.Uint64
	closeOnce     sync.Once
	ledgerTimeout time.Duration
	submitTimeout time.Duration
	submitRetry   retry.Config
	now           func() time.Time
}

func NewDecider(policy Policy, ledger grantledger.Ledger, activity ActivityReader, pointsClient points.Client, logger *zap.Logger, o Opts) (*Decider, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil || activity == nil || pointsClient == nil {
		return nil, errors.New("grant decider requires a ledger, an activity reader and a points client")
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = 3 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 10 * time.Second
	}
	if o.SubmitWorkers <= 0 {
		o.SubmitWorkers = 4
	}
	if o.SubmitQueueSize <= 0 {
		o.SubmitQueueSize = 1024
	}
	if o.SubmitRetry.MaxRetries <= 0 {
		o.SubmitRetry = retry.WriteConfig()
	}
	return &Decider{
		policy:        policy,
		ledger:        ledger,
		activity:      activity,
		points:        pointsClient,
		logger:        logger.Named("grants"),
		metrics:       metrics.Eligibility(),
		submitPool:    pond.NewPool(o.SubmitWorkers, pond.WithQueueSize(o.SubmitQueueSize), pond.WithNonBlocking(true)),
		ledgerTimeout: o.LedgerTimeout,
		submitTimeout: o.SubmitTimeout,
		submitRetry:   o.SubmitRetry,
		now:           time.Now,
	}, nil
}

func (d *Decider) Policy() Policy { return d.policy }

// Close waits for queued submissions to finish.
func (d *Decider) Close() {
	d.closeOnce.Do(d.submitPool.StopAndWait)
}

// Dropped returns how many submissions were discarded because the queue was
// full or the decider was closed.
func (d *Decider) Dropped() uint64 { return d.dropped.Load() }

// WindowUsage returns how many grants the ledger holds in the current window.
func (d *Decider) WindowUsage(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.ledgerTimeout)
	defer cancel()
	events, err := d.ledger.Recent(ctx, d.policy.Window)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// Batch carries the rate-limit state of one eligibility computation. Once the
// window is found full, the rest of the batch is rate limited without asking
// the ledger again.
type Batch struct {
	d         *Decider
	exhausted atomic.Bool
	logger    *zap.Logger
}

// NewBatch starts a batch. When the window is already full the batch starts
// exhausted; if the ledger cannot be read the per-address reservations
// decide instead.
func (d *Decider) NewBatch(ctx context.Context, runID string) *Batch {
	b := &Batch{d: d, logger: d.logger.With(zap.String("runId", runID))}
	used, err := d.WindowUsage(ctx)
	if err != nil {
		b.logger.Warn("grant window read failed", zap.Error(err))
		d.metrics.ObserveUpstreamFailure("grantledger", "recent")
		return b
	}
	d.metrics.SetGrantWindow(used, d.policy.MaxPerWindow)
	if used >= d.policy.MaxPerWindow {
		b.exhausted.Store(true)
	}
	return b
}

// Exhausted reports whether the window was found full during this batch.
func (b *Batch) Exhausted() bool { return b.exhausted.Load() }

// Decide evaluates address (lowercase hex) holding currentPoints in the grant program.
func (b *Batch) Decide(ctx context.Context, address string, currentPoints uint64) Decision {
	decision := b.decide(ctx, address, currentPoints)
	b.d.metrics.ObserveGrantDecision(string(decision.Outcome))
	return decision
}

func (b *Batch) decide(ctx context.Context, address string, currentPoints uint64) Decision {
	d := b.d
	if currentPoints >= d.policy.Threshold {
		return Decision{Outcome: OutcomeNotNeeded}
	}
	if b.exhausted.Load() {
		return Decision{Outcome: OutcomeRateLimited}
	}

	txCount, err := d.activity.TransactionCount(ctx, common.HexToAddress(address))
	if err != nil {
		b.logger.Warn("activity read failed, skipping grant", zap.String("address", address), zap.Error(err))
		return Decision{Outcome: OutcomeInactive}
	}
	if txCount <= d.policy.MinTransactions {
		return Decision{Outcome: OutcomeInactive}
	}

	event := grantledger.GrantEvent{
		Key:       grantledger.KeyFor(d.policy.ProgramID, address),
		Address:   address,
		ProgramID: d.policy.ProgramID,
		Points:    d.policy.Amount,
		GrantedAt: d.now(),
	}
	reserveCtx, cancel := context.WithTimeout(ctx, d.ledgerTimeout)
	status, err := d.ledger.Reserve(reserveCtx, event, d.policy.Window, d.policy.MaxPerWindow)
	cancel()
	if err != nil {
		d.metrics.ObserveUpstreamFailure("grantledger", "reserve")
		b.logger.Warn("grant reservation failed", zap.String("address", address), zap.Error(err))
		return Decision{Outcome: OutcomeLedgerUnavailable}
	}

	switch status {
	case grantledger.RateLimited:
		b.exhausted.Store(true)
		return Decision{Outcome: OutcomeRateLimited}
	case grantledger.Duplicate:
		d.submit(event)
		return Decision{Outcome: OutcomeResubmitted, Amount: event.Points, Key: event.Key}
	default:
		b.logger.Info("bootstrap grant reserved",
			zap.String("address", address),
			zap.String("programId", event.ProgramID),
			zap.Uint64("points", event.Points))
		d.submit(event)
		return Decision{Outcome: OutcomeGranted, Amount: event.Points, Key: event.Key}
	}
}

// submit queues the point ledger write without blocking the caller. The
// idempotency key makes repeated submissions of the same grant collapse on
// the ledger side, so a dropped submission is recovered by the next
// evaluation that finds the grant still missing.
func (d *Decider) submit(event grantledger.GrantEvent) {
	req := points.GrantRequest{
		Address:        event.Address,
		ProgramID:      event.ProgramID,
		Points:         event.Points,
		IdempotencyKey: event.Key,
	}
	task := d.submitPool.Submit(func() {
		var ack points.Ack
		err := retry.WithBackoff(context.Background(), d.submitRetry, d.logger, "submitGrant", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), d.submitTimeout)
			defer cancel()
			var err error
			ack, err = d.points.SubmitGrant(ctx, req)
			if points.IsClientError(err) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			d.metrics.ObserveGrantSubmission("failed")
			d.logger.Error("grant submission failed, will resubmit on next evaluation",
				zap.String("address", req.Address),
				zap.String("key", req.IdempotencyKey),
				zap.Error(err))
			return
		}
		result := "accepted"
		if ack.Duplicate {
			result = "duplicate"
		}
		d.metrics.ObserveGrantSubmission(result)
		d.logger.Debug("grant submitted",
			zap.String("address", req.Address),
			zap.String("result", result),
			zap.String("eventId", ack.EventID))
	})

	// A rejected task is resolved before Submit returns.
	select {
	case <-task.Done():
		if err := task.Wait(); errors.Is(err, pond.ErrQueueFull) || errors.Is(err, pond.ErrPoolStopped) {
			d.dropped.Add(1)
			d.metrics.ObserveGrantSubmission("dropped")
			d.logger.Warn("grant submission dropped",
				zap.String("address", req.Address),
				zap.String("key", req.IdempotencyKey),
				zap.Error(err))
		}
	default:
	}
}
