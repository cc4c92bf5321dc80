package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentRail moves money in and out of escrow. Every call carries an
// idempotency key; repeating a key returns the original receipt.
type PaymentRail interface {
	Fund(ctx context.Context, amount int64, payer, idempotencyKey string) (*models.RailReceipt, error)
	Release(ctx context.Context, amount int64, payee, idempotencyKey string) (*models.RailReceipt, error)
	Refund(ctx context.Context, amount int64, payee, idempotencyKey string) (*models.RailReceipt, error)
}

var (
	// ErrRailDeclined is returned by SimulatedRail for injected failures
	ErrRailDeclined = errors.New("payment rail declined the request")
	// ErrRailKeyReused is returned when a key is replayed with different terms
	ErrRailKeyReused = errors.New("idempotency key reused with different terms")
)

// SimulatedRail is an in-process payment rail (mocked)
type SimulatedRail struct {
	mu          sync.Mutex
	receipts    map[string]models.RailReceipt
	calls       map[models.RailKind]int
	failNext    map[models.RailKind][]error
	failureRate float64
	maxLatency  time.Duration
	rng         *rand.Rand
	logger      *zap.Logger
}

// NewSimulatedRail creates a rail that fails randomly at failureRate (0.0 - 1.0)
func NewSimulatedRail(failureRate float64, maxLatency time.Duration) *SimulatedRail {
	return &SimulatedRail{
		receipts:    make(map[string]models.RailReceipt),
		calls:       make(map[models.RailKind]int),
		failNext:    make(map[models.RailKind][]error),
		failureRate: failureRate,
		maxLatency:  maxLatency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      util.GetLogger(),
	}
}

// FailNext queues err for the next call of kind. A nil err queues ErrRailDeclined.
func (r *SimulatedRail) FailNext(kind models.RailKind, err error) {
	if err == nil {
		err = ErrRailDeclined
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext[kind] = append(r.failNext[kind], err)
}

// Calls returns how many calls of kind reached the rail
func (r *SimulatedRail) Calls(kind models.RailKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[kind]
}

// Receipt returns the receipt recorded for key
func (r *SimulatedRail) Receipt(key string) (models.RailReceipt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.receipts[key]
	return rc, ok
}

// Fund collects amount from payer into escrow
func (r *SimulatedRail) Fund(ctx context.Context, amount int64, payer, key string) (*models.RailReceipt, error) {
	return r.move(ctx, models.RailFund, amount, payer, key)
}

// Release pays amount out of escrow to payee
func (r *SimulatedRail) Release(ctx context.Context, amount int64, payee, key string) (*models.RailReceipt, error) {
	return r.move(ctx, models.RailRelease, amount, payee, key)
}

// Refund returns amount from escrow to payee
func (r *SimulatedRail) Refund(ctx context.Context, amount int64, payee, key string) (*models.RailReceipt, error) {
	return r.move(ctx, models.RailRefund, amount, payee, key)
}

func (r *SimulatedRail) move(ctx context.Context, kind models.RailKind, amount int64, party, key string) (*models.RailReceipt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%s amount must be positive, got %d", kind, amount)
	}
	if key == "" {
		return nil, fmt.Errorf("%s requires an idempotency key", kind)
	}

	r.mu.Lock()
	r.calls[kind]++
	var injected error
	if queued := r.failNext[kind]; len(queued) > 0 {
		injected, r.failNext[kind] = queued[0], queued[1:]
	} else if r.failureRate > 0 && r.rng.Float64() < r.failureRate {
		injected = ErrRailDeclined
	}
	var latency time.Duration
	if r.maxLatency > 0 {
		latency = time.Duration(r.rng.Int63n(int64(r.maxLatency)))
	}
	r.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if injected != nil {
		r.logger.Warn("Payment rail call failed",
			zap.String("kind", string(kind)),
			zap.String("idempotency_key", key),
			zap.Error(injected))
		return nil, injected
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.receipts[key]; ok {
		if existing.Kind != kind || existing.Amount != amount || existing.PartyID != party {
			return nil, fmt.Errorf("%w: %s", ErrRailKeyReused, key)
		}
		return &existing, nil
	}

	receipt := models.RailReceipt{
		TxID:           fmt.Sprintf("TXN-%s", uuid.New().String()[:8]),
		Kind:           kind,
		IdempotencyKey: key,
		PartyID:        party,
		Amount:         amount,
		CreatedAt:      time.Now().UTC(),
	}
	r.receipts[key] = receipt

	r.logger.Info("Payment rail call succeeded",
		zap.String("kind", string(kind)),
		zap.String("tx_id", receipt.TxID),
		zap.Int64("amount", amount))

	return &receipt, nil
}

// TimeoutRail bounds every call to the wrapped rail and reports failures as
// collaborator errors the caller may retry with the same key.
type TimeoutRail struct {
	inner   PaymentRail
	timeout time.Duration
}

// NewTimeoutRail wraps inner with a per-call timeout
func NewTimeoutRail(inner PaymentRail, timeout time.Duration) *TimeoutRail {
	return &TimeoutRail{inner: inner, timeout: timeout}
}

func (t *TimeoutRail) Fund(ctx context.Context, amount int64, payer, key string) (*models.RailReceipt, error) {
	return t.call(ctx, models.RailFund, func(ctx context.Context) (*models.RailReceipt, error) {
		return t.inner.Fund(ctx, amount, payer, key)
	})
}

func (t *TimeoutRail) Release(ctx context.Context, amount int64, payee, key string) (*models.RailReceipt, error) {
	return t.call(ctx, models.RailRelease, func(ctx context.Context) (*models.RailReceipt, error) {
		return t.inner.Release(ctx, amount, payee, key)
	})
}

func (t *TimeoutRail) Refund(ctx context.Context, amount int64, payee, key string) (*models.RailReceipt, error) {
	return t.call(ctx, models.RailRefund, func(ctx context.Context) (*models.RailReceipt, error) {
		return t.inner.Refund(ctx, amount, payee, key)
	})
}

func (t *TimeoutRail) call(ctx context.Context, kind models.RailKind, fn func(context.Context) (*models.RailReceipt, error)) (*models.RailReceipt, error) {
	ctx, span := util.StartSpan(ctx, "PaymentRail."+string(kind))
	defer span.End()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	receipt, err := fn(ctx)
	util.RailLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		util.RailCallsTotal.WithLabelValues(string(kind), "failure").Inc()
		span.RecordError(err)
		return nil, railError(kind, err)
	}
	util.RailCallsTotal.WithLabelValues(string(kind), "success").Inc()
	return receipt, nil
}

// railError maps any rail failure to a CollaboratorFailure
func railError(kind models.RailKind, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Collaborator(apperr.CodeRailFailure, err, "payment rail %s failed", kind)
}
