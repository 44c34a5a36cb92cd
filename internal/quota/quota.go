package quota

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/metrics"
	"github.com/chatwiki/backend/pkg/logger"
)

var ErrNoBalance = errors.New("no balance recorded")

type Reason int

const (
	ReasonNone Reason = iota
	// ReasonExhausted: the balance already went negative.
	ReasonExhausted
	// ReasonInsufficient: the request costs more than what is left.
	ReasonInsufficient
)

func (r Reason) String() string {
	switch r {
	case ReasonExhausted:
		return "exhausted"
	case ReasonInsufficient:
		return "insufficient"
	}
	return "none"
}

type Decision struct {
	Allowed bool
	Reason  Reason
	// Balance after the reservation; -1 and meaningless for unlimited shares.
	Balance   int64
	Unlimited bool
}

// Store keeps per-share balances. Reserve and Charge must be atomic per share.
type Store interface {
	// Reserve initialises the balance to allowance on first use, then debits
	// required if the balance covers it.
	Reserve(ctx context.Context, shareID string, allowance, required int64) (Decision, error)
	// Charge initialises like Reserve, then debits tokens unconditionally.
	Charge(ctx context.Context, shareID string, allowance, tokens int64) (int64, error)
	Balance(ctx context.Context, shareID string) (int64, error)
	Reset(ctx context.Context, shareID string) error
}

type Ledger struct {
	store  Store
	logger *zap.Logger
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, logger: logger.Named("quota")}
}

// Reserve debits required tokens from the share's balance before generation.
// An allowance <= 0 means the share is unlimited and no state is touched.
func (l *Ledger) Reserve(ctx context.Context, shareID string, allowance, required int) (Decision, error) {
	if allowance <= 0 {
		metrics.QuotaDecisions.WithLabelValues("unlimited").Inc()
		return Decision{Allowed: true, Balance: -1, Unlimited: true}, nil
	}
	if required < 0 {
		required = 0
	}

	d, err := l.store.Reserve(ctx, shareID, int64(allowance), int64(required))
	if err != nil {
		return Decision{}, fmt.Errorf("reserve quota for share %s: %w", shareID, err)
	}

	if d.Allowed {
		metrics.QuotaDecisions.WithLabelValues("allowed").Inc()
		metrics.QuotaTokensDebited.Add(float64(required))
		l.logger.Debug("quota reserved",
			zap.String("share_id", shareID),
			zap.Int("required", required),
			zap.Int64("balance", d.Balance),
		)
	} else {
		metrics.QuotaDecisions.WithLabelValues(d.Reason.String()).Inc()
		l.logger.Info("quota denied",
			zap.String("share_id", shareID),
			zap.String("reason", d.Reason.String()),
			zap.Int("required", required),
			zap.Int64("balance", d.Balance),
		)
	}
	return d, nil
}

// Charge debits tokens after the fact. It may drive the balance negative,
// which blocks the share until Reset.
func (l *Ledger) Charge(ctx context.Context, shareID string, allowance, tokens int) (int64, error) {
	if allowance <= 0 || tokens <= 0 {
		return -1, nil
	}
	left, err := l.store.Charge(ctx, shareID, int64(allowance), int64(tokens))
	if err != nil {
		return 0, fmt.Errorf("charge quota for share %s: %w", shareID, err)
	}
	metrics.QuotaTokensDebited.Add(float64(tokens))
	return left, nil
}

// Balance returns the remaining tokens of a share. A share that never
// reserved anything reports its full allowance.
func (l *Ledger) Balance(ctx context.Context, shareID string, allowance int) (int64, error) {
	if allowance <= 0 {
		return -1, nil
	}
	b, err := l.store.Balance(ctx, shareID)
	if errors.Is(err, ErrNoBalance) {
		return int64(allowance), nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota for share %s: %w", shareID, err)
	}
	return b, nil
}

func (l *Ledger) Reset(ctx context.Context, shareID string) error {
	if err := l.store.Reset(ctx, shareID); err != nil {
		return fmt.Errorf("reset quota for share %s: %w", shareID, err)
	}
	l.logger.Info("quota reset", zap.String("share_id", shareID))
	return nil
}

func decide(balance, required int64) (Decision, bool) {
	if balance < 0 {
		return Decision{Reason: ReasonExhausted, Balance: balance}, false
	}
	if required > balance {
		return Decision{Reason: ReasonInsufficient, Balance: balance}, false
	}
	return Decision{Allowed: true, Balance: balance - required}, true
}
