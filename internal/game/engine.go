package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type TxReason string

const (
	TxBet    TxReason = "bet"
	TxCancel TxReason = "cancel"
	TxWin    TxReason = "win"
	TxRefund TxReason = "refund"
)

// IdempotencyKey identifies one balance movement. Replaying a call with the
// same key must not move money twice.
func IdempotencyKey(roundID, playerID string, reason TxReason) string {
	return roundID + ":" + playerID + ":" + string(reason)
}

// BalanceLedger moves player funds. Debit fails with ErrInsufficientFunds
// when the balance cannot cover amount. Transaction reports the amount moved
// under IdempotencyKey(roundID, playerID, reason), and false when nothing was.
type BalanceLedger interface {
	Debit(ctx context.Context, playerID string, amount int64, reason TxReason, roundID string) (int64, error)
	Credit(ctx context.Context, playerID string, amount int64, reason TxReason, roundID string) (int64, error)
	Balance(ctx context.Context, playerID string) (int64, error)
	Transaction(ctx context.Context, playerID string, reason TxReason, roundID string) (int64, bool, error)
}

// RoundStore persists round snapshots. Save is an upsert of the whole record.
type RoundStore interface {
	Save(ctx context.Context, rec RoundRecord) error
	FindInProgress(ctx context.Context) ([]RoundRecord, error)
	Find(ctx context.Context, roundID string) (RoundRecord, error)
}

var ErrRoundNotFound = errors.New("round not found")

// Broadcaster fans events out to subscribers. Publish must not block.
type Broadcaster interface {
	Publish(ev Event)
}

type balanceOp func(ctx context.Context, playerID string, amount int64, reason TxReason, roundID string) (int64, error)

// retryBalance runs op with a per-attempt timeout and a few quick retries.
// Insufficient funds is final; anything else ends as ErrBalanceUnavailable.
func retryBalance(ctx context.Context, timeout time.Duration, op balanceOp, playerID string, amount int64, reason TxReason, roundID string) (int64, error) {
	var balance int64
	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		b, err := op(actx, playerID, amount, reason, roundID)
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return backoff.Permanent(err)
			}
			return err
		}
		balance = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return 0, ErrInsufficientFunds
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrBalanceUnavailable, IdempotencyKey(roundID, playerID, reason), err)
	}
	return balance, nil
}
