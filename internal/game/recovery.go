package game

import (
	"context"
	"fmt"
	"time"

	"crash/internal/logger"
	"crash/internal/metrics"
)

// RecoveryManager voids rounds a previous process left in progress. Every
// live stake is returned and the round is closed as Refunded; an interrupted
// round is never resumed. A bet the ledger already paid a win or cancel for
// keeps that settlement even when the last snapshot missed it.
type RecoveryManager struct {
	store   RoundStore
	ledger  BalanceLedger
	out     Broadcaster
	timeout time.Duration
	now     func() time.Time
}

func NewRecoveryManager(store RoundStore, ledger BalanceLedger, out Broadcaster, balanceTimeout time.Duration) *RecoveryManager {
	return &RecoveryManager{store: store, ledger: ledger, out: out, timeout: balanceTimeout, now: time.Now}
}

type RecoveryReport struct {
	Rounds  int
	Refunds int
	Amount  int64
}

// Recover must finish before the Manager starts. A refund that cannot be made
// stops recovery with ErrOrphanedRound; the round stays in progress so the
// next start retries it, and refunds already made are not repeated.
func (rm *RecoveryManager) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	rounds, err := rm.store.FindInProgress(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery: find in-progress rounds: %w", err)
	}

	for _, rec := range rounds {
		refunds, amount, err := rm.refundRound(ctx, rec)
		if err != nil {
			return report, err
		}
		report.Rounds++
		report.Refunds += refunds
		report.Amount += amount
	}

	if report.Rounds > 0 {
		logger.Warn(ctx).
			Int("rounds", report.Rounds).
			Int("refunds", report.Refunds).
			Int64("amount", report.Amount).
			Msg("[RECOVERY] orphaned rounds refunded")
	}
	return report, nil
}

func (rm *RecoveryManager) refundRound(ctx context.Context, rec RoundRecord) (int, int64, error) {
	if _, err := newPhaseMachine(rec.Phase).tryFire(ctx, evRefund); err != nil {
		return 0, 0, fmt.Errorf("%w %s: %v", ErrOrphanedRound, rec.ID, err)
	}

	now := rm.now()
	refunds, amount := 0, int64(0)
	for i := range rec.Bets {
		bet := &rec.Bets[i]
		if bet.Status != StatusPlaying {
			continue
		}
		settled, err := rm.settledEarlier(ctx, rec.ID, bet, now)
		if err != nil {
			metrics.DependencyFailures.WithLabelValues("balance").Inc()
			return 0, 0, fmt.Errorf("%w %s: check %s: %w", ErrOrphanedRound, rec.ID, bet.PlayerID, err)
		}
		if settled {
			continue
		}
		if _, err := retryBalance(ctx, rm.timeout, rm.ledger.Credit, bet.PlayerID, bet.Amount, TxRefund, rec.ID); err != nil {
			metrics.DependencyFailures.WithLabelValues("balance").Inc()
			return 0, 0, fmt.Errorf("%w %s: refund %s: %w", ErrOrphanedRound, rec.ID, bet.PlayerID, err)
		}
		bet.Status = StatusRefunded
		bet.WinningAmount = 0
		bet.SettledAt = now
		refunds++
		amount += bet.Amount
	}

	rec.Phase = PhaseRefunded
	rec.EndedAt = now
	if err := rm.store.Save(ctx, rec); err != nil {
		return 0, 0, fmt.Errorf("%w %s: save: %w", ErrOrphanedRound, rec.ID, err)
	}

	metrics.RoundsTotal.WithLabelValues(string(PhaseRefunded)).Inc()
	if rm.out != nil {
		rm.out.Publish(NewEvent(rec.ID, now, RoundRefunded{Refunds: refunds}))
	}
	logger.Info(ctx).
		Str("round_id", rec.ID).
		Int("refunds", refunds).
		Int64("amount", amount).
		Msg("[RECOVERY] round refunded")
	return refunds, amount, nil
}

// settledEarlier catches bets the snapshot still shows live although the
// ledger already paid a win or a cancel for them. Such a bet takes the
// settlement the ledger recorded and is not refunded.
func (rm *RecoveryManager) settledEarlier(ctx context.Context, roundID string, bet *Bet, now time.Time) (bool, error) {
	for _, reason := range []TxReason{TxWin, TxCancel} {
		cctx, cancel := context.WithTimeout(ctx, rm.timeout)
		amount, ok, err := rm.ledger.Transaction(cctx, bet.PlayerID, reason, roundID)
		cancel()
		if err != nil {
			return false, fmt.Errorf("%w: %s: %v", ErrBalanceUnavailable, IdempotencyKey(roundID, bet.PlayerID, reason), err)
		}
		if !ok {
			continue
		}

		bet.SettledAt = now
		if reason == TxWin {
			bet.Status = StatusCashedOut
			bet.WinningAmount = amount
			bet.StoppedAt = Multiplier(amount * 100 / bet.Amount)
		} else {
			bet.Status = StatusCancelled
		}
		logger.Warn(ctx).
			Str("round_id", roundID).
			Str("player_id", bet.PlayerID).
			Str("reason", string(reason)).
			Int64("amount", amount).
			Msg("[RECOVERY] bet already settled, not refunded")
		return true, nil
	}
	return false, nil
}
