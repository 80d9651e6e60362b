package game

import (
	"context"

	"crash/internal/logger"
	"crash/internal/metrics"
)

// minManualCashOut is the multiplier a round must pass before players may
// cash out by hand.
const minManualCashOut Multiplier = 101

type cashoutCmd struct {
	playerID string
	resp     chan result[CashoutReceipt]
}

func (c cashoutCmd) apply(ctx context.Context, m *Manager) {
	if m.stopping {
		c.resp <- result[CashoutReceipt]{err: ErrNotPlaying}
		return
	}
	switch m.phase.Current() {
	case PhasePlaying:
	case PhaseEnded:
		c.resp <- result[CashoutReceipt]{err: ErrRoundOver}
		return
	default:
		c.resp <- result[CashoutReceipt]{err: ErrNotPlaying}
		return
	}
	bet, ok := m.book.bets[c.playerID]
	if !ok || bet.Status == StatusCancelled {
		c.resp <- result[CashoutReceipt]{err: ErrBetNotFound}
		return
	}
	if bet.Status == StatusCashedOut {
		logger.Debug(ctx).Str("round_id", m.round.ID).Str("player_id", c.playerID).Msg("[CASHOUT] already settled, ignored")
		c.resp <- result[CashoutReceipt]{err: ErrAlreadyCashedOut}
		return
	}

	mult, err := m.liveMultiplier()
	if err != nil {
		c.resp <- result[CashoutReceipt]{err: err}
		return
	}
	if mult <= minManualCashOut {
		c.resp <- result[CashoutReceipt]{err: ErrTooEarly}
		return
	}

	// a target passed since the last tick is taken at the target
	if bet.AutoCashOut > 0 && mult >= bet.AutoCashOut {
		m.settleCashout(ctx, bet, bet.AutoCashOut, TriggerAuto, c.resp)
		return
	}
	m.settleCashout(ctx, bet, mult, TriggerManual, c.resp)
}

// liveMultiplier is the multiplier at this instant, not at the last tick. At
// the crash instant itself it is the crash point, as the final tick is.
func (m *Manager) liveMultiplier() (Multiplier, error) {
	r := m.round
	elapsed := m.clock.Now().Sub(r.StartedAt)
	crash, _ := r.CrashPoint()
	if elapsed > r.Duration {
		return 0, ErrRoundOver
	}
	mult := m.growth.At(elapsed)
	if elapsed == r.Duration || mult > crash {
		mult = crash
	}
	return mult, nil
}

// evaluateCashouts settles every live bet whose target was reached or whose
// profit hit the cap at mult.
func (m *Manager) evaluateCashouts(ctx context.Context, mult Multiplier) {
	for _, bet := range m.book.playing() {
		switch {
		case bet.AutoCashOut > 0 && mult >= bet.AutoCashOut:
			m.settleCashout(ctx, bet, bet.AutoCashOut, TriggerAuto, nil)
		case m.cfg.MaxProfit > 0 && Payout(bet.Amount, mult)-bet.Amount >= m.cfg.MaxProfit:
			m.settleCashout(ctx, bet, mult, TriggerForced, nil)
		}
	}
}

// settleCashout is the only place a bet leaves Playing for CashedOut. It
// reports false when the bet was already settled.
func (m *Manager) settleCashout(ctx context.Context, bet *Bet, stoppedAt Multiplier, trigger Trigger, resp chan result[CashoutReceipt]) bool {
	if bet.Status != StatusPlaying {
		if resp != nil {
			resp <- result[CashoutReceipt]{err: ErrAlreadyCashedOut}
		}
		return false
	}

	bet.Status = StatusCashedOut
	bet.StoppedAt = stoppedAt
	bet.WinningAmount = Payout(bet.Amount, stoppedAt)
	bet.Trigger = trigger
	bet.SettledAt = m.clock.Now()

	metrics.CashoutsTotal.WithLabelValues(string(trigger)).Inc()
	metrics.PaidOutTotal.Add(float64(bet.WinningAmount))
	m.publish(BetCashedOut{
		PlayerID:      bet.PlayerID,
		StoppedAt:     stoppedAt,
		WinningAmount: bet.WinningAmount,
		Trigger:       trigger,
	})
	m.persist()

	logger.Info(ctx).
		Str("round_id", m.round.ID).
		Str("player_id", bet.PlayerID).
		Stringer("stopped_at", stoppedAt).
		Int64("payout", bet.WinningAmount).
		Str("trigger", string(trigger)).
		Msg("[CASHOUT] settled")

	m.creditWinnings(ctx, m.round.ID, *bet, resp)
	return true
}

// creditWinnings pays a settled bet off the loop. The bet is already final,
// so a credit that fails after retries is raised as an alarm carrying its
// idempotency key for manual replay.
func (m *Manager) creditWinnings(ctx context.Context, roundID string, bet Bet, resp chan result[CashoutReceipt]) {
	m.spawn(func() {
		balance, err := retryBalance(context.WithoutCancel(ctx), m.cfg.BalanceTimeout, m.ledger.Credit, bet.PlayerID, bet.WinningAmount, TxWin, roundID)
		if err != nil {
			metrics.DependencyFailures.WithLabelValues("balance").Inc()
			logger.Error(ctx).Err(err).
				Str("idempotency_key", IdempotencyKey(roundID, bet.PlayerID, TxWin)).
				Int64("amount", bet.WinningAmount).
				Msg("[CASHOUT] credit failed")
		}
		if resp != nil {
			resp <- result[CashoutReceipt]{
				val: CashoutReceipt{
					RoundID:    roundID,
					BetID:      bet.ID,
					Multiplier: bet.StoppedAt,
					Payout:     bet.WinningAmount,
					Balance:    balance,
				},
				err: err,
			}
		}
	})
}
