package game

import (
	"context"

	"github.com/google/uuid"

	"crash/internal/logger"
	"crash/internal/metrics"
)

// betBook holds one round's bets, plus players whose debit or cancel credit
// is still in flight.
type betBook struct {
	bets    map[string]*Bet
	order   []string
	pending map[string]struct{}
}

func newBetBook() *betBook {
	return &betBook{
		bets:    make(map[string]*Bet),
		pending: make(map[string]struct{}),
	}
}

func (b *betBook) add(bet *Bet) {
	b.bets[bet.PlayerID] = bet
	b.order = append(b.order, bet.PlayerID)
}

func (b *betBook) isPending(playerID string) bool {
	_, ok := b.pending[playerID]
	return ok
}

func (b *betBook) pendingCount() int { return len(b.pending) }

// playing returns live bets in placement order.
func (b *betBook) playing() []*Bet {
	var out []*Bet
	for _, id := range b.order {
		if bet := b.bets[id]; bet.Status == StatusPlaying {
			out = append(out, bet)
		}
	}
	return out
}

func (b *betBook) snapshot() []Bet {
	out := make([]Bet, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.bets[id])
	}
	return out
}

type result[T any] struct {
	val T
	err error
}

type joinCmd struct {
	req  BetRequest
	resp chan result[BetReceipt]
}

func (c joinCmd) apply(ctx context.Context, m *Manager) {
	if err := m.validateBet(c.req); err != nil {
		m.rejectBet(ctx, c.req.PlayerID, err)
		c.resp <- result[BetReceipt]{err: err}
		return
	}

	req := c.req
	roundID := m.round.ID
	m.book.pending[req.PlayerID] = struct{}{}
	m.spawn(func() {
		// a debit outlives shutdown so its result is never lost
		balance, err := retryBalance(context.WithoutCancel(ctx), m.cfg.BalanceTimeout, m.ledger.Debit, req.PlayerID, req.Amount, TxBet, roundID)
		m.send(debitDoneCmd{roundID: roundID, req: req, balance: balance, err: err, resp: c.resp})
	})
}

func (m *Manager) validateBet(req BetRequest) error {
	if m.stopping || m.phase.Current() != PhaseBetting {
		return ErrBettingClosed
	}
	if req.PlayerID == "" {
		return ErrInvalidPlayer
	}
	if req.Amount < m.cfg.MinBet || req.Amount > m.cfg.MaxBet {
		return ErrInvalidAmount
	}
	if t := req.AutoCashOut; t != 0 && (int64(t) < m.cfg.MinAutoCashOut || int64(t) > m.cfg.MaxCrashPoint) {
		return ErrInvalidTarget
	}
	if _, ok := m.book.bets[req.PlayerID]; ok || m.book.isPending(req.PlayerID) {
		return ErrDuplicateBet
	}
	return nil
}

func (m *Manager) rejectBet(ctx context.Context, playerID string, err error) {
	code := ReasonCode(err)
	metrics.BetsTotal.WithLabelValues(code).Inc()
	m.publish(BetRejected{PlayerID: playerID, Reason: code})
	logger.Debug(ctx).Str("player_id", playerID).Str("reason", code).Msg("[BET] rejected")
}

type debitDoneCmd struct {
	roundID string
	req     BetRequest
	balance int64
	err     error
	resp    chan result[BetReceipt]
}

func (c debitDoneCmd) apply(ctx context.Context, m *Manager) {
	delete(m.book.pending, c.req.PlayerID)
	defer m.releaseBlocking(ctx)

	if c.err != nil {
		m.rejectBet(ctx, c.req.PlayerID, c.err)
		c.resp <- result[BetReceipt]{err: c.err}
		return
	}

	bet := &Bet{
		ID:          uuid.NewString(),
		PlayerID:    c.req.PlayerID,
		Amount:      c.req.Amount,
		AutoCashOut: c.req.AutoCashOut,
		Status:      StatusPlaying,
		PlacedAt:    m.clock.Now(),
	}
	m.book.add(bet)

	metrics.BetsTotal.WithLabelValues("accepted").Inc()
	metrics.WageredTotal.Add(float64(bet.Amount))
	m.publish(BetAccepted{PlayerID: bet.PlayerID, Amount: bet.Amount, AutoCashOut: bet.AutoCashOut})
	m.persist()

	logger.Info(ctx).
		Str("round_id", c.roundID).
		Str("player_id", bet.PlayerID).
		Int64("amount", bet.Amount).
		Stringer("auto_cashout", bet.AutoCashOut).
		Msg("[BET] placed")

	c.resp <- result[BetReceipt]{val: BetReceipt{
		RoundID: c.roundID,
		BetID:   bet.ID,
		Amount:  bet.Amount,
		Balance: c.balance,
	}}
}

// releaseBlocking lets a closed round move on as soon as the last in-flight
// balance call for it resolves.
func (m *Manager) releaseBlocking(ctx context.Context) {
	if !m.stopping && m.phase.Current() == PhaseBlocking && m.book.pendingCount() == 0 {
		m.pollBlocking(ctx)
	}
}

type cancelCmd struct {
	playerID string
	resp     chan result[CancelReceipt]
}

func (c cancelCmd) apply(ctx context.Context, m *Manager) {
	if m.stopping || m.phase.Current() != PhaseBetting {
		c.resp <- result[CancelReceipt]{err: ErrBettingClosed}
		return
	}
	if m.book.isPending(c.playerID) {
		c.resp <- result[CancelReceipt]{err: ErrBetPending}
		return
	}
	bet, ok := m.book.bets[c.playerID]
	if !ok || bet.Status != StatusPlaying {
		c.resp <- result[CancelReceipt]{err: ErrBetNotFound}
		return
	}

	// the bet stays pending until the refund lands, which holds the round in
	// Blocking if the window closes meanwhile
	m.book.pending[c.playerID] = struct{}{}
	roundID, amount := m.round.ID, bet.Amount
	m.spawn(func() {
		balance, err := retryBalance(context.WithoutCancel(ctx), m.cfg.BalanceTimeout, m.ledger.Credit, c.playerID, amount, TxCancel, roundID)
		m.send(cancelDoneCmd{roundID: roundID, playerID: c.playerID, balance: balance, err: err, resp: c.resp})
	})
}

type cancelDoneCmd struct {
	roundID  string
	playerID string
	balance  int64
	err      error
	resp     chan result[CancelReceipt]
}

func (c cancelDoneCmd) apply(ctx context.Context, m *Manager) {
	delete(m.book.pending, c.playerID)
	defer m.releaseBlocking(ctx)

	if c.err != nil {
		metrics.DependencyFailures.WithLabelValues("balance").Inc()
		logger.Error(ctx).Err(c.err).
			Str("round_id", c.roundID).
			Str("player_id", c.playerID).
			Msg("[BET] cancel refund failed, bet kept")
		c.resp <- result[CancelReceipt]{err: c.err}
		return
	}

	bet := m.book.bets[c.playerID]
	bet.Status = StatusCancelled
	bet.SettledAt = m.clock.Now()

	metrics.BetsTotal.WithLabelValues("cancelled").Inc()
	m.publish(BetCancelled{PlayerID: c.playerID})
	m.persist()

	logger.Info(ctx).Str("round_id", c.roundID).Str("player_id", c.playerID).Msg("[BET] cancelled")

	c.resp <- result[CancelReceipt]{val: CancelReceipt{
		RoundID: c.roundID,
		BetID:   bet.ID,
		Balance: c.balance,
	}}
}
