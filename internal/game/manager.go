package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"

	"crash/internal/config"
	"crash/internal/logger"
	"crash/internal/metrics"
)

const commandBuffer = 1024

// command is one mutation of the round, applied on the loop goroutine.
type command interface {
	apply(ctx context.Context, m *Manager)
}

type Dependencies struct {
	Ledger      BalanceLedger
	Store       RoundStore
	Broadcaster Broadcaster
	Outcomes    OutcomeDeriver
	Clock       Clock // defaults to SystemClock
}

// Manager runs the shared round. All round state is owned by the goroutine
// in Run; callers talk to it through commands and read CurrentRound.
type Manager struct {
	cfg      config.GameConfig
	growth   Growth
	ledger   BalanceLedger
	out      Broadcaster
	outcomes OutcomeDeriver
	clock    Clock
	ids      *snowflake.Node
	commands chan command
	saver    *persister

	// loop-owned
	round         *Round
	book          *betBook
	phase         *phaseMachine
	timer         Timer
	timerC        <-chan time.Time
	blockingPolls int
	deriving      bool
	mult          Multiplier
	stopping      bool

	view    atomic.Pointer[RoundView]
	running atomic.Bool
	effects sync.WaitGroup
}

func NewManager(cfg config.GameConfig, deps Dependencies) (*Manager, error) {
	if deps.Ledger == nil || deps.Store == nil || deps.Broadcaster == nil || deps.Outcomes == nil {
		return nil, errors.New("manager: ledger, store, broadcaster and outcomes are required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	rate := cfg.GrowthRate
	if rate <= 0 {
		rate = DefaultGrowthRate
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("manager: round ids: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		growth:   Growth{Rate: rate},
		ledger:   deps.Ledger,
		out:      deps.Broadcaster,
		outcomes: deps.Outcomes,
		clock:    deps.Clock,
		ids:      node,
		commands: make(chan command, commandBuffer),
		saver:    newPersister(deps.Store, cfg.StoreTimeout),
		phase:    newPhaseMachine(PhaseIdle),
	}, nil
}

// Run drives rounds until ctx is cancelled. A round interrupted by shutdown
// stays persisted in progress and is refunded by recovery on the next start.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("manager: already running")
	}

	saveCtx, stopSaver := context.WithCancel(context.WithoutCancel(ctx))
	go m.saver.run(saveCtx)

	m.startRound(ctx)
	m.refreshView()

	for {
		select {
		case <-ctx.Done():
			m.drain(ctx)
			stopSaver()
			m.saver.wait()
			logger.Info(ctx).Str("round_id", m.round.ID).Str("phase", string(m.round.Phase)).Msg("[GAME] loop stopped")
			return nil
		case cmd := <-m.commands:
			cmd.apply(ctx, m)
		case <-m.timerC:
			m.timer, m.timerC = nil, nil
			m.onTimer(ctx)
		}
		m.refreshView()
	}
}

// drain freezes the round and applies the results of external calls still
// in flight, so a debit or credit committed during shutdown reaches the
// final snapshot. Nothing new is started once stopping is set.
func (m *Manager) drain(ctx context.Context) {
	m.stopping = true
	m.stopTimer()

	idle := make(chan struct{})
	go func() {
		m.effects.Wait()
		close(idle)
	}()

	for {
		select {
		case cmd := <-m.commands:
			cmd.apply(ctx, m)
			m.refreshView()
		case <-idle:
			for {
				select {
				case cmd := <-m.commands:
					cmd.apply(ctx, m)
				default:
					m.refreshView()
					m.persist()
					return
				}
			}
		}
	}
}

func (m *Manager) onTimer(ctx context.Context) {
	switch m.phase.Current() {
	case PhaseStarting:
		m.openBetting(ctx)
	case PhaseBetting:
		m.closeBetting(ctx)
	case PhaseBlocking:
		m.pollBlocking(ctx)
	case PhasePlaying:
		m.tick(ctx)
	case PhaseEnded:
		m.startRound(ctx)
	}
}

func (m *Manager) startRound(ctx context.Context) {
	event := evStart
	if m.phase.Current() == PhaseEnded {
		event = evNext
	}

	privateSeed, privateHash := NewSeedPair()
	m.round = &Round{
		ID:          m.ids.Generate().String(),
		PrivateSeed: privateSeed,
		PrivateHash: privateHash,
		CreatedAt:   m.clock.Now(),
	}
	m.book = newBetBook()
	m.blockingPolls = 0
	m.deriving = false
	m.mult = MIN_MULTIPLIER
	m.transition(ctx, event)

	m.publish(RoundStarting{PrivateHash: privateHash})
	m.persist()
	logger.Info(ctx).Str("round_id", m.round.ID).Str("commitment", privateHash).Msg("[ROUND] starting")

	m.schedule(m.cfg.PreRollDelay)
}

func (m *Manager) openBetting(ctx context.Context) {
	m.transition(ctx, evOpen)
	m.publish(BettingOpen{ClosesAt: m.clock.Now().Add(m.cfg.BettingWindow)})
	m.schedule(m.cfg.BettingWindow)
}

func (m *Manager) closeBetting(ctx context.Context) {
	m.transition(ctx, evClose)
	m.publish(BettingClosed{})
	m.persist()
	m.pollBlocking(ctx)
}

// pollBlocking waits for in-flight balance calls to resolve. Play never
// starts while one is outstanding; too many polls only raise an alarm.
func (m *Manager) pollBlocking(ctx context.Context) {
	if m.deriving {
		return
	}
	if n := m.book.pendingCount(); n > 0 {
		m.blockingPolls++
		if m.blockingPolls == m.cfg.BlockingMaxPolls {
			logger.Error(ctx).
				Str("round_id", m.round.ID).
				Int("pending", n).
				Int("polls", m.blockingPolls).
				Msg("[ROUND] pending bets still unresolved after betting closed")
		}
		m.schedule(m.cfg.BlockingPoll)
		return
	}
	m.deriveOutcome(ctx)
}

func (m *Manager) deriveOutcome(ctx context.Context) {
	m.stopTimer()
	m.deriving = true
	roundID, seed := m.round.ID, m.round.PrivateSeed
	m.spawn(func() {
		out, err := m.outcomes.Derive(ctx, seed)
		m.send(outcomeCmd{roundID: roundID, outcome: out, err: err})
	})
}

type outcomeCmd struct {
	roundID string
	outcome Outcome
	err     error
}

func (c outcomeCmd) apply(ctx context.Context, m *Manager) {
	if m.stopping || c.roundID != m.round.ID || m.phase.Current() != PhaseBlocking {
		return
	}
	m.deriving = false
	if c.err != nil {
		metrics.DependencyFailures.WithLabelValues("seed").Inc()
		logger.Error(ctx).Err(c.err).Str("round_id", c.roundID).Msg("[FAIR] outcome unavailable, round held")
		m.schedule(m.cfg.BlockingPoll)
		return
	}
	m.startPlay(ctx, c.outcome)
}

func (m *Manager) startPlay(ctx context.Context, out Outcome) {
	r := m.round
	r.Outcome = &out
	r.StartedAt = m.clock.Now()
	r.Duration = m.growth.Duration(out.CrashPoint)
	m.transition(ctx, evPlay)

	m.publish(PlayStarted{PublicSeed: out.PublicSeed})
	m.persist()
	logger.Info(ctx).
		Str("round_id", r.ID).
		Int("bets", len(m.book.playing())).
		Dur("duration", r.Duration).
		Msg("[ROUND] playing")

	m.tick(ctx)
}

// tick advances the multiplier from the play start, not from the previous
// tick, and lands the final tick on the crash instant.
func (m *Manager) tick(ctx context.Context) {
	r := m.round
	crash, _ := r.CrashPoint()
	elapsed := m.clock.Now().Sub(r.StartedAt)

	mult := m.growth.At(elapsed)
	if elapsed >= r.Duration || mult > crash {
		mult = crash
	}
	m.mult = mult

	m.evaluateCashouts(ctx, mult)
	m.publish(Tick{Multiplier: mult})

	if elapsed >= r.Duration || mult >= crash {
		m.endRound(ctx)
		return
	}
	m.schedule(min(m.cfg.TickInterval, r.Duration-elapsed))
}

func (m *Manager) endRound(ctx context.Context) {
	r := m.round
	now := m.clock.Now()
	lost := 0
	for _, bet := range m.book.playing() {
		bet.Status = StatusLost
		bet.WinningAmount = 0
		bet.SettledAt = now
		lost++
	}
	metrics.BetsTotal.WithLabelValues("lost").Add(float64(lost))

	r.EndedAt = now
	m.transition(ctx, evCrash)

	crash, _ := r.CrashPoint()
	metrics.CrashPoint.Observe(crash.Decimal().InexactFloat64())
	m.publish(RoundEnded{CrashPoint: crash, PrivateSeed: r.PrivateSeed})
	m.persist()

	logger.Info(ctx).
		Str("round_id", r.ID).
		Stringer("crash_point", crash).
		Str("private_seed", r.PrivateSeed).
		Int("lost", lost).
		Msg("[ROUND] ended")

	m.schedule(m.cfg.EndDelay)
}

func (m *Manager) transition(ctx context.Context, event string) {
	m.round.Phase = m.phase.mustFire(ctx, event)
	if m.round.Phase.Terminal() {
		metrics.RoundsTotal.WithLabelValues(string(m.round.Phase)).Inc()
	}
	logger.Debug(ctx).Str("round_id", m.round.ID).Str("phase", string(m.round.Phase)).Msg("[ROUND] phase")
}

func (m *Manager) schedule(d time.Duration) {
	m.stopTimer()
	m.timer = m.clock.NewTimer(d)
	m.timerC = m.timer.C()
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer, m.timerC = nil, nil
	}
}

func (m *Manager) publish(p Payload) {
	m.out.Publish(NewEvent(m.round.ID, m.clock.Now(), p))
}

func (m *Manager) persist() {
	m.saver.enqueue(m.record())
}

// spawn runs an external call off the loop. Its result, if any, must come
// back through send.
func (m *Manager) spawn(fn func()) {
	m.effects.Add(1)
	go func() {
		defer m.effects.Done()
		fn()
	}()
}

// send hands an internal result back to the loop. It waits for room rather
// than dropping; during shutdown the loop keeps reading until every spawned
// call has returned.
func (m *Manager) send(cmd command) {
	m.commands <- cmd
}

func (m *Manager) record() RoundRecord {
	r := m.round
	rec := RoundRecord{
		ID:          r.ID,
		Phase:       r.Phase,
		PrivateSeed: r.PrivateSeed,
		PrivateHash: r.PrivateHash,
		StartedAt:   r.StartedAt,
		DurationMs:  r.Duration.Milliseconds(),
		CreatedAt:   r.CreatedAt,
		EndedAt:     r.EndedAt,
		Bets:        m.book.snapshot(),
	}
	if r.Outcome != nil {
		rec.PublicSeed = r.Outcome.PublicSeed
		rec.CrashPoint = r.Outcome.CrashPoint
	}
	return rec
}

func (m *Manager) refreshView() {
	r := m.round
	v := &RoundView{
		RoundID:     r.ID,
		Phase:       r.Phase,
		PrivateHash: r.PrivateHash,
		Multiplier:  m.mult,
		StartedAt:   r.StartedAt,
		Bets:        m.book.snapshot(),
	}
	if r.Outcome != nil {
		v.PublicSeed = r.Outcome.PublicSeed
	}
	if r.Phase.Terminal() {
		v.PrivateSeed = r.PrivateSeed
		v.CrashPoint, _ = r.CrashPoint()
	}
	m.view.Store(v)
}

// CurrentRound returns the latest snapshot, or nil before the first round.
// The snapshot is shared and must not be modified.
func (m *Manager) CurrentRound() *RoundView {
	return m.view.Load()
}

func (m *Manager) PlaceBet(ctx context.Context, req BetRequest) (BetReceipt, error) {
	resp := make(chan result[BetReceipt], 1)
	if err := m.submit(joinCmd{req: req, resp: resp}); err != nil {
		return BetReceipt{}, err
	}
	return await(ctx, resp)
}

func (m *Manager) CashOut(ctx context.Context, playerID string) (CashoutReceipt, error) {
	resp := make(chan result[CashoutReceipt], 1)
	if err := m.submit(cashoutCmd{playerID: playerID, resp: resp}); err != nil {
		return CashoutReceipt{}, err
	}
	return await(ctx, resp)
}

func (m *Manager) CancelBet(ctx context.Context, playerID string) (CancelReceipt, error) {
	resp := make(chan result[CancelReceipt], 1)
	if err := m.submit(cancelCmd{playerID: playerID, resp: resp}); err != nil {
		return CancelReceipt{}, err
	}
	return await(ctx, resp)
}

func (m *Manager) submit(cmd command) error {
	select {
	case m.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func await[T any](ctx context.Context, resp <-chan result[T]) (T, error) {
	select {
	case r := <-resp:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
