package game

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crash/internal/config"
)

// fakeClock only moves when a test fires its earliest armed timer.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	c     chan time.Time
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), c: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.done
	t.done = true
	return wasActive
}

func (c *fakeClock) armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if !t.done {
			return true
		}
	}
	return false
}

// fireNext jumps to the earliest armed deadline and fires that timer.
func (c *fakeClock) fireNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var live []*fakeTimer
	for _, t := range c.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	c.timers = live
	if len(live) == 0 {
		return
	}
	sort.Slice(live, func(i, j int) bool { return live[i].at.Before(live[j].at) })
	t := live[0]
	if t.at.After(c.now) {
		c.now = t.at
	}
	t.done = true
	t.c <- c.now
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func (r *recorder) all(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type ledgerCall struct {
	key    string
	amount int64
}

// memLedger is an idempotent in-memory BalanceLedger.
type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]int64
	amounts  map[string]int64
	debits   []ledgerCall
	credits  []ledgerCall

	debitGate chan struct{} // when set, debits wait for a receive
	gated     atomic.Int32
	failing   error // returned by every call when set
	// when set, a gated debit whose context ends still commits and then
	// reports the context error
	commitOnCancel bool
}

func newMemLedger(balances map[string]int64) *memLedger {
	if balances == nil {
		balances = make(map[string]int64)
	}
	return &memLedger{balances: balances, applied: make(map[string]int64), amounts: make(map[string]int64)}
}

func (l *memLedger) Debit(ctx context.Context, playerID string, amount int64, reason TxReason, roundID string) (int64, error) {
	if l.debitGate != nil {
		l.gated.Add(1)
		select {
		case <-l.debitGate:
		case <-ctx.Done():
			if !l.commitOnCancel {
				return 0, ctx.Err()
			}
		}
		if l.commitOnCancel && ctx.Err() != nil {
			l.apply(playerID, -amount, IdempotencyKey(roundID, playerID, reason))
			return 0, ctx.Err()
		}
	}
	return l.apply(playerID, -amount, IdempotencyKey(roundID, playerID, reason))
}

func (l *memLedger) Credit(ctx context.Context, playerID string, amount int64, reason TxReason, roundID string) (int64, error) {
	return l.apply(playerID, amount, IdempotencyKey(roundID, playerID, reason))
}

func (l *memLedger) Balance(ctx context.Context, playerID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[playerID], nil
}

func (l *memLedger) Transaction(ctx context.Context, playerID string, reason TxReason, roundID string) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing != nil {
		return 0, false, l.failing
	}
	amount, ok := l.amounts[IdempotencyKey(roundID, playerID, reason)]
	return amount, ok, nil
}

func (l *memLedger) apply(playerID string, delta int64, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing != nil {
		return 0, l.failing
	}
	if balance, ok := l.applied[key]; ok {
		return balance, nil
	}
	if l.balances[playerID]+delta < 0 {
		return 0, ErrInsufficientFunds
	}
	l.balances[playerID] += delta
	l.applied[key] = l.balances[playerID]
	l.amounts[key] = max(delta, -delta)
	if delta < 0 {
		l.debits = append(l.debits, ledgerCall{key, -delta})
	} else {
		l.credits = append(l.credits, ledgerCall{key, delta})
	}
	return l.balances[playerID], nil
}

func (l *memLedger) balance(playerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[playerID]
}

func (l *memLedger) totals() (debited, credited int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.debits {
		debited += c.amount
	}
	for _, c := range l.credits {
		credited += c.amount
	}
	return debited, credited
}

type memStore struct {
	mu      sync.Mutex
	rounds  map[string]RoundRecord
	saves   int
	failing error
}

func newMemStore(seed ...RoundRecord) *memStore {
	s := &memStore{rounds: make(map[string]RoundRecord)}
	for _, rec := range seed {
		s.rounds[rec.ID] = rec
	}
	return s
}

func (s *memStore) Save(ctx context.Context, rec RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return s.failing
	}
	rec.Bets = append([]Bet(nil), rec.Bets...)
	s.rounds[rec.ID] = rec
	s.saves++
	return nil
}

func (s *memStore) FindInProgress(ctx context.Context) ([]RoundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RoundRecord
	for _, rec := range s.rounds {
		if rec.Phase.InProgress() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Find(ctx context.Context, roundID string) (RoundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rounds[roundID]
	if !ok {
		return RoundRecord{}, ErrRoundNotFound
	}
	return rec, nil
}

// fixedOutcome always crashes at the same point, after failing `failures`
// times.
type fixedOutcome struct {
	mu       sync.Mutex
	crash    Multiplier
	failures int
}

func (f *fixedOutcome) Derive(ctx context.Context, privateSeed string) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return Outcome{}, ErrSeedUnavailable
	}
	return Outcome{PublicSeed: "public-" + privateSeed[:8], CrashPoint: f.crash}, nil
}

func testGameConfig() config.GameConfig {
	return config.GameConfig{
		PreRollDelay:     time.Second,
		BettingWindow:    5 * time.Second,
		BlockingPoll:     100 * time.Millisecond,
		BlockingMaxPolls: 5,
		TickInterval:     150 * time.Millisecond,
		EndDelay:         3 * time.Second,
		GrowthRate:       DefaultGrowthRate,
		MinBet:           10,
		MaxBet:           1_000_000,
		MaxProfit:        100_000_000,
		MinAutoCashOut:   101,
		MaxCrashPoint:    int64(MAX_MULTIPLIER),
		BalanceTimeout:   5 * time.Second,
		StoreTimeout:     time.Second,
	}
}

type harness struct {
	m       *Manager
	clock   *fakeClock
	ledger  *memLedger
	store   *memStore
	rec     *recorder
	outcome *fixedOutcome

	cancel  context.CancelFunc
	done    chan error
	stopped bool
}

func newHarness(t *testing.T, crash Multiplier, balances map[string]int64, tweak ...func(*config.GameConfig, *harness)) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		ledger:  newMemLedger(balances),
		store:   newMemStore(),
		rec:     &recorder{},
		outcome: &fixedOutcome{crash: crash},
	}
	cfg := testGameConfig()
	for _, fn := range tweak {
		fn(&cfg, h)
	}

	m, err := NewManager(cfg, Dependencies{
		Ledger:      h.ledger,
		Store:       h.store,
		Broadcaster: h.rec,
		Outcomes:    h.outcome,
		Clock:       h.clock,
	})
	require.NoError(t, err)
	h.m = m

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel, h.done = cancel, make(chan error, 1)
	go func() { h.done <- m.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

// stop cancels Run and waits for it to return.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.stopped {
		return
	}
	h.stopped = true
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Error("manager did not stop")
	}
}

func (h *harness) failStore(err error) {
	h.store.mu.Lock()
	h.store.failing = err
	h.store.mu.Unlock()
}

// step fires the next timer and waits until the loop has armed another,
// which means everything that timer triggered has been applied.
func (h *harness) step(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.clock.armed, 2*time.Second, time.Millisecond, "no timer armed")
	h.clock.fireNext()
	require.Eventually(t, h.clock.armed, 2*time.Second, time.Millisecond, "loop did not re-arm")
	h.sync(t)
}

type syncCmd struct{ done chan struct{} }

func (c syncCmd) apply(context.Context, *Manager) { close(c.done) }

// sync returns once the loop has finished every iteration before it,
// including the view refresh.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, h.m.submit(syncCmd{done: done}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}
}

func (h *harness) view(t *testing.T) *RoundView {
	t.Helper()
	h.sync(t)
	return h.m.CurrentRound()
}

// advanceUntil steps until one more event of typ has been published.
func (h *harness) advanceUntil(t *testing.T, typ EventType) Event {
	t.Helper()
	want := h.rec.count(typ) + 1
	require.Eventually(t, h.clock.armed, 2*time.Second, time.Millisecond, "no timer armed")
	for i := 0; i < 100_000; i++ {
		if h.rec.count(typ) >= want {
			ev, _ := h.rec.last(typ)
			return ev
		}
		h.step(t)
	}
	t.Fatalf("no %s event", typ)
	return Event{}
}

// advanceToMultiplier ticks until the published multiplier reaches at least m.
func (h *harness) advanceToMultiplier(t *testing.T, m Multiplier) Multiplier {
	t.Helper()
	for i := 0; i < 100_000; i++ {
		ev := h.advanceUntil(t, EventTick)
		if got := ev.Data.(Tick).Multiplier; got >= m {
			return got
		}
	}
	t.Fatalf("multiplier never reached %v", m)
	return 0
}

func (h *harness) bet(t *testing.T, view *RoundView, playerID string) Bet {
	t.Helper()
	require.NotNil(t, view)
	b, ok := view.Bet(playerID)
	require.True(t, ok, "no bet for %s", playerID)
	return b
}

// storedRound waits until the store holds roundID in phase.
func (h *harness) storedRound(t *testing.T, roundID string, phase Phase) RoundRecord {
	t.Helper()
	var rec RoundRecord
	require.Eventually(t, func() bool {
		r, err := h.store.Find(context.Background(), roundID)
		if err != nil || r.Phase != phase {
			return false
		}
		rec = r
		return true
	}, 2*time.Second, time.Millisecond)
	return rec
}

var errLedgerDown = errors.New("ledger down")
