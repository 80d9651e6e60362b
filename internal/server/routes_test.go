package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash/internal/config"
	"crash/internal/game"
)

type fakeEngine struct {
	mu      sync.Mutex
	view    *game.RoundView
	bets    []game.BetRequest
	betErr  error
	cashErr error
	cashed  []string
}

func (e *fakeEngine) CurrentRound() *game.RoundView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

func (e *fakeEngine) PlaceBet(ctx context.Context, req game.BetRequest) (game.BetReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.betErr != nil {
		return game.BetReceipt{}, e.betErr
	}
	e.bets = append(e.bets, req)
	return game.BetReceipt{RoundID: "r1", BetID: "b1", Amount: req.Amount, Balance: 900}, nil
}

func (e *fakeEngine) CashOut(ctx context.Context, playerID string) (game.CashoutReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cashErr != nil {
		return game.CashoutReceipt{}, e.cashErr
	}
	e.cashed = append(e.cashed, playerID)
	return game.CashoutReceipt{RoundID: "r1", BetID: "b1", Multiplier: 150, Payout: 150, Balance: 1050}, nil
}

func (e *fakeEngine) CancelBet(ctx context.Context, playerID string) (game.CancelReceipt, error) {
	return game.CancelReceipt{RoundID: "r1", BetID: "b1", Balance: 1000}, nil
}

type fakeBalances struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (b *fakeBalances) Balance(ctx context.Context, playerID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[playerID], nil
}

func (b *fakeBalances) SetBalance(ctx context.Context, playerID string, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[playerID] = amount
	return nil
}

type fakeRounds struct {
	rounds map[string]game.RoundRecord
}

func (r *fakeRounds) Find(ctx context.Context, roundID string) (game.RoundRecord, error) {
	rec, ok := r.rounds[roundID]
	if !ok {
		return game.RoundRecord{}, game.ErrRoundNotFound
	}
	return rec, nil
}

func (r *fakeRounds) Recent(ctx context.Context, limit int) ([]game.RoundRecord, error) {
	var out []game.RoundRecord
	for _, rec := range r.rounds {
		if rec.Phase.Terminal() && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

type staticHealth map[string]string

func (h staticHealth) Health() map[string]string { return h }

const testSecret = "test-secret"

type testServer struct {
	srv      *FiberServer
	engine   *fakeEngine
	balances *fakeBalances
	rounds   *fakeRounds
	jwt      *JWTValidator
}

func newTestServer(t *testing.T, allowBalanceSet bool) *testServer {
	t.Helper()
	ts := &testServer{
		engine:   &fakeEngine{},
		balances: &fakeBalances{balances: map[string]int64{"p1": 1000}},
		rounds:   &fakeRounds{rounds: map[string]game.RoundRecord{}},
		jwt:      NewJWTValidator(testSecret, ""),
	}
	ts.srv = New(config.ServerConfig{AllowBalanceSet: allowBalanceSet, ShutdownDeadline: time.Second}, Deps{
		Engine:   ts.engine,
		Hub:      game.NewHub(),
		Balances: ts.balances,
		Rounds:   ts.rounds,
		Sessions: ts.jwt,
		Health:   map[string]HealthChecker{"database": staticHealth{"status": "up"}},
	})
	return ts
}

func (ts *testServer) token(t *testing.T, playerID string) string {
	t.Helper()
	token, err := ts.jwt.Issue(playerID, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.srv.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("could not read response body: %v", err)
	}
	var result map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("could not unmarshal response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, result
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t, false)
	ts.engine.view = &game.RoundView{RoundID: "r1", Phase: game.PhaseBetting}

	status, result := ts.do(t, http.MethodGet, "/health", "", "")

	if status != http.StatusOK {
		t.Errorf("expected status OK; got %v", status)
	}
	db, _ := result["database"].(map[string]interface{})
	if db["status"] != "up" {
		t.Errorf("expected database status to be 'up'; got %v", db["status"])
	}
	g, _ := result["game"].(map[string]interface{})
	if g["phase"] != string(game.PhaseBetting) {
		t.Errorf("expected game phase BETTING; got %v", g["phase"])
	}
}

func TestCurrentRound(t *testing.T) {
	ts := newTestServer(t, false)

	status, body := ts.do(t, http.MethodGet, "/api/v1/round", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no_active_round", body["code"])
	assert.Equal(t, false, body["success"])

	ts.engine.view = &game.RoundView{RoundID: "r7", Phase: game.PhasePlaying, Multiplier: 142}
	status, body = ts.do(t, http.MethodGet, "/api/v1/round", "", "")
	assert.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "r7", data["round_id"])
	assert.Equal(t, 1.42, data["multiplier"])
}

func TestPlaceBet(t *testing.T) {
	ts := newTestServer(t, false)

	status, body := ts.do(t, http.MethodPost, "/api/v1/round/bet", `{"amount":100}`, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["code"])

	status, _ = ts.do(t, http.MethodPost, "/api/v1/round/bet", `{"amount":100}`, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = ts.do(t, http.MethodPost, "/api/v1/round/bet", `{"amount":100,"auto_cashout":2.5}`, ts.token(t, "p1"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	require.Len(t, ts.engine.bets, 1)
	assert.Equal(t, game.BetRequest{PlayerID: "p1", Amount: 100, AutoCashOut: 250}, ts.engine.bets[0])

	status, body = ts.do(t, http.MethodPost, "/api/v1/round/bet", `{"amount":`, ts.token(t, "p1"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_body", body["code"])
}

func TestPlaceBet_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"closed", game.ErrBettingClosed, http.StatusBadRequest, "betting_closed"},
		{"duplicate", game.ErrDuplicateBet, http.StatusConflict, "duplicate_bet"},
		{"funds", game.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
		{"busy", game.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
		{"wrapped", errWrap(game.ErrBalanceUnavailable), http.StatusServiceUnavailable, "balance_unavailable"},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, false)
			ts.engine.betErr = tt.err

			status, body := ts.do(t, http.MethodPost, "/api/v1/round/bet", `{"amount":100}`, ts.token(t, "p1"))
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestCashoutAndCancel(t *testing.T) {
	ts := newTestServer(t, false)
	token := ts.token(t, "p2")

	status, body := ts.do(t, http.MethodPost, "/api/v1/round/cashout", "", token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.5, body["data"].(map[string]interface{})["multiplier"])
	assert.Equal(t, []string{"p2"}, ts.engine.cashed)

	ts.engine.cashErr = game.ErrTooEarly
	status, body = ts.do(t, http.MethodPost, "/api/v1/round/cashout", "", token)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "too_early", body["code"])

	status, _ = ts.do(t, http.MethodDelete, "/api/v1/round/bet", "", token)
	assert.Equal(t, http.StatusOK, status)
}

func TestRoundHistory(t *testing.T) {
	ts := newTestServer(t, false)
	seed, hash := game.NewSeedPair()
	ts.rounds.rounds["live"] = game.RoundRecord{ID: "live", Phase: game.PhasePlaying, PrivateSeed: seed, PrivateHash: hash, CrashPoint: 300}
	ts.rounds.rounds["done"] = game.RoundRecord{ID: "done", Phase: game.PhaseEnded, PrivateSeed: seed, PrivateHash: hash, CrashPoint: 300}

	status, body := ts.do(t, http.MethodGet, "/api/v1/rounds/live", "", "")
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Nil(t, data["private_seed"], "seed of a running round must stay hidden")
	assert.Nil(t, data["crash_point"])

	status, body = ts.do(t, http.MethodGet, "/api/v1/rounds/done", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, seed, body["data"].(map[string]interface{})["private_seed"])

	status, body = ts.do(t, http.MethodGet, "/api/v1/rounds/missing", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "round_not_found", body["code"])

	status, body = ts.do(t, http.MethodGet, "/api/v1/rounds?limit=5", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)

	status, _ = ts.do(t, http.MethodGet, "/api/v1/rounds?limit=1000", "", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestVerify(t *testing.T) {
	ts := newTestServer(t, false)
	seed, hash := game.NewSeedPair()
	public := "0000000000000000000b4d0b1a7c"
	crash := game.CrashPoint(seed, public)
	ts.rounds.rounds["r1"] = game.RoundRecord{ID: "r1", Phase: game.PhaseEnded, PrivateSeed: seed, PrivateHash: hash, PublicSeed: public, CrashPoint: crash}
	ts.rounds.rounds["r2"] = game.RoundRecord{ID: "r2", Phase: game.PhaseEnded, PrivateSeed: seed, PrivateHash: hash, PublicSeed: public, CrashPoint: crash + 1}
	ts.rounds.rounds["r3"] = game.RoundRecord{ID: "r3", Phase: game.PhaseBetting, PrivateSeed: seed, PrivateHash: hash}

	status, body := ts.do(t, http.MethodGet, "/api/v1/verify?round_id=r1", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]interface{})["valid"])

	_, body = ts.do(t, http.MethodGet, "/api/v1/verify?round_id=r2", "", "")
	assert.Equal(t, false, body["data"].(map[string]interface{})["valid"])

	status, body = ts.do(t, http.MethodGet, "/api/v1/verify?round_id=r3", "", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "round_in_progress", body["code"])

	_, body = ts.do(t, http.MethodGet, "/api/v1/verify?private_seed="+seed+"&public_seed="+public+"&private_hash="+hash+"&crash_point="+crash.String(), "", "")
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, hash, data["private_hash"])

	_, body = ts.do(t, http.MethodGet, "/api/v1/verify?private_seed="+seed+"&public_seed="+public+"&private_hash=deadbeef", "", "")
	assert.Equal(t, false, body["data"].(map[string]interface{})["valid"])

	status, _ = ts.do(t, http.MethodGet, "/api/v1/verify", "", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBalance(t *testing.T) {
	ts := newTestServer(t, false)

	status, body := ts.do(t, http.MethodGet, "/api/v1/user/balance", "", ts.token(t, "p1"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1000), body["data"].(map[string]interface{})["balance"])

	// top-up route is absent unless enabled
	status, _ = ts.do(t, http.MethodPost, "/api/v1/user/p1/balance", `{"balance":5}`, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSetBalance(t *testing.T) {
	ts := newTestServer(t, true)

	status, _ := ts.do(t, http.MethodPost, "/api/v1/user/p9/balance", `{"balance":5000}`, "")
	require.Equal(t, http.StatusOK, status)
	got, _ := ts.balances.Balance(context.Background(), "p9")
	assert.Equal(t, int64(5000), got)

	status, body := ts.do(t, http.MethodPost, "/api/v1/user/p9/balance", `{"balance":-1}`, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_amount", body["code"])
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	ts := newTestServer(t, false)

	status, body := ts.do(t, http.MethodGet, "/ws", "", "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
	assert.Equal(t, "upgrade_required", body["code"])
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := ts.srv.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "crash_connected_clients")
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, false)

	status, body := ts.do(t, http.MethodGet, "/api/v1/nope", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}
