package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"crash/internal/game"
	"crash/internal/logger"
)

const (
	// bounds a bet that waits on a slow balance debit
	requestTimeout = 15 * time.Second

	defaultHistory = 20
	maxHistory     = 100
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{}
	for name, checker := range s.health {
		health[name] = checker.Health()
	}

	status := fiber.Map{"status": "running"}
	if s.hub != nil {
		status["connected_clients"] = s.hub.GetClientCount()
	}
	if view := s.engine.CurrentRound(); view != nil {
		status["round_id"] = view.RoundID
		status["phase"] = view.Phase
	}
	health["game"] = status
	return c.JSON(health)
}

func (s *FiberServer) currentRoundHandler(c *fiber.Ctx) error {
	view := s.engine.CurrentRound()
	if view == nil {
		return respondError(c, game.ErrRoundNotActive)
	}
	return respondOK(c, view)
}

type placeBetBody struct {
	Amount      int64           `json:"amount"`
	AutoCashOut game.Multiplier `json:"auto_cashout"`
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var body placeBetBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	receipt, err := s.engine.PlaceBet(ctx, game.BetRequest{
		PlayerID:    playerID(c),
		Amount:      body.Amount,
		AutoCashOut: body.AutoCashOut,
	})
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, receipt)
}

func (s *FiberServer) cancelBetHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	receipt, err := s.engine.CancelBet(ctx, playerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, receipt)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	receipt, err := s.engine.CashOut(ctx, playerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, receipt)
}

func (s *FiberServer) recentRoundsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistory)
	if limit <= 0 || limit > maxHistory {
		return badRequest(c, "invalid_limit", "limit must be between 1 and 100")
	}
	rounds, err := s.rounds.Recent(c.UserContext(), limit)
	if err != nil {
		logger.Error(c.UserContext()).Err(err).Msg("[DB] recent rounds")
		return respondError(c, err)
	}
	for i := range rounds {
		rounds[i] = rounds[i].Revealed()
	}
	return respondOK(c, rounds)
}

// roundHandler serves a stored round. The private seed and crash point stay
// hidden until the round has finished.
func (s *FiberServer) roundHandler(c *fiber.Ctx) error {
	rec, err := s.rounds.Find(c.UserContext(), c.Params("id"))
	if err != nil {
		if !errors.Is(err, game.ErrRoundNotFound) {
			logger.Error(c.UserContext()).Err(err).Str("round_id", c.Params("id")).Msg("[DB] find round")
		}
		return respondError(c, err)
	}
	return respondOK(c, rec.Revealed())
}

type verifyResult struct {
	Valid       bool            `json:"valid"`
	RoundID     string          `json:"round_id,omitempty"`
	PrivateHash string          `json:"private_hash"`
	PublicSeed  string          `json:"public_seed"`
	CrashPoint  game.Multiplier `json:"crash_point"`
	Error       string          `json:"error,omitempty"`
}

// verifyHandler recomputes a crash point either for a stored round
// (?round_id=) or for seeds supplied by the caller.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	if roundID := c.Query("round_id"); roundID != "" {
		rec, err := s.rounds.Find(c.UserContext(), roundID)
		if err != nil {
			return respondError(c, err)
		}
		if !rec.Phase.Terminal() {
			return c.Status(fiber.StatusConflict).JSON(errorBody{
				Code:    "round_in_progress",
				Message: "round has not finished",
			})
		}
		res := verifyResult{
			Valid:       true,
			RoundID:     rec.ID,
			PrivateHash: rec.PrivateHash,
			PublicSeed:  rec.PublicSeed,
			CrashPoint:  rec.CrashPoint,
		}
		if rec.Phase == game.PhaseRefunded && rec.PublicSeed == "" {
			// refunded before play; only the commitment can be checked
			res.CrashPoint = 0
			if game.HashCommitment(rec.PrivateSeed) != rec.PrivateHash {
				res.Valid, res.Error = false, game.ErrCommitmentMismatch.Error()
			}
			return respondOK(c, res)
		}
		if err := game.VerifyRound(rec.PrivateSeed, rec.PrivateHash, rec.PublicSeed, rec.CrashPoint); err != nil {
			res.Valid, res.Error = false, err.Error()
		}
		return respondOK(c, res)
	}

	privateSeed := c.Query("private_seed")
	publicSeed := c.Query("public_seed")
	if privateSeed == "" || publicSeed == "" {
		return badRequest(c, "invalid_query", "round_id, or private_seed and public_seed, are required")
	}

	res := verifyResult{
		Valid:       true,
		PrivateHash: game.HashCommitment(privateSeed),
		PublicSeed:  publicSeed,
		CrashPoint:  game.CrashPoint(privateSeed, publicSeed),
	}
	if hash := c.Query("private_hash"); hash != "" && hash != res.PrivateHash {
		res.Valid, res.Error = false, game.ErrCommitmentMismatch.Error()
	}
	if claimed := c.Query("crash_point"); claimed != "" && res.Valid {
		m, err := game.ParseMultiplier(claimed)
		if err != nil {
			return badRequest(c, "invalid_query", "crash_point is not a multiplier")
		}
		if m != res.CrashPoint {
			res.Valid, res.Error = false, game.ErrCrashPointMismatch.Error()
		}
	}
	return respondOK(c, res)
}

func (s *FiberServer) balanceHandler(c *fiber.Ctx) error {
	id := playerID(c)
	balance, err := s.balances.Balance(c.UserContext(), id)
	if err != nil {
		logger.Error(c.UserContext()).Err(err).Str("player_id", id).Msg("[CACHE] balance lookup")
		return respondError(c, game.ErrBalanceUnavailable)
	}
	return respondOK(c, fiber.Map{
		"player_id": id,
		"balance":   balance,
	})
}

// setUserBalanceHandler sets a user's balance (for testing/admin)
func (s *FiberServer) setUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	var body struct {
		Balance int64 `json:"balance"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body")
	}
	if body.Balance < 0 {
		return badRequest(c, "invalid_amount", "balance must not be negative")
	}

	if err := s.balances.SetBalance(c.UserContext(), userID, body.Balance); err != nil {
		logger.Error(c.UserContext()).Err(err).Str("player_id", userID).Msg("[CACHE] set balance")
		return respondError(c, game.ErrBalanceUnavailable)
	}

	logger.Warn(c.UserContext()).Str("player_id", userID).Int64("balance", body.Balance).Msg("[CACHE] balance overwritten")
	return respondOK(c, fiber.Map{
		"player_id": userID,
		"balance":   body.Balance,
	})
}
