package game

import "errors"

// RejectError is a player-facing rejection with a stable reason code.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string { return e.Message }

// Validation
var (
	ErrBettingClosed  = &RejectError{"betting_closed", "betting is closed"}
	ErrInvalidAmount  = &RejectError{"invalid_amount", "bet amount out of range"}
	ErrInvalidTarget  = &RejectError{"invalid_target", "auto cashout target out of range"}
	ErrDuplicateBet   = &RejectError{"duplicate_bet", "player already has a bet this round"}
	ErrBetPending     = &RejectError{"bet_pending", "a balance operation for this bet is in flight"}
	ErrNotPlaying     = &RejectError{"not_playing", "round is not in play"}
	ErrTooEarly       = &RejectError{"too_early", "multiplier has not passed 1.01x"}
	ErrRoundOver      = &RejectError{"round_over", "round has already crashed"}
	ErrBetNotFound    = &RejectError{"bet_not_found", "no active bet for player"}
	ErrInvalidPlayer  = &RejectError{"invalid_player", "player id is required"}
	ErrQueueFull      = &RejectError{"queue_full", "engine is busy, try again"}
	ErrUnauthorized   = &RejectError{"unauthorized", "authentication required"}
	ErrRoundNotActive = &RejectError{"no_active_round", "no active round"}
)

// Funds and dependencies
var (
	ErrInsufficientFunds  = &RejectError{"insufficient_funds", "insufficient balance"}
	ErrBalanceUnavailable = &RejectError{"balance_unavailable", "balance service unavailable"}
	ErrSeedUnavailable    = &RejectError{"seed_unavailable", "public seed source unavailable"}
)

// ErrAlreadyCashedOut is a consistency no-op: the bet was settled before.
var ErrAlreadyCashedOut = &RejectError{"already_cashed_out", "already cashed out"}

// ErrOrphanedRound marks a round found in progress at startup.
var ErrOrphanedRound = errors.New("orphaned round")

// ReasonCode returns the rejection code carried by err, or "internal_error".
func ReasonCode(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Code
	}
	return "internal_error"
}
