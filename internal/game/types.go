package game

import (
	"time"
)

type Phase string

const (
	PhaseIdle     Phase = "IDLE"
	PhaseStarting Phase = "STARTING"
	PhaseBetting  Phase = "BETTING"
	PhaseBlocking Phase = "BLOCKING"
	PhasePlaying  Phase = "PLAYING"
	PhaseEnded    Phase = "ENDED"
	PhaseRefunded Phase = "REFUNDED"
)

// InProgress reports whether a persisted round in this phase was interrupted.
func (p Phase) InProgress() bool {
	switch p {
	case PhaseStarting, PhaseBetting, PhaseBlocking, PhasePlaying:
		return true
	}
	return false
}

// Terminal reports whether the round's private seed may be revealed.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseRefunded
}

type BetStatus string

const (
	StatusPlaying   BetStatus = "PLAYING"
	StatusCashedOut BetStatus = "CASHED_OUT"
	StatusLost      BetStatus = "LOST"
	StatusRefunded  BetStatus = "REFUNDED"
	StatusCancelled BetStatus = "CANCELLED"
)

type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
	TriggerForced Trigger = "forced"
)

type Bet struct {
	ID            string     `json:"bet_id"`
	PlayerID      string     `json:"player_id"`
	Amount        int64      `json:"amount"`
	AutoCashOut   Multiplier `json:"auto_cashout,omitempty"` // 0 means none
	Status        BetStatus  `json:"status"`
	StoppedAt     Multiplier `json:"stopped_at,omitempty"`
	WinningAmount int64      `json:"winning_amount"`
	Trigger       Trigger    `json:"trigger,omitempty"`
	PlacedAt      time.Time  `json:"placed_at"`
	SettledAt     time.Time  `json:"settled_at,omitzero"`
}

// Outcome is fixed when the round enters play and never before.
type Outcome struct {
	PublicSeed string
	CrashPoint Multiplier
}

// Round is owned by the Manager loop; everything else sees RoundRecord or
// RoundView copies.
type Round struct {
	ID          string
	Phase       Phase
	PrivateSeed string
	PrivateHash string
	Outcome     *Outcome
	StartedAt   time.Time
	Duration    time.Duration
	CreatedAt   time.Time
	EndedAt     time.Time
}

// CrashPoint is only defined once the round is playing.
func (r *Round) CrashPoint() (Multiplier, bool) {
	if r.Outcome == nil {
		return 0, false
	}
	return r.Outcome.CrashPoint, true
}

// RoundRecord is the persisted form of a round, including every bet.
type RoundRecord struct {
	ID          string     `json:"round_id"`
	Phase       Phase      `json:"phase"`
	PrivateSeed string     `json:"private_seed,omitempty"`
	PrivateHash string     `json:"private_hash"`
	PublicSeed  string     `json:"public_seed,omitempty"`
	CrashPoint  Multiplier `json:"crash_point,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     time.Time  `json:"ended_at,omitzero"`
	Bets        []Bet      `json:"bets"`
}

// Revealed hides the secret and the outcome of rounds that are not finished.
func (r RoundRecord) Revealed() RoundRecord {
	if !r.Phase.Terminal() {
		r.PrivateSeed = ""
		r.CrashPoint = 0
	}
	return r
}

// RoundView is the public snapshot served to clients.
type RoundView struct {
	RoundID     string     `json:"round_id"`
	Phase       Phase      `json:"phase"`
	PrivateHash string     `json:"private_hash"`
	PublicSeed  string     `json:"public_seed,omitempty"`
	PrivateSeed string     `json:"private_seed,omitempty"`
	CrashPoint  Multiplier `json:"crash_point,omitempty"`
	Multiplier  Multiplier `json:"multiplier"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	Bets        []Bet      `json:"bets"`
}

// Bet returns the player's bet in this snapshot.
func (v *RoundView) Bet(playerID string) (Bet, bool) {
	for _, b := range v.Bets {
		if b.PlayerID == playerID {
			return b, true
		}
	}
	return Bet{}, false
}

type BetRequest struct {
	PlayerID    string     `json:"player_id"`
	Amount      int64      `json:"amount"`
	AutoCashOut Multiplier `json:"auto_cashout,omitempty"`
}

type BetReceipt struct {
	RoundID string `json:"round_id"`
	BetID   string `json:"bet_id"`
	Amount  int64  `json:"amount"`
	Balance int64  `json:"balance"`
}

type CashoutReceipt struct {
	RoundID    string     `json:"round_id"`
	BetID      string     `json:"bet_id"`
	Multiplier Multiplier `json:"multiplier"`
	Payout     int64      `json:"payout"`
	Balance    int64      `json:"balance"`
}

type CancelReceipt struct {
	RoundID string `json:"round_id"`
	BetID   string `json:"bet_id"`
	Balance int64  `json:"balance"`
}
