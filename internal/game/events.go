package game

import "time"

type EventType string

const (
	EventRoundStarting EventType = "round-starting"
	EventBettingOpen   EventType = "round-betting-open"
	EventBettingClosed EventType = "round-betting-closed"
	EventPlayStarted   EventType = "round-play-started"
	EventTick          EventType = "round-tick"
	EventRoundEnded    EventType = "round-ended"
	EventBetAccepted   EventType = "bet-accepted"
	EventBetCashedOut  EventType = "bet-cashed-out"
	EventBetRejected   EventType = "bet-rejected"
	EventBetCancelled  EventType = "bet-cancelled"
	EventRoundRefunded EventType = "round-refunded"
	EventInitialState  EventType = "initial-state"
)

// Payload is implemented by every event body; each body names its own type.
type Payload interface {
	EventType() EventType
}

type Event struct {
	Type    EventType `json:"type"`
	RoundID string    `json:"round_id"`
	At      time.Time `json:"at"`
	Data    Payload   `json:"data,omitempty"`
}

func NewEvent(roundID string, at time.Time, p Payload) Event {
	return Event{Type: p.EventType(), RoundID: roundID, At: at, Data: p}
}

type RoundStarting struct {
	PrivateHash string `json:"private_hash"`
}

type BettingOpen struct {
	ClosesAt time.Time `json:"closes_at"`
}

type BettingClosed struct{}

type PlayStarted struct {
	PublicSeed string `json:"public_seed"`
}

type Tick struct {
	Multiplier Multiplier `json:"multiplier"`
}

type RoundEnded struct {
	CrashPoint  Multiplier `json:"crash_point"`
	PrivateSeed string     `json:"private_seed"`
}

type BetAccepted struct {
	PlayerID    string     `json:"player_id"`
	Amount      int64      `json:"amount"`
	AutoCashOut Multiplier `json:"auto_cashout,omitempty"`
}

type BetCashedOut struct {
	PlayerID      string     `json:"player_id"`
	StoppedAt     Multiplier `json:"stopped_at"`
	WinningAmount int64      `json:"winning_amount"`
	Trigger       Trigger    `json:"trigger"`
}

type BetRejected struct {
	PlayerID string `json:"player_id"`
	Reason   string `json:"reason"`
}

type BetCancelled struct {
	PlayerID string `json:"player_id"`
}

type RoundRefunded struct {
	Refunds int `json:"refunds"`
}

type InitialState struct {
	Round *RoundView `json:"round"`
}

func (RoundStarting) EventType() EventType { return EventRoundStarting }
func (BettingOpen) EventType() EventType   { return EventBettingOpen }
func (BettingClosed) EventType() EventType { return EventBettingClosed }
func (PlayStarted) EventType() EventType   { return EventPlayStarted }
func (Tick) EventType() EventType          { return EventTick }
func (RoundEnded) EventType() EventType    { return EventRoundEnded }
func (BetAccepted) EventType() EventType   { return EventBetAccepted }
func (BetCashedOut) EventType() EventType  { return EventBetCashedOut }
func (BetRejected) EventType() EventType   { return EventBetRejected }
func (BetCancelled) EventType() EventType  { return EventBetCancelled }
func (RoundRefunded) EventType() EventType { return EventRoundRefunded }
func (InitialState) EventType() EventType  { return EventInitialState }
