package game

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

const (
	evStart  = "start"
	evOpen   = "open"
	evClose  = "close"
	evPlay   = "play"
	evCrash  = "crash"
	evNext   = "next"
	evRefund = "refund"
)

var phaseEvents = fsm.Events{
	{Name: evStart, Src: []string{string(PhaseIdle)}, Dst: string(PhaseStarting)},
	{Name: evOpen, Src: []string{string(PhaseStarting)}, Dst: string(PhaseBetting)},
	{Name: evClose, Src: []string{string(PhaseBetting)}, Dst: string(PhaseBlocking)},
	{Name: evPlay, Src: []string{string(PhaseBlocking)}, Dst: string(PhasePlaying)},
	{Name: evCrash, Src: []string{string(PhasePlaying)}, Dst: string(PhaseEnded)},
	{Name: evNext, Src: []string{string(PhaseEnded)}, Dst: string(PhaseStarting)},
	{
		Name: evRefund,
		Src:  []string{string(PhaseStarting), string(PhaseBetting), string(PhaseBlocking), string(PhasePlaying)},
		Dst:  string(PhaseRefunded),
	},
}

// phaseMachine guards round phase changes with a fixed transition table.
type phaseMachine struct {
	f *fsm.FSM
}

func newPhaseMachine(initial Phase) *phaseMachine {
	return &phaseMachine{f: fsm.NewFSM(string(initial), phaseEvents, fsm.Callbacks{})}
}

func (p *phaseMachine) Current() Phase {
	return Phase(p.f.Current())
}

// tryFire applies event and returns the new phase, or an error when the
// transition is not in the table.
func (p *phaseMachine) tryFire(ctx context.Context, event string) (Phase, error) {
	from := p.Current()
	if err := p.f.Event(ctx, event); err != nil {
		return from, fmt.Errorf("phase %s: event %q: %w", from, event, err)
	}
	return p.Current(), nil
}

// mustFire is for the live loop where an illegal transition means the round
// state is corrupt.
func (p *phaseMachine) mustFire(ctx context.Context, event string) Phase {
	next, err := p.tryFire(ctx, event)
	if err != nil {
		panic(err)
	}
	return next
}
