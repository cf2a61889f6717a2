package controller

import "fmt"

// Phase is the competition lifecycle state. It only ever moves forward:
// WaitingRegistration → GameSetup → Running → Terminated, with early exits
// to Terminated on cancellation.
type Phase int

const (
	WaitingRegistration Phase = iota
	GameSetup
	Running
	Terminated
)

func (p Phase) String() string {
	switch p {
	case WaitingRegistration:
		return "WAITING_REGISTRATION"
	case GameSetup:
		return "GAME_SETUP"
	case Running:
		return "RUNNING"
	case Terminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

var legalTransitions = map[Phase][]Phase{
	WaitingRegistration: {GameSetup, Terminated},
	GameSetup:           {Running, Terminated},
	Running:             {Terminated},
	Terminated:          {},
}

// CanTransition reports whether moving from p to next is legal.
func (p Phase) CanTransition(next Phase) bool {
	for _, to := range legalTransitions[p] {
		if to == next {
			return true
		}
	}
	return false
}
