package controller

import "fmt"

type State int

const (
	Idle State = iota
	Connecting
	Active
	Closing
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Event int

const (
	Show Event = iota
	Hide
	Connected
	ConnectFailed
	ConnLost
	Closed
	Retry
)

func (e Event) String() string {
	switch e {
	case Show:
		return "Show"
	case Hide:
		return "Hide"
	case Connected:
		return "Connected"
	case ConnectFailed:
		return "ConnectFailed"
	case ConnLost:
		return "ConnLost"
	case Closed:
		return "Closed"
	case Retry:
		return "Retry"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

var transitions = map[State]map[Event]State{
	Idle: {
		Show: Connecting,
	},
	Connecting: {
		Hide:          Closing,
		Connected:     Active,
		ConnectFailed: Error,
		ConnLost:      Error,
	},
	Active: {
		Hide:     Closing,
		ConnLost: Error,
	},
	Closing: {
		Closed: Idle,
	},
	Error: {
		Show:   Connecting,
		Retry:  Connecting,
		Hide:   Closing,
		Closed: Idle,
	},
}

// Next is the transition function. Pairs without a transition keep the state.
func Next(s State, e Event) State {
	if to, ok := transitions[s][e]; ok {
		return to
	}
	return s
}
