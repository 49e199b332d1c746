package node

type State int

const (
	StateInactive State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// StateListener observes proxy state transitions.
type StateListener interface {
	StateChanged(p *Proxy, now, last State)
}

type StateListenerFunc func(p *Proxy, now, last State)

func (f StateListenerFunc) StateChanged(p *Proxy, now, last State) {
	f(p, now, last)
}
