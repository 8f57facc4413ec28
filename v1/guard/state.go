package guard

// State is a step of one guarded invocation.
type State int

const (
	StateInit State = iota
	StateKeyResolved
	StateAcquiring
	StateAcquired
	StateAcquireFailed
	StateAcquireInterrupted
	StateRunning
	StateCompleted
	StateFailed
	StateReleasing
	StateReleased
)

var stateNames = [...]string{
	StateInit:               "init",
	StateKeyResolved:        "key_resolved",
	StateAcquiring:          "acquiring",
	StateAcquired:           "acquired",
	StateAcquireFailed:      "acquire_failed",
	StateAcquireInterrupted: "acquire_interrupted",
	StateRunning:            "running",
	StateCompleted:          "completed",
	StateFailed:             "failed",
	StateReleasing:          "releasing",
	StateReleased:           "released",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Transition is reported to observers each time an invocation changes state.
type Transition struct {
	Key  string
	From State
	To   State
	Err  error
}
