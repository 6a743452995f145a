package orchestrator

import "fmt"

// State is a step of the turn pipeline. A turn only moves forward.
type State int

// Turn states in pipeline order.
const (
	StateStart State = iota
	StateProfileResolved
	StateTopicResolved
	StateContextRetrieved
	StateCorrected
	StateResponding
	StateDone
)

var stateNames = [...]string{
	StateStart:            "start",
	StateProfileResolved:  "profile_resolved",
	StateTopicResolved:    "topic_resolved",
	StateContextRetrieved: "context_retrieved",
	StateCorrected:        "corrected",
	StateResponding:       "responding",
	StateDone:             "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TopicSource records how a turn's topic was obtained.
type TopicSource string

// Topic sources.
const (
	TopicFound       TopicSource = "found"
	TopicFetched     TopicSource = "fetched"
	TopicUnavailable TopicSource = "unavailable"
)
