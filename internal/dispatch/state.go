package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/autorag/autorag/internal/index"
)

// State tracks a turn through the pipeline. Aborted is reachable from
// any non-terminal state.
type State int

const (
	StateReceived State = iota
	StateAuthorizing
	StateRetrieving
	StateAssembling
	StateGenerating
	StateReplying
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateAuthorizing:
		return "authorizing"
	case StateRetrieving:
		return "retrieving"
	case StateAssembling:
		return "assembling"
	case StateGenerating:
		return "generating"
	case StateReplying:
		return "replying"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Turn is one inbound message moving through the pipeline.
type Turn struct {
	ID          uuid.UUID
	RequesterID string
	Inbound     string
	Retrieved   index.Result
	Reply       string
	Model       string
	State       State
	Err         error
	StartedAt   time.Time
}
