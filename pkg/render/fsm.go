package render

import (
	"fmt"
	"log/slog"

	"github.com/robbyt/go-fsm/v2"
)

// Pipeline states of one render request.
const (
	StateStart      = "start"
	StateResolving  = "resolving"
	StateBinding    = "binding"
	StateRendering  = "rendering"
	StatePersisting = "persisting"
	StateDone       = "done"
	StateError      = "error"
)

// pipelineTransitions allows the forward path plus a jump to error from every
// non-terminal state. A no-show request goes from resolving straight to done
// and the statistics page from start to done.
var pipelineTransitions = map[string][]string{
	StateStart:      {StateResolving, StateDone, StateError},
	StateResolving:  {StateBinding, StateDone, StateError},
	StateBinding:    {StateRendering, StateError},
	StateRendering:  {StatePersisting, StateError},
	StatePersisting: {StateDone, StateError},
	StateDone:       {},
	StateError:      {},
}

// machine is the subset of the state machine the pipeline drives.
type machine interface {
	Transition(state string) error
	GetState() string
}

func newMachine(handler slog.Handler) (machine, error) {
	m, err := fsm.NewSimple(StateStart, pipelineTransitions, fsm.WithLogHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("create pipeline state machine: %w", err)
	}

	return m, nil
}
