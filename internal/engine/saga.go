package engine

import (
	"encoding/json"
	"sync"

	"github.com/careflow-go/pkg/logger"
)

// compensation is one registered undo step: an activity name plus the
// input it will receive when the saga unwinds.
type compensation struct {
	activity string
	input    json.RawMessage
}

// saga collects compensations as the workflow produces side effects and
// replays them in reverse order when the run fails or is cancelled. Each
// compensation is best-effort: a failing one is logged and the chain
// continues, because a half-finished undo is still better than none and
// every step is idempotent.
type saga struct {
	mu    sync.Mutex
	steps []compensation
}

func (s *saga) push(activity string, input json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, compensation{activity: activity, input: input})
}

func (s *saga) reversed() []compensation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]compensation, len(s.steps))
	for i, step := range s.steps {
		out[len(s.steps)-1-i] = step
	}
	return out
}

// unwind runs the chain. Returns true when every compensation succeeded.
func (wc *Context) unwind(log logger.Logger) bool {
	steps := wc.saga.reversed()
	ok := true
	for _, step := range steps {
		if err := wc.runCompensation(step); err != nil {
			ok = false
			log.Error("compensation failed, continuing chain",
				"workflow_id", wc.rec.WorkflowID, "activity", step.activity, "error", err)
		}
	}
	return ok
}
