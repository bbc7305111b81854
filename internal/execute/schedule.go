package execute

import (
	"time"

	"golang.org/x/time/rate"

	"crossquery.app/conductor/internal/model"
)

// schedule tracks per-operation state for one Run. It is only touched
// from the scheduling loop, so it needs no locking.
type schedule struct {
	plan     model.Plan
	results  map[string]*model.OpResult
	waiting  map[string]int      // op id -> unmet dependency count
	children map[string][]string // op id -> dependents
	ready    []string            // FIFO, seeded and appended in plan order
	inflight int
	limiters map[string]*rate.Limiter
	opts     Options
}

func newSchedule(p model.Plan, opts Options) *schedule {
	s := &schedule{
		plan:     p,
		results:  make(map[string]*model.OpResult, len(p.Operations)),
		waiting:  make(map[string]int, len(p.Operations)),
		children: make(map[string][]string),
		limiters: make(map[string]*rate.Limiter),
		opts:     opts,
	}

	for _, op := range p.Operations {
		s.results[op.OpID] = &model.OpResult{
			OpID:     op.OpID,
			SourceID: op.SourceID,
			Status:   model.OpPending,
		}
		s.waiting[op.OpID] = len(op.DependsOn)
		for _, dep := range op.DependsOn {
			s.children[dep] = append(s.children[dep], op.OpID)
		}
	}

	// Seed the ready queue in plan order so equal-readiness ties are
	// broken deterministically.
	for _, op := range p.Operations {
		if s.waiting[op.OpID] == 0 {
			s.markReady(op.OpID)
		}
	}

	return s
}

func (s *schedule) markReady(opID string) {
	s.results[opID].Status = model.OpReady
	s.ready = append(s.ready, opID)
}

// nextReady pops the oldest ready operation.
func (s *schedule) nextReady() (model.Operation, bool) {
	if len(s.ready) == 0 {
		return model.Operation{}, false
	}
	opID := s.ready[0]
	s.ready = s.ready[1:]
	op, _ := s.plan.Op(opID)
	return op, true
}

// pendingWork reports whether any operation is not yet terminal.
func (s *schedule) pendingWork() bool {
	for _, res := range s.results {
		if !res.Status.Terminal() {
			return true
		}
	}
	return false
}

// finish records a worker's result and promotes dependents whose
// upstreams have all completed. Promotion walks plan order to keep the
// ready queue deterministic.
func (s *schedule) finish(res *model.OpResult) {
	s.results[res.OpID] = res
	if res.Status != model.OpCompleted {
		return
	}

	for _, op := range s.plan.Operations {
		if !contains(s.children[res.OpID], op.OpID) {
			continue
		}
		s.waiting[op.OpID]--
		if s.waiting[op.OpID] == 0 && s.results[op.OpID].Status == model.OpPending {
			s.markReady(op.OpID)
		}
	}
}

// skipDependents marks every transitive dependent of a failed op as
// skipped and returns their ids in plan order.
func (s *schedule) skipDependents(opID string) []string {
	var skipped []string
	queue := append([]string(nil), s.children[opID]...)
	seen := map[string]bool{}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		res := s.results[id]
		if res.Status.Terminal() || res.Status == model.OpRunning {
			continue
		}
		res.Status = model.OpSkipped
		res.Err = &model.OpError{
			Code:    "UpstreamFailed",
			Message: "skipped: upstream operation " + opID + " failed",
		}
		skipped = append(skipped, id)
		queue = append(queue, s.children[id]...)
	}

	// Remove skipped ops from the ready queue.
	if len(skipped) > 0 {
		var keep []string
		for _, id := range s.ready {
			if !seen[id] {
				keep = append(keep, id)
			}
		}
		s.ready = keep
	}

	return skipped
}

// cancelRemaining force-terminates anything still pending after the
// run loop exits.
func (s *schedule) cancelRemaining(notify func(opID string, res *model.OpResult)) {
	for _, op := range s.plan.Operations {
		res := s.results[op.OpID]
		if res.Status.Terminal() {
			continue
		}
		res.Status = model.OpCancelled
		if res.Err == nil {
			res.Err = &model.OpError{
				Code:    "Cancelled",
				Message: "execution cancelled before completion",
			}
		}
		if notify != nil {
			notify(op.OpID, res)
		}
	}
}

func (s *schedule) depResults(op model.Operation) map[string]*model.OpResult {
	if len(op.DependsOn) == 0 {
		return nil
	}
	deps := make(map[string]*model.OpResult, len(op.DependsOn))
	for _, dep := range op.DependsOn {
		deps[dep] = s.results[dep]
	}
	return deps
}

func (s *schedule) limiterFor(sourceID string) *rate.Limiter {
	if sourceID == "" {
		return nil
	}
	lim, ok := s.limiters[sourceID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.opts.PerSourceRate), s.opts.PerSourceBurst)
		s.limiters[sourceID] = lim
	}
	return lim
}

func (s *schedule) summary(wall time.Duration) *model.ExecutionSummary {
	sum := &model.ExecutionSummary{
		TotalOps:   len(s.results),
		WallTimeMS: wall.Milliseconds(),
		PerOp:      make(map[string]model.OpSummary, len(s.results)),
	}

	for opID, res := range s.results {
		switch res.Status {
		case model.OpCompleted:
			sum.CompletedOps++
		case model.OpFailed:
			sum.FailedOps++
		case model.OpSkipped:
			sum.SkippedOps++
		case model.OpCancelled:
			sum.CancelledOps++
		}

		opSum := model.OpSummary{
			SourceID: res.SourceID,
			Status:   res.Status,
			Rows:     len(res.Rows),
			Attempts: res.Attempts,
		}
		if !res.StartedAt.IsZero() && !res.EndedAt.IsZero() {
			opSum.DurationMS = res.EndedAt.Sub(res.StartedAt).Milliseconds()
		}
		if res.Err != nil {
			opSum.Error = res.Err.Message
		}
		sum.PerOp[opID] = opSum
	}

	return sum
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
