// Package plan builds and validates operation DAGs from a
// classification. Plans are immutable once built; Optimize returns a
// new plan rather than mutating in place.
package plan

import (
	"context"
	"fmt"
	"log/slog"

	"crossquery.app/conductor/common/id"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/registry"
)

// Build turns a classification into an executable plan.
//
// Each selected source gets a translate_execute operation. With the
// introspect flag, an introspect operation is inserted ahead of it so
// translation runs against a fresh schema. Cross-source questions get
// a trailing aggregate operation depending on every execute. An empty
// selection yields a single noop so every question still produces a
// well-formed plan.
func Build(ctx context.Context, question model.Question, cls model.Classification, snap *registry.Snapshot) (model.Plan, error) {
	planID := id.NewString()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		PlanID:    logger.Ptr(planID),
		Component: "conductor.plan",
	})

	p := model.Plan{
		PlanID:     planID,
		QuestionID: question.ID,
	}

	if len(cls.SelectedSources) == 0 {
		p.Operations = []model.Operation{{
			OpID: id.NewString(),
			Kind: model.OpKindNoop,
			Metadata: map[string]string{
				"reason": "no sources selected",
			},
		}}
		p.Validation = Validate(p, snap)
		return p, nil
	}

	var executeIDs []string
	for _, sourceID := range cls.SelectedSources {
		src, err := snap.Get(sourceID)
		if err != nil {
			// A selected source that is not registered is a planning
			// failure, not a lookup miss.
			return model.Plan{}, oerr.Newf(oerr.KindPlanInvalid, "building plan: %s", err.Error())
		}

		var deps []string
		if question.Flags.Introspect && src.HasCap(model.CapIntrospect) {
			introspectID := id.NewString()
			p.Operations = append(p.Operations, model.Operation{
				OpID:     introspectID,
				SourceID: sourceID,
				Kind:     model.OpKindIntrospect,
			})
			deps = []string{introspectID}
		}

		execID := id.NewString()
		p.Operations = append(p.Operations, model.Operation{
			OpID:      execID,
			SourceID:  sourceID,
			Kind:      model.OpKindTranslateExecute,
			Params:    map[string]any{"question": question.Text},
			DependsOn: deps,
		})
		executeIDs = append(executeIDs, execID)
	}

	if cls.IsCrossSource || question.Flags.ForceCrossSource {
		p.Operations = append(p.Operations, model.Operation{
			OpID:      id.NewString(),
			Kind:      model.OpKindAggregate,
			DependsOn: executeIDs,
		})
	}

	p.Validation = Validate(p, snap)
	if !p.Validation.OK {
		slog.WarnContext(ctx, "built plan failed validation", "errors", p.Validation.Errors)
		return p, oerr.Newf(oerr.KindPlanInvalid, "plan invalid: %v", p.Validation.Errors)
	}

	slog.InfoContext(ctx, "plan built",
		"operations", len(p.Operations),
		"cross_source", cls.IsCrossSource)

	return p, nil
}

// Validate checks structural soundness: unique op ids, resolvable
// dependencies, sources that exist and declare the capabilities each
// operation needs, and an acyclic dependency graph.
func Validate(p model.Plan, snap *registry.Snapshot) model.Validation {
	var errs []string

	byID := make(map[string]model.Operation, len(p.Operations))
	for _, op := range p.Operations {
		if op.OpID == "" {
			errs = append(errs, "operation with empty id")
			continue
		}
		if _, dup := byID[op.OpID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate op id %s", op.OpID))
			continue
		}
		byID[op.OpID] = op
	}

	for _, op := range p.Operations {
		for _, dep := range op.DependsOn {
			if _, ok := byID[dep]; !ok {
				errs = append(errs, fmt.Sprintf("op %s depends on unknown op %s", op.OpID, dep))
			}
			if dep == op.OpID {
				errs = append(errs, fmt.Sprintf("op %s depends on itself", op.OpID))
			}
		}

		switch op.Kind {
		case model.OpKindAggregate, model.OpKindNoop:
			// Not bound to a source.
		default:
			src, err := snap.Get(op.SourceID)
			if err != nil {
				errs = append(errs, fmt.Sprintf("op %s references unknown source %q", op.OpID, op.SourceID))
				continue
			}
			for _, c := range op.RequiredCaps() {
				if !src.HasCap(c) {
					errs = append(errs, fmt.Sprintf("op %s needs capability %s missing on source %s", op.OpID, c, src.ID))
				}
			}
		}
	}

	if len(errs) == 0 && hasCycle(p.Operations) {
		errs = append(errs, "dependency cycle detected")
	}

	return model.Validation{OK: len(errs) == 0, Errors: errs}
}

// hasCycle runs Kahn's algorithm; any op left unprocessed sits on a cycle.
func hasCycle(ops []model.Operation) bool {
	indegree := make(map[string]int, len(ops))
	dependents := make(map[string][]string)

	for _, op := range ops {
		indegree[op.OpID] += 0
		for _, dep := range op.DependsOn {
			indegree[op.OpID]++
			dependents[dep] = append(dependents[dep], op.OpID)
		}
	}

	var queue []string
	for opID, deg := range indegree {
		if deg == 0 {
			queue = append(queue, opID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		opID := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[opID] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	return processed != len(ops)
}

// Optimize prunes branches whose source is currently offline and
// coalesces duplicate introspect operations against the same source.
// Returns the rewritten plan plus human-readable notes about what
// changed; an empty note list means the plan was returned unchanged.
func Optimize(ctx context.Context, p model.Plan, statuses map[string]model.SourceStatus, snap *registry.Snapshot) (model.Plan, []string) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		PlanID:    logger.Ptr(p.PlanID),
		Component: "conductor.plan",
	})

	var notes []string
	removed := make(map[string]bool)

	// Offline sources: drop their operations entirely rather than let
	// them fail at execution time.
	for _, op := range p.Operations {
		if op.SourceID == "" {
			continue
		}
		if statuses[op.SourceID] == model.StatusOffline {
			removed[op.OpID] = true
			notes = append(notes, fmt.Sprintf("dropped op %s: source %s is offline", op.OpID, op.SourceID))
		}
	}

	// Duplicate introspects against one source collapse to the first.
	introspectBySource := make(map[string]string)
	rewrite := make(map[string]string)
	for _, op := range p.Operations {
		if op.Kind != model.OpKindIntrospect || removed[op.OpID] {
			continue
		}
		if keep, ok := introspectBySource[op.SourceID]; ok {
			removed[op.OpID] = true
			rewrite[op.OpID] = keep
			notes = append(notes, fmt.Sprintf("coalesced introspect %s into %s for source %s", op.OpID, keep, op.SourceID))
		} else {
			introspectBySource[op.SourceID] = op.OpID
		}
	}

	if len(notes) == 0 {
		return p, nil
	}

	out := model.Plan{PlanID: p.PlanID, QuestionID: p.QuestionID}
	for _, op := range p.Operations {
		if removed[op.OpID] {
			continue
		}
		var deps []string
		for _, dep := range op.DependsOn {
			if target, ok := rewrite[dep]; ok {
				dep = target
			}
			if removed[dep] {
				continue
			}
			deps = append(deps, dep)
		}
		op.DependsOn = deps
		out.Operations = append(out.Operations, op)
	}

	// An aggregate with fewer than two remaining inputs no longer
	// aggregates anything.
	var kept []model.Operation
	for _, op := range out.Operations {
		if op.Kind == model.OpKindAggregate && len(op.DependsOn) < 2 {
			notes = append(notes, fmt.Sprintf("dropped aggregate %s: fewer than two inputs remain", op.OpID))
			continue
		}
		kept = append(kept, op)
	}
	out.Operations = kept

	if len(out.Operations) == 0 {
		out.Operations = []model.Operation{{
			OpID: id.NewString(),
			Kind: model.OpKindNoop,
			Metadata: map[string]string{
				"reason": "all operations pruned",
			},
		}}
		notes = append(notes, "all operations pruned; plan reduced to noop")
	}

	out.Validation = Validate(out, snap)

	slog.InfoContext(ctx, "plan optimized",
		"before", len(p.Operations),
		"after", len(out.Operations),
		"notes", len(notes))

	return out, notes
}
