package plan_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/plan"
	"crossquery.app/conductor/internal/registry"
)

func newSnapshot() *registry.Snapshot {
	reg, err := registry.New([]model.Source{
		{
			ID: "warehouse", Kind: model.SourceKindRelational, URI: "postgres://localhost/wh",
			Caps: []model.Capability{model.CapTranslateNL, model.CapIntrospect},
		},
		{
			ID: "documents", Kind: model.SourceKindDocument, URI: "http://localhost:8529",
			Caps: []model.Capability{model.CapTranslateNL, model.CapIntrospect},
		},
		{
			ID: "issues", Kind: model.SourceKindMessagingAPI, URI: "https://gitlab.example.com",
			Caps: []model.Capability{model.CapTranslateNL},
		},
	})
	Expect(err).NotTo(HaveOccurred())
	return reg.Snapshot()
}

func question(flags model.Flags) model.Question {
	return model.Question{ID: "q1", Text: "how many orders last week?", CallerID: "caller-1", Flags: flags}
}

func classification(sources ...string) model.Classification {
	return model.Classification{
		QuestionID:      "q1",
		SelectedSources: sources,
		IsCrossSource:   len(sources) > 1,
	}
}

var _ = Describe("Build", func() {
	var snap *registry.Snapshot

	BeforeEach(func() {
		snap = newSnapshot()
	})

	It("builds a single execute op for one source", func() {
		p, err := plan.Build(context.Background(), question(model.Flags{}), classification("warehouse"), snap)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Validation.OK).To(BeTrue())
		Expect(p.Operations).To(HaveLen(1))
		Expect(p.Operations[0].Kind).To(Equal(model.OpKindTranslateExecute))
		Expect(p.Operations[0].SourceID).To(Equal("warehouse"))
		Expect(p.Operations[0].DependsOn).To(BeEmpty())
		Expect(p.Operations[0].Params["question"]).To(Equal("how many orders last week?"))
	})

	It("adds an aggregate op depending on every execute for cross-source questions", func() {
		p, err := plan.Build(context.Background(), question(model.Flags{}), classification("warehouse", "documents"), snap)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Operations).To(HaveLen(3))
		agg := p.Operations[2]
		Expect(agg.Kind).To(Equal(model.OpKindAggregate))
		Expect(agg.DependsOn).To(HaveLen(2))
		Expect(agg.DependsOn).To(ContainElements(p.Operations[0].OpID, p.Operations[1].OpID))
	})

	It("inserts introspect ops ahead of execution when requested", func() {
		p, err := plan.Build(context.Background(), question(model.Flags{Introspect: true}), classification("warehouse"), snap)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Operations).To(HaveLen(2))
		Expect(p.Operations[0].Kind).To(Equal(model.OpKindIntrospect))
		Expect(p.Operations[1].Kind).To(Equal(model.OpKindTranslateExecute))
		Expect(p.Operations[1].DependsOn).To(ConsistOf(p.Operations[0].OpID))
	})

	It("skips introspect for sources without the capability", func() {
		p, err := plan.Build(context.Background(), question(model.Flags{Introspect: true}), classification("issues"), snap)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Operations).To(HaveLen(1))
		Expect(p.Operations[0].Kind).To(Equal(model.OpKindTranslateExecute))
	})

	It("reduces an empty selection to a noop plan", func() {
		p, err := plan.Build(context.Background(), question(model.Flags{}), classification(), snap)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Validation.OK).To(BeTrue())
		Expect(p.Operations).To(HaveLen(1))
		Expect(p.Operations[0].Kind).To(Equal(model.OpKindNoop))
	})

	It("fails on sources missing from the registry", func() {
		_, err := plan.Build(context.Background(), question(model.Flags{}), classification("ghost"), snap)
		Expect(oerr.KindOf(err)).To(Equal(oerr.KindPlanInvalid))
	})
})

var _ = Describe("Validate", func() {
	var snap *registry.Snapshot

	BeforeEach(func() {
		snap = newSnapshot()
	})

	It("rejects dependency cycles", func() {
		p := model.Plan{Operations: []model.Operation{
			{OpID: "a", SourceID: "warehouse", Kind: model.OpKindTranslateExecute, DependsOn: []string{"b"}},
			{OpID: "b", SourceID: "documents", Kind: model.OpKindTranslateExecute, DependsOn: []string{"a"}},
		}}

		v := plan.Validate(p, snap)
		Expect(v.OK).To(BeFalse())
		Expect(v.Errors).To(ContainElement(ContainSubstring("cycle")))
	})

	It("rejects references to unknown operations", func() {
		p := model.Plan{Operations: []model.Operation{
			{OpID: "a", SourceID: "warehouse", Kind: model.OpKindTranslateExecute, DependsOn: []string{"missing"}},
		}}

		v := plan.Validate(p, snap)
		Expect(v.OK).To(BeFalse())
		Expect(v.Errors).To(ContainElement(ContainSubstring("unknown op")))
	})

	It("rejects duplicate op ids", func() {
		p := model.Plan{Operations: []model.Operation{
			{OpID: "a", SourceID: "warehouse", Kind: model.OpKindTranslateExecute},
			{OpID: "a", SourceID: "documents", Kind: model.OpKindTranslateExecute},
		}}

		v := plan.Validate(p, snap)
		Expect(v.OK).To(BeFalse())
		Expect(v.Errors).To(ContainElement(ContainSubstring("duplicate")))
	})

	It("rejects operations on unknown sources", func() {
		p := model.Plan{Operations: []model.Operation{
			{OpID: "a", SourceID: "ghost", Kind: model.OpKindTranslateExecute},
		}}

		v := plan.Validate(p, snap)
		Expect(v.OK).To(BeFalse())
		Expect(v.Errors).To(ContainElement(ContainSubstring("unknown source")))
	})

	It("rejects operations whose source lacks a required capability", func() {
		p := model.Plan{Operations: []model.Operation{
			{OpID: "a", SourceID: "issues", Kind: model.OpKindIntrospect},
		}}

		v := plan.Validate(p, snap)
		Expect(v.OK).To(BeFalse())
		Expect(v.Errors).To(ContainElement(ContainSubstring("capability")))
	})

	It("accepts a well-formed DAG", func() {
		p := model.Plan{Operations: []model.Operation{
			{OpID: "a", SourceID: "warehouse", Kind: model.OpKindTranslateExecute},
			{OpID: "b", SourceID: "documents", Kind: model.OpKindTranslateExecute},
			{OpID: "c", Kind: model.OpKindAggregate, DependsOn: []string{"a", "b"}},
		}}

		Expect(plan.Validate(p, snap).OK).To(BeTrue())
	})
})

var _ = Describe("Optimize", func() {
	var snap *registry.Snapshot

	BeforeEach(func() {
		snap = newSnapshot()
	})

	It("returns the plan unchanged when nothing applies", func() {
		p, err := plan.Build(context.Background(), question(model.Flags{}), classification("warehouse", "documents"), snap)
		Expect(err).NotTo(HaveOccurred())

		out, notes := plan.Optimize(context.Background(), p, map[string]model.SourceStatus{
			"warehouse": model.StatusOnline,
			"documents": model.StatusOnline,
		}, snap)
		Expect(notes).To(BeEmpty())
		Expect(out.Operations).To(HaveLen(len(p.Operations)))
	})

	It("prunes offline branches and drops a starved aggregate", func() {
		p, err := plan.Build(context.Background(), question(model.Flags{}), classification("warehouse", "documents"), snap)
		Expect(err).NotTo(HaveOccurred())

		out, notes := plan.Optimize(context.Background(), p, map[string]model.SourceStatus{
			"documents": model.StatusOffline,
		}, snap)
		Expect(notes).NotTo(BeEmpty())
		Expect(out.Operations).To(HaveLen(1))
		Expect(out.Operations[0].SourceID).To(Equal("warehouse"))
		Expect(out.Validation.OK).To(BeTrue())
	})

	It("reduces a fully offline plan to a noop", func() {
		p, err := plan.Build(context.Background(), question(model.Flags{}), classification("warehouse"), snap)
		Expect(err).NotTo(HaveOccurred())

		out, notes := plan.Optimize(context.Background(), p, map[string]model.SourceStatus{
			"warehouse": model.StatusOffline,
		}, snap)
		Expect(notes).To(ContainElement(ContainSubstring("noop")))
		Expect(out.Operations).To(HaveLen(1))
		Expect(out.Operations[0].Kind).To(Equal(model.OpKindNoop))
	})

	It("coalesces duplicate introspects against the same source", func() {
		p := model.Plan{PlanID: "p1", Operations: []model.Operation{
			{OpID: "i1", SourceID: "warehouse", Kind: model.OpKindIntrospect},
			{OpID: "i2", SourceID: "warehouse", Kind: model.OpKindIntrospect},
			{OpID: "e1", SourceID: "warehouse", Kind: model.OpKindTranslateExecute, DependsOn: []string{"i1"}},
			{OpID: "e2", SourceID: "warehouse", Kind: model.OpKindTranslateExecute, DependsOn: []string{"i2"}},
		}}

		out, notes := plan.Optimize(context.Background(), p, nil, snap)
		Expect(notes).To(ContainElement(ContainSubstring("coalesced")))
		Expect(out.Operations).To(HaveLen(3))

		e2, ok := out.Op("e2")
		Expect(ok).To(BeTrue())
		Expect(e2.DependsOn).To(ConsistOf("i1"))
	})
})
