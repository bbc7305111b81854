package registry_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/registry"
)

func testSources() []model.Source {
	return []model.Source{
		{
			ID:   "warehouse",
			Kind: model.SourceKindRelational,
			URI:  "postgres://localhost/analytics",
			Caps: []model.Capability{model.CapTranslateNL, model.CapIntrospect},
		},
		{
			ID:   "documents",
			Kind: model.SourceKindDocument,
			URI:  "http://localhost:8529",
			Caps: []model.Capability{model.CapTranslateNL},
		},
	}
}

var _ = Describe("Registry", func() {
	It("resolves sources by id", func() {
		reg, err := registry.New(testSources())
		Expect(err).NotTo(HaveOccurred())

		src, err := reg.Get("warehouse")
		Expect(err).NotTo(HaveOccurred())
		Expect(src.Kind).To(Equal(model.SourceKindRelational))
	})

	It("returns NotFound for unknown ids", func() {
		reg, err := registry.New(testSources())
		Expect(err).NotTo(HaveOccurred())

		_, err = reg.Get("nope")
		Expect(oerr.KindOf(err)).To(Equal(oerr.KindNotFound))
	})

	It("rejects duplicate source ids", func() {
		sources := testSources()
		sources = append(sources, sources[0])

		_, err := registry.New(sources)
		Expect(err).To(HaveOccurred())
		Expect(oerr.KindOf(err)).To(Equal(oerr.KindConfigInvalid))
	})

	It("rejects sources missing required fields", func() {
		_, err := registry.New([]model.Source{{ID: "x", Kind: model.SourceKindRelational}})
		Expect(oerr.KindOf(err)).To(Equal(oerr.KindConfigInvalid))

		_, err = registry.New([]model.Source{{ID: "", Kind: model.SourceKindRelational, URI: "u"}})
		Expect(oerr.KindOf(err)).To(Equal(oerr.KindConfigInvalid))
	})

	It("filters by kind", func() {
		reg, err := registry.New(testSources())
		Expect(err).NotTo(HaveOccurred())

		docs := reg.ByKind(model.SourceKindDocument)
		Expect(docs).To(HaveLen(1))
		Expect(docs[0].ID).To(Equal("documents"))
	})

	Describe("Replace", func() {
		It("swaps the whole source set atomically", func() {
			reg, err := registry.New(testSources())
			Expect(err).NotTo(HaveOccurred())

			err = reg.Replace([]model.Source{{
				ID: "search", Kind: model.SourceKindVector, URI: "http://localhost:8108",
			}})
			Expect(err).NotTo(HaveOccurred())

			Expect(reg.List()).To(HaveLen(1))
			_, err = reg.Get("warehouse")
			Expect(oerr.KindOf(err)).To(Equal(oerr.KindNotFound))
		})

		It("keeps the old snapshot on invalid replacement", func() {
			reg, err := registry.New(testSources())
			Expect(err).NotTo(HaveOccurred())

			err = reg.Replace([]model.Source{{ID: "", URI: "u"}})
			Expect(err).To(HaveOccurred())
			Expect(reg.List()).To(HaveLen(2))
		})

		It("leaves previously taken snapshots untouched", func() {
			reg, err := registry.New(testSources())
			Expect(err).NotTo(HaveOccurred())

			snap := reg.Snapshot()
			Expect(reg.Replace([]model.Source{{
				ID: "search", Kind: model.SourceKindVector, URI: "http://localhost:8108",
			}})).To(Succeed())

			Expect(snap.Has("warehouse")).To(BeTrue())
			Expect(reg.Snapshot().Has("warehouse")).To(BeFalse())
		})
	})

	Describe("FirstWithCap", func() {
		It("returns the first capable source in configuration order", func() {
			reg, err := registry.New(testSources())
			Expect(err).NotTo(HaveOccurred())

			src, ok := reg.Snapshot().FirstWithCap(model.CapTranslateNL)
			Expect(ok).To(BeTrue())
			Expect(src.ID).To(Equal("warehouse"))
		})

		It("reports absence", func() {
			reg, err := registry.New(testSources())
			Expect(err).NotTo(HaveOccurred())

			_, ok := reg.Snapshot().FirstWithCap(model.CapVectorSearch)
			Expect(ok).To(BeFalse())
		})
	})
})
