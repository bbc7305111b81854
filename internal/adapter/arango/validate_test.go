package arango_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crossquery.app/conductor/internal/adapter/arango"
)

var _ = DescribeTable("ValidateAQL",
	func(native string, ok bool) {
		err := arango.ValidateAQL(native)
		if ok {
			Expect(err).NotTo(HaveOccurred())
		} else {
			Expect(err).To(HaveOccurred())
		}
	},
	Entry("simple return", "FOR d IN reviews RETURN d", true),
	Entry("filtered", "FOR d IN reviews FILTER d.rating >= 4 LIMIT 100 RETURN d", true),
	Entry("lowercase return", "for d in reviews return d", true),
	Entry("no return", "FOR d IN reviews FILTER d.rating > 3", false),
	Entry("insert", "INSERT {name: 'x'} INTO reviews RETURN NEW", false),
	Entry("remove", "FOR d IN reviews REMOVE d IN reviews RETURN OLD", false),
	Entry("upsert", "UPSERT {k: 1} INSERT {k: 1} UPDATE {} IN reviews RETURN NEW", false),
	// Attribute names that merely contain a mutation keyword are fine.
	Entry("keyword as substring", "FOR d IN reviews RETURN d.updated_at", true),
)
