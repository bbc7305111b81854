package gitlabissues_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crossquery.app/conductor/internal/adapter/gitlabissues"
)

var _ = DescribeTable("ValidateQuery",
	func(native string, ok bool) {
		err := gitlabissues.ValidateQuery(native)
		if ok {
			Expect(err).NotTo(HaveOccurred())
		} else {
			Expect(err).To(HaveOccurred())
		}
	},
	Entry("search only", `{"search": "login timeout"}`, true),
	Entry("full envelope", `{"search": "crash", "state": "opened", "labels": ["bug"], "limit": 20}`, true),
	Entry("state all", `{"search": "deploy", "state": "all"}`, true),
	Entry("missing search", `{"state": "opened"}`, false),
	Entry("bad state", `{"search": "x", "state": "stale"}`, false),
	Entry("not json", `FOR d IN issues RETURN d`, false),
	Entry("empty", ``, false),
)
