package migration

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"virtmig.io/virtmig/pkg/vm"
)

var _ = Describe("Status classification", func() {

	DescribeTable("structured monitor responses",
		func(status string, expected Status) {
			result := vm.InfoResult{Structured: map[string]interface{}{"status": status}}
			Expect(ParseStatus(result)).To(Equal(expected))
		},
		Entry("completed", "completed", StatusCompleted),
		Entry("failed", "failed", StatusFailed),
		Entry("cancelled", "cancelled", StatusCancelled),
		Entry("canceled, human monitor spelling", "canceled", StatusCancelled),
		Entry("active", "active", StatusActive),
		Entry("postcopy-active", "postcopy-active", StatusActive),
		Entry("setup", "setup", StatusPreparing),
		Entry("something new", "device-serialization", StatusUnknown),
	)

	DescribeTable("raw text responses",
		func(raw string, expected Status) {
			Expect(ParseStatus(vm.InfoResult{Raw: raw})).To(Equal(expected))
		},
		Entry("human monitor blob", "Migration status: completed\ntransferred ram: 123 kbytes", StatusCompleted),
		Entry("mixed case", "STATUS: Failed", StatusFailed),
		Entry("empty", "", StatusUnknown),
	)

	It("should classify a terminal status the same way on repeat queries", func() {
		result := vm.InfoResult{Structured: map[string]interface{}{"status": "completed"}}
		first := ParseStatus(result)
		second := ParseStatus(result)
		Expect(second).To(Equal(first))
		Expect(second).To(Equal(StatusCompleted))
	})

	It("should keep the structured form authoritative over the raw text", func() {
		result := vm.InfoResult{
			Structured: map[string]interface{}{"status": "active"},
			Raw:        "status: completed",
		}
		Expect(ParseStatus(result)).To(Equal(StatusActive))
	})
})
