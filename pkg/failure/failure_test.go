package failure_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"virtmig.io/virtmig/pkg/failure"
)

var _ = Describe("Failure taxonomy", func() {

	It("should keep the three outcome kinds distinct", func() {
		fail := failure.Failf("vm %s died", "vm1")
		terr := failure.Errorf("ibstat not usable")
		skip := failure.Skipf("no kvm on this host")

		Expect(failure.IsFailure(fail)).To(BeTrue())
		Expect(failure.IsTestError(fail)).To(BeFalse())
		Expect(failure.IsSkip(fail)).To(BeFalse())

		Expect(failure.IsTestError(terr)).To(BeTrue())
		Expect(failure.IsFailure(terr)).To(BeFalse())

		Expect(failure.IsSkip(skip)).To(BeTrue())
		Expect(failure.IsFailure(skip)).To(BeFalse())
	})

	It("should format messages", func() {
		Expect(failure.Failf("vm %s died", "vm1").Error()).To(Equal("vm vm1 died"))
	})

	It("should be recognizable through wrapping", func() {
		wrapped := errors.Wrap(failure.Failf("stable check failed"), "migrating vm1")
		Expect(failure.IsFailure(wrapped)).To(BeTrue())
	})
})
