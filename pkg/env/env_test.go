package env_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/vm/fake"
)

var _ = Describe("VM registry", func() {

	It("should return what was registered", func() {
		registry := env.New()
		machine := fake.New("vm1")
		registry.RegisterVM("vm1", machine)

		Expect(registry.GetVM("vm1")).To(BeIdenticalTo(machine))
		Expect(registry.GetVM("vm2")).To(BeNil())
	})

	It("should replace a handle registered under the same name", func() {
		registry := env.New()
		old := fake.New("vm1")
		registry.RegisterVM("vm1", old)

		// after a local migration the destination takes over the name
		replacement := fake.New("vm1")
		registry.RegisterVM("vm1", replacement)
		Expect(registry.GetVM("vm1")).To(BeIdenticalTo(replacement))
		Expect(registry.AllVMs()).To(HaveLen(1))
	})

	It("should forget unregistered VMs", func() {
		registry := env.New()
		registry.RegisterVM("vm1", fake.New("vm1"))
		registry.UnregisterVM("vm1")
		Expect(registry.GetVM("vm1")).To(BeNil())
		Expect(registry.AllVMs()).To(BeEmpty())
	})
})
