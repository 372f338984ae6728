package vm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"virtmig.io/virtmig/pkg/vm"
)

var _ = Describe("Protocol", func() {

	DescribeTable("parsing protocol names",
		func(name string, expected vm.Protocol, ok bool) {
			p, recognized := vm.ParseProtocol(name)
			Expect(recognized).To(Equal(ok))
			if ok {
				Expect(p).To(Equal(expected))
			}
		},
		Entry("tcp", "tcp", vm.TCP, true),
		Entry("rdma", "rdma", vm.RDMA, true),
		Entry("x-rdma", "x-rdma", vm.XRDMA, true),
		Entry("unix", "unix", vm.Unix, true),
		Entry("exec", "exec", vm.Exec, true),
		Entry("fd", "fd", vm.FD, true),
		Entry("mixed case with spaces", "  TCP ", vm.TCP, true),
		Entry("unknown", "carrier-pigeon", vm.TCP, false),
	)

	It("should round-trip through String", func() {
		for _, p := range []vm.Protocol{vm.TCP, vm.RDMA, vm.XRDMA, vm.Unix, vm.Exec, vm.FD} {
			parsed, ok := vm.ParseProtocol(p.String())
			Expect(ok).To(BeTrue())
			Expect(parsed).To(Equal(p))
		}
	})
})

var _ = Describe("InfoResult", func() {

	It("should prefer the structured status field", func() {
		r := vm.InfoResult{
			Structured: map[string]interface{}{"status": "active"},
			Raw:        "ignored",
		}
		Expect(r.StatusText()).To(Equal("status: active"))
	})

	It("should fall back to the raw text", func() {
		r := vm.InfoResult{Raw: "Migration status: completed"}
		Expect(r.StatusText()).To(Equal("Migration status: completed"))
	})

	It("should fall back when the structured form has no status", func() {
		r := vm.InfoResult{
			Structured: map[string]interface{}{"ram": map[string]interface{}{}},
			Raw:        "status: setup",
		}
		Expect(r.StatusText()).To(Equal("status: setup"))
	})
})

var _ = Describe("Definition schema", func() {

	It("should round-trip through the wire encoding", func() {
		def := &vm.Definition{
			Name:        "vm1",
			MachineType: "q35",
			MemoryMB:    2048,
			CPUs:        4,
			Disks: []vm.DiskDefinition{
				{Path: "/images/vm1.qcow2", Format: "qcow2"},
				{Path: "/images/seed.iso", Format: "raw", ReadOnly: true},
			},
			NICs: []vm.NICDefinition{
				{Model: "virtio-net-pci", MAC: "52:54:00:aa:bb:cc"},
			},
			ExtraArgs: []string{"-enable-kvm"},
		}
		data, err := vm.EncodeDefinition(def)
		Expect(err).ToNot(HaveOccurred())

		decoded, err := vm.DecodeDefinition(data)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded.Version).To(Equal(vm.DefinitionVersion))
		Expect(decoded.Name).To(Equal("vm1"))
		Expect(decoded.Disks).To(HaveLen(2))
		Expect(decoded.Disks[1].ReadOnly).To(BeTrue())
		Expect(decoded.NICs[0].MAC).To(Equal("52:54:00:aa:bb:cc"))
		Expect(decoded.ExtraArgs).To(Equal([]string{"-enable-kvm"}))
	})

	It("should stamp the current version on encode", func() {
		data, err := vm.EncodeDefinition(&vm.Definition{Name: "vm1", MemoryMB: 512, CPUs: 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("version: 1"))
	})

	It("should reject definitions from a newer schema", func() {
		data, err := vm.EncodeDefinition(&vm.Definition{
			Version: vm.DefinitionVersion + 1,
			Name:    "vm1",
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = vm.DecodeDefinition(data)
		Expect(err).To(HaveOccurred())
	})

	It("should reject definitions without a name", func() {
		_, err := vm.DecodeDefinition([]byte("version: 1\nmemoryMB: 512\n"))
		Expect(err).To(HaveOccurred())
	})
})
