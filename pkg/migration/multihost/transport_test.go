package multihost

import (
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"

	"virtmig.io/virtmig/pkg/barrier"
	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/params"
	"virtmig.io/virtmig/pkg/vm"
	"virtmig.io/virtmig/pkg/vm/fake"
)

var _ = Describe("Transports", func() {

	newOrchestrator := func(hostID string, p params.Params, syncer barrier.Syncer) *Orchestrator {
		return &Orchestrator{
			hostID: hostID,
			params: p,
			env:    env.New(),
			syncer: syncer,
		}
	}

	Context("direct transport", func() {
		It("should start destination VMs listening on their migration ports", func() {
			t := &tcpTransport{protocol: vm.TCP}
			o := newOrchestrator("host2", params.Params{}, nil)
			md := NewMigrationData(params.Params{}, "host2", "host1", "host2", []string{"vm1", "vm2"})
			for _, name := range md.VMsName {
				machine := fake.New(name)
				md.VMs = append(md.VMs, machine)
			}

			Expect(t.prepareDestination(o, md)).To(Succeed())
			for _, machine := range md.VMs {
				f := machine.(*fake.VM)
				Expect(f.StartCalls).To(HaveLen(1))
				Expect(f.StartCalls[0].Address).To(Equal("0.0.0.0"))
				Expect(md.VMPorts[f.Name()]).To(Equal(f.MigrationPort()))
				Expect(o.env.GetVM(f.Name())).ToNot(BeNil())
			}
		})

		It("should honor an explicit listen address", func() {
			t := &tcpTransport{protocol: vm.TCP}
			o := newOrchestrator("host2", params.Params{}, nil)
			md := NewMigrationData(params.Params{"mig_listen_address": "192.0.2.10"}, "host2", "host1", "host2", []string{"vm1"})
			md.VMs = append(md.VMs, fake.New("vm1"))

			Expect(t.prepareDestination(o, md)).To(Succeed())
			f := md.VMs[0].(*fake.VM)
			Expect(f.StartCalls[0].Address).To(Equal("192.0.2.10"))
		})

		It("should prefer mig_dst_address over the destination host name", func() {
			t := &tcpTransport{protocol: vm.TCP}
			o := newOrchestrator("host1", params.Params{}, nil)
			md := NewMigrationData(params.Params{"mig_dst_address": "10.0.0.2"}, "host1", "host1", "host2", []string{"vm1"})
			md.VMPorts["vm1"] = 4567

			opts, err := t.sourceOptions(o, md, fake.New("vm1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.URI).To(Equal("tcp:10.0.0.2:4567"))
		})

		It("should fail without an exchanged port", func() {
			t := &tcpTransport{protocol: vm.TCP}
			o := newOrchestrator("host1", params.Params{}, nil)
			md := NewMigrationData(params.Params{}, "host1", "host1", "host2", []string{"vm1"})

			_, err := t.sourceOptions(o, md, fake.New("vm1"))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("rdma transport", func() {
		It("should pin guest memory before the transfer", func() {
			t := &rdmaTransport{tcpTransport{protocol: vm.RDMA}}
			machine := fake.New("vm1")

			Expect(t.beforeMigrate(machine)).To(Succeed())
			Expect(machine.Mon.CapChange).To(HaveKeyWithValue("rdma-pin-all", true))
		})

		It("should build rdma URIs", func() {
			t := &rdmaTransport{tcpTransport{protocol: vm.RDMA}}
			o := newOrchestrator("host1", params.Params{}, nil)
			md := NewMigrationData(params.Params{}, "host1", "host1", "host2", []string{"vm1"})
			md.VMPorts["vm1"] = 4567

			opts, err := t.sourceOptions(o, md, fake.New("vm1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.URI).To(Equal("rdma:host2:4567"))
		})
	})

	Context("exec transport", func() {
		It("should pipe through netcat when no exec file is set", func() {
			t := &execTransport{}
			o := newOrchestrator("host1", params.Params{}, nil)
			md := NewMigrationData(params.Params{}, "host1", "host1", "host2", []string{"vm1"})
			md.VMPorts["vm1"] = 7000

			opts, err := t.sourceOptions(o, md, fake.New("vm1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.Command).To(Equal("nc -w 1 host2 7000"))
			Expect(opts.URI).To(Equal("exec:nc -w 1 host2 7000"))
		})

		It("should pipe through gzip per VM when an exec file is set", func() {
			t := &execTransport{}
			o := newOrchestrator("host1", params.Params{}, nil)
			md := NewMigrationData(params.Params{"mig_exec_file": "/state/mig"}, "host1", "host1", "host2", []string{"vm1"})

			opts, err := t.sourceOptions(o, md, fake.New("vm1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.Command).To(Equal("gzip -c > /state/mig.vm1"))
		})

		It("should start destination VMs with matching listeners", func() {
			t := &execTransport{}
			o := newOrchestrator("host2", params.Params{}, nil)
			md := NewMigrationData(params.Params{}, "host2", "host1", "host2", []string{"vm1"})
			md.VMs = append(md.VMs, fake.New("vm1"))

			Expect(t.prepareDestination(o, md)).To(Succeed())
			f := md.VMs[0].(*fake.VM)
			Expect(f.StartCalls).To(HaveLen(1))
			Expect(f.StartCalls[0].Command).To(Equal(fmt.Sprintf("nc -l %d", md.VMPorts["vm1"])))
		})

		It("should unpack from the exec file on the destination", func() {
			t := &execTransport{}
			o := newOrchestrator("host2", params.Params{}, nil)
			md := NewMigrationData(params.Params{"mig_exec_file": "/state/mig"}, "host2", "host1", "host2", []string{"vm1"})
			md.VMs = append(md.VMs, fake.New("vm1"))

			Expect(t.prepareDestination(o, md)).To(Succeed())
			f := md.VMs[0].(*fake.VM)
			Expect(f.StartCalls[0].Command).To(Equal("gzip -c -d /state/mig.vm1"))
			Expect(md.VMPorts).To(BeEmpty())
		})
	})

	Context("descriptor transport", func() {
		It("should establish one descriptor per VM on both ends", func() {
			server := barrier.NewServer()
			Expect(server.Start("127.0.0.1:0")).To(Succeed())
			defer server.Stop()

			p := params.Params{"mig_dst_address": "127.0.0.1", "mig_prepare_timeout": "10"}
			srcT := newFDTransport()
			dstT := newFDTransport()
			srcO := newOrchestrator("host1", p, barrier.NewClient(server.Addr(), "host1"))
			dstO := newOrchestrator("host2", p, barrier.NewClient(server.Addr(), "host2"))

			srcMD := NewMigrationData(p, "host1", "host1", "host2", []string{"vm1"})
			dstMD := NewMigrationData(p, "host2", "host1", "host2", []string{"vm1"})
			dstVM := fake.New("vm1")
			dstMD.VMs = append(dstMD.VMs, dstVM)

			Expect(dstT.prepareDestination(dstO, dstMD)).To(Succeed())
			Expect(dstMD.VMPorts).To(HaveKey("vm1"))
			// the port travels to the source via the exchange
			srcMD.VMPorts = dstMD.VMPorts

			var group errgroup.Group
			group.Go(func() error { return dstT.finishDestination(dstO, dstMD) })
			group.Go(func() error { return srcT.prepareSource(srcO, srcMD) })
			Expect(group.Wait()).To(Succeed())

			// destination VM started in incoming-fd mode with a live descriptor
			Expect(dstVM.StartCalls).To(HaveLen(1))
			Expect(dstVM.StartCalls[0].Protocol).To(Equal(vm.FD))
			Expect(dstVM.StartCalls[0].File).ToNot(BeNil())

			// source side hands the descriptor to the migrate call
			opts, err := srcT.sourceOptions(srcO, srcMD, fake.New("vm1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.Protocol).To(Equal(vm.FD))
			Expect(opts.File).ToNot(BeNil())

			// the destination's own copy closed once the hypervisor held one
			_, err = dstVM.StartCalls[0].File.Write([]byte{0})
			Expect(err).To(MatchError(os.ErrClosed))
		})

		It("should release the source descriptor once the migrate call took it", func() {
			r, w, err := os.Pipe()
			Expect(err).ToNot(HaveOccurred())
			defer r.Close()

			t := newFDTransport()
			t.files["vm1"] = w
			o := newOrchestrator("host1", params.Params{}, nil)
			o.transport = t
			md := NewMigrationData(params.Params{}, "host1", "host1", "host2", []string{"vm1"})
			machine := fake.New("vm1")
			machine.Mon.Statuses = scripted("completed")

			Expect(o.migrateVM(md, machine, 0, 30*time.Second, false)).To(Succeed())
			Expect(machine.MigrateCalls).To(HaveLen(1))
			Expect(machine.MigrateCalls[0].File).ToNot(BeNil())
			_, err = w.Write([]byte{0})
			Expect(err).To(MatchError(os.ErrClosed))
		})

		It("should fail the migrate call without an established descriptor", func() {
			t := newFDTransport()
			o := newOrchestrator("host1", params.Params{}, nil)
			md := NewMigrationData(params.Params{}, "host1", "host1", "host2", []string{"vm1"})

			_, err := t.sourceOptions(o, md, fake.New("vm1"))
			Expect(err).To(HaveOccurred())
		})
	})
})
