package multihost

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"

	"virtmig.io/virtmig/pkg/barrier"
	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/failure"
	"virtmig.io/virtmig/pkg/params"
	"virtmig.io/virtmig/pkg/vm"
	"virtmig.io/virtmig/pkg/vm/fake"
)

func scripted(names ...string) []vm.InfoResult {
	results := make([]vm.InfoResult, 0, len(names))
	for _, n := range names {
		results = append(results, vm.InfoResult{Structured: map[string]interface{}{"status": n}})
	}
	return results
}

// testHost is one side of a simulated two-host topology: its own registry,
// its own provisioned fakes, a barrier client with its own identity.
type testHost struct {
	id    string
	env   *env.Env
	orch  *Orchestrator
	mu    sync.Mutex
	vms   map[string]*fake.VM
	onNew func(*fake.VM)
}

func newTestHost(id string, server *barrier.Server, p params.Params) *testHost {
	h := &testHost{
		id:  id,
		env: env.New(),
		vms: map[string]*fake.VM{},
	}
	hostParams := p.Overlay(params.Params{"hostid": id})
	orch, err := New(Config{
		HostID: id,
		Params: hostParams,
		Env:    h.env,
		Syncer: barrier.NewClient(server.Addr(), id),
		Provision: func(name string, p params.Params, def *vm.Definition) (vm.VirtualMachine, error) {
			machine := fake.New(name)
			h.mu.Lock()
			h.vms[name] = machine
			h.mu.Unlock()
			if h.onNew != nil {
				h.onNew(machine)
			}
			return machine, nil
		},
	})
	Expect(err).ToNot(HaveOccurred())
	h.orch = orch
	return h
}

func (h *testHost) vm(name string) *fake.VM {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vms[name]
}

// recordingSyncer remembers the timeout used per barrier tag while
// delegating to the real syncer.
type recordingSyncer struct {
	barrier.Syncer
	mu       sync.Mutex
	barriers map[string]time.Duration
}

func (r *recordingSyncer) Barrier(hosts []string, session, tag string, timeout time.Duration) error {
	r.mu.Lock()
	r.barriers[tag] = timeout
	r.mu.Unlock()
	return r.Syncer.Barrier(hosts, session, tag, timeout)
}

func (r *recordingSyncer) timeout(tag string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.barriers[tag]
}

var _ = Describe("Orchestrator", func() {

	var server *barrier.Server

	BeforeEach(func() {
		server = barrier.NewServer()
		Expect(server.Start("127.0.0.1:0")).To(Succeed())
	})

	AfterEach(func() {
		server.Stop()
	})

	Context("transport selection", func() {
		It("should reject the single-host-only unix transport", func() {
			_, err := New(Config{
				HostID: "host1",
				Params: params.Params{"mig_protocol": "unix"},
				Env:    env.New(),
			})
			Expect(err).To(HaveOccurred())
			Expect(failure.IsTestError(err)).To(BeTrue())
		})

		It("should reject an unknown protocol", func() {
			_, err := New(Config{
				HostID: "host1",
				Params: params.Params{"mig_protocol": "smoke-signals"},
				Env:    env.New(),
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("two-host TCP migration", func() {
		runBothSides := func(src, dst *testHost, scenario Scenario) error {
			var group errgroup.Group
			group.Go(func() error { return src.orch.Migrate(scenario) })
			group.Go(func() error { return dst.orch.Migrate(scenario) })
			return group.Wait()
		}

		It("should complete end to end and register the VMs on the destination", func() {
			p := params.Params{"mig_protocol": "tcp", "mig_timeout": "30"}
			src := newTestHost("host1", server, p)
			dst := newTestHost("host2", server, p)
			src.onNew = func(machine *fake.VM) {
				machine.Mon.Statuses = scripted("active", "completed")
			}

			scenario := Scenario{
				VMNames: []string{"vm1"},
				SrcHost: "host1",
				DstHost: "host2",
			}
			Expect(runBothSides(src, dst, scenario)).To(Succeed())

			srcVM := src.vm("vm1")
			dstVM := dst.vm("vm1")

			// the destination VM was started in incoming mode on its port
			Expect(dstVM.StartCalls).To(HaveLen(1))
			Expect(dstVM.StartCalls[0].Protocol).To(Equal(vm.TCP))
			Expect(dstVM.StartCalls[0].Port).To(Equal(dstVM.MigrationPort()))

			// the source learned that port through the exchange
			Expect(srcVM.MigrateCalls).To(HaveLen(1))
			Expect(srcVM.MigrateCalls[0].URI).To(Equal(fmt.Sprintf("tcp:host2:%d", dstVM.MigrationPort())))

			// the destination verified the guest and registered it
			Expect(dstVM.LoginSessions).To(BeNumerically(">=", 1))
			Expect(dst.env.GetVM("vm1")).ToNot(BeNil())
		})

		It("should cap the source's wait on the finished barrier at one minute", func() {
			p := params.Params{"mig_protocol": "tcp", "mig_timeout": "3600"}
			src := newTestHost("host1", server, p)
			dst := newTestHost("host2", server, p)
			src.onNew = func(machine *fake.VM) {
				machine.Mon.Statuses = scripted("completed")
			}
			recorder := &recordingSyncer{Syncer: src.orch.syncer, barriers: map[string]time.Duration{}}
			src.orch.syncer = recorder

			scenario := Scenario{VMNames: []string{"vm1"}, SrcHost: "host1", DstHost: "host2"}
			Expect(runBothSides(src, dst, scenario)).To(Succeed())

			// the source confirmed completion synchronously, so it waits a
			// fixed minute for the destination, not the migration timeout
			Expect(recorder.timeout("mig_finished")).To(Equal(60 * time.Second))
		})

		It("should run the workload hooks on the owning roles only", func() {
			p := params.Params{"mig_protocol": "tcp", "mig_timeout": "30"}
			src := newTestHost("host1", server, p)
			dst := newTestHost("host2", server, p)
			src.onNew = func(machine *fake.VM) {
				machine.Mon.Statuses = scripted("completed")
			}

			var mu sync.Mutex
			calls := []string{}
			record := func(tag string) WorkFunc {
				return func(md *MigrationData) error {
					mu.Lock()
					defer mu.Unlock()
					calls = append(calls, tag+"@"+md.Params.Get("hostid", ""))
					return nil
				}
			}
			scenario := Scenario{
				VMNames:   []string{"vm1"},
				SrcHost:   "host1",
				DstHost:   "host2",
				StartWork: record("start"),
				CheckWork: record("check"),
			}
			Expect(runBothSides(src, dst, scenario)).To(Succeed())
			Expect(calls).To(ConsistOf("start@host1", "check@host2"))
		})

		It("should cancel on both sides and still rendezvous", func() {
			p := params.Params{
				"mig_protocol": "tcp",
				"mig_timeout":  "30",
				"cancel_delay": "1",
			}
			src := newTestHost("host1", server, p)
			dst := newTestHost("host2", server, p)
			src.onNew = func(machine *fake.VM) {
				machine.Mon.Statuses = scripted("active", "cancelled")
			}

			scenario := Scenario{VMNames: []string{"vm1"}, SrcHost: "host1", DstHost: "host2"}
			Expect(runBothSides(src, dst, scenario)).To(Succeed())

			srcVM := src.vm("vm1")
			Expect(srcVM.MigrateCalls).To(HaveLen(1))
			Expect(srcVM.CancelCalls).To(Equal(1))
		})

		It("should keep a started-paused source paused until migration time", func() {
			p := params.Params{
				"mig_protocol":     "tcp",
				"mig_timeout":      "30",
				"start_vms_paused": "yes",
			}
			src := newTestHost("host1", server, p)
			dst := newTestHost("host2", server, p)
			src.onNew = func(machine *fake.VM) {
				machine.Mon.Statuses = scripted("completed")
				// provisioned handles start out dead so the orchestrator
				// boots them itself
				machine.Dead = true
			}

			scenario := Scenario{VMNames: []string{"vm1"}, SrcHost: "host1", DstHost: "host2"}
			Expect(runBothSides(src, dst, scenario)).To(Succeed())

			srcVM := src.vm("vm1")
			Expect(srcVM.PauseCalls).To(Equal(1))
			Expect(srcVM.ResumeCalls).To(Equal(1))
			// no network login is attempted against a paused guest
			Expect(srcVM.LoginSessions).To(BeZero())
		})
	})

	Context("synchronized preprocessing", func() {
		It("should carry the source's definitions to the destination", func() {
			p := params.Params{
				"mig_protocol":        "tcp",
				"mig_timeout":         "30",
				"sync_vm_definitions": "yes",
				"mem":                 "2048",
				"machine_type":        "q35",
			}
			src := newTestHost("host1", server, p)
			dst := newTestHost("host2", server, p)
			src.onNew = func(machine *fake.VM) {
				machine.Mon.Statuses = scripted("completed")
			}

			var mu sync.Mutex
			received := map[string]*vm.Definition{}
			dst.orch.provision = func(name string, p params.Params, def *vm.Definition) (vm.VirtualMachine, error) {
				mu.Lock()
				received[name] = def
				mu.Unlock()
				machine := fake.New(name)
				dst.mu.Lock()
				dst.vms[name] = machine
				dst.mu.Unlock()
				return machine, nil
			}

			scenario := Scenario{VMNames: []string{"vm1"}, SrcHost: "host1", DstHost: "host2"}
			var group errgroup.Group
			group.Go(func() error { return src.orch.Migrate(scenario) })
			group.Go(func() error { return dst.orch.Migrate(scenario) })
			Expect(group.Wait()).To(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(received).To(HaveKey("vm1"))
			Expect(received["vm1"]).ToNot(BeNil())
			Expect(received["vm1"].MemoryMB).To(Equal(2048))
			Expect(received["vm1"].MachineType).To(Equal("q35"))
			Expect(received["vm1"].Version).To(Equal(vm.DefinitionVersion))
		})

		It("should reject a received definition without a name", func() {
			p := params.Params{"mig_prepare_timeout": "10"}
			src := &Orchestrator{
				hostID: "host1",
				params: p,
				env:    env.New(),
				syncer: barrier.NewClient(server.Addr(), "host1"),
				define: func(name string, p params.Params) (*vm.Definition, error) {
					return &vm.Definition{Version: vm.DefinitionVersion}, nil
				},
			}
			dst := &Orchestrator{
				hostID: "host2",
				params: p,
				env:    env.New(),
				syncer: barrier.NewClient(server.Addr(), "host2"),
			}
			srcMD := NewMigrationData(p, "host1", "host1", "host2", []string{"vm1"})
			dstMD := NewMigrationData(p, "host2", "host1", "host2", []string{"vm1"})

			var group errgroup.Group
			group.Go(func() error { return src.pushDefinitions(srcMD) })
			_, err := dst.pullDefinitions(dstMD)
			Expect(err).To(HaveOccurred())
			Expect(failure.IsTestError(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("no name"))
			Expect(group.Wait()).To(Succeed())
		})
	})

	Context("batch migration", func() {
		It("should migrate every VM and re-raise the first failure", func() {
			o := &Orchestrator{
				hostID:    "host1",
				params:    params.Params{},
				env:       env.New(),
				transport: &tcpTransport{protocol: vm.TCP},
			}
			md := NewMigrationData(params.Params{"mig_timeout": "30"}, "host1", "host1", "host2", []string{"vm1", "vm2", "vm3"})

			vms := map[string]*fake.VM{}
			for i, name := range md.VMsName {
				machine := fake.New(name)
				if name == "vm2" {
					machine.Mon.Statuses = scripted("failed")
				} else {
					machine.Mon.Statuses = scripted("completed")
				}
				md.VMs = append(md.VMs, machine)
				md.VMPorts[name] = 5000 + i
				vms[name] = machine
			}

			err := o.migrateVMsSrc(md, 0)
			Expect(err).To(HaveOccurred())
			Expect(failure.IsFailure(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("vm2"))

			// a sibling's failure never cut another VM's migration short
			for name, machine := range vms {
				Expect(machine.MigrateCalls).To(HaveLen(1), "vm %s", name)
			}
		})

		It("should address each VM by its own exchanged port", func() {
			o := &Orchestrator{
				hostID:    "host1",
				params:    params.Params{},
				env:       env.New(),
				transport: &tcpTransport{protocol: vm.TCP},
			}
			md := NewMigrationData(params.Params{"mig_timeout": "30"}, "host1", "host1", "host2", []string{"vm1", "vm2"})
			for i, name := range md.VMsName {
				machine := fake.New(name)
				machine.Mon.Statuses = scripted("completed")
				md.VMs = append(md.VMs, machine)
				md.VMPorts[name] = 6000 + i
			}

			Expect(o.migrateVMsSrc(md, 0)).To(Succeed())
			for i, machine := range md.VMs {
				f := machine.(*fake.VM)
				Expect(f.MigrateCalls[0].URI).To(Equal(fmt.Sprintf("tcp:host2:%d", 6000+i)))
			}
		})
	})

	Context("destination guest verification", func() {
		It("should resume a paused destination guest before the login check", func() {
			o := &Orchestrator{
				hostID: "host2",
				params: params.Params{},
				env:    env.New(),
			}
			md := NewMigrationData(params.Params{}, "host2", "host1", "host2", []string{"vm1"})
			machine := fake.New("vm1")
			machine.Paused = true
			md.VMs = append(md.VMs, machine)

			Expect(o.checkVMsDst(md)).To(Succeed())
			Expect(machine.ResumeCalls).To(Equal(1))
			Expect(machine.LoginSessions).To(BeNumerically(">=", 1))
			Expect(o.env.GetVM("vm1")).ToNot(BeNil())
		})
	})

	Context("observer hosts", func() {
		It("should only rendezvous on test completion", func() {
			p := params.Params{
				"mig_protocol": "tcp",
				"mig_timeout":  "30",
				"hosts":        "host1 host2 host3",
			}
			src := newTestHost("host1", server, p)
			dst := newTestHost("host2", server, p)
			observer := newTestHost("host3", server, p)
			src.onNew = func(machine *fake.VM) {
				machine.Mon.Statuses = scripted("completed")
			}

			scenario := Scenario{VMNames: []string{"vm1"}, SrcHost: "host1", DstHost: "host2"}
			start := time.Now()
			var group errgroup.Group
			group.Go(func() error { return src.orch.Migrate(scenario) })
			group.Go(func() error { return dst.orch.Migrate(scenario) })
			group.Go(func() error { return observer.orch.Migrate(scenario) })
			Expect(group.Wait()).To(Succeed())
			Expect(time.Since(start)).To(BeNumerically("<", 25*time.Second))

			// the observer provisioned nothing
			Expect(observer.vms).To(BeEmpty())
		})
	})
})
