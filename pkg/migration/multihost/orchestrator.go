/*
 * This file is part of the virtmig project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright 2024 The virtmig authors.
 *
 */

package multihost

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"virtmig.io/virtmig/pkg/barrier"
	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/failure"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/migration"
	"virtmig.io/virtmig/pkg/monitoring/migrationstats"
	"virtmig.io/virtmig/pkg/params"
	"virtmig.io/virtmig/pkg/vm"
)

const (
	// srcFinishedBarrierTimeout is the source's wait on the mig_finished
	// barrier. The source confirmed completion synchronously, so it only
	// waits for the destination to catch up.
	srcFinishedBarrierTimeout = 60 * time.Second

	defaultPrepareTimeout = 120 * time.Second
	defaultLoginTimeout   = 480 * time.Second
)

// WorkFunc is a scenario hook run against the attempt's record.
type WorkFunc func(md *MigrationData) error

// ProvisionFunc builds an unstarted VM handle on this host. A nil def means
// the handle is built from this host's own params; a non-nil def is a
// definition received from the source during synchronized preprocessing.
type ProvisionFunc func(name string, p params.Params, def *vm.Definition) (vm.VirtualMachine, error)

// DefineFunc produces the versioned definition of a VM for the cross-host
// definition exchange.
type DefineFunc func(name string, p params.Params) (*vm.Definition, error)

// Config wires an orchestrator into one host process.
type Config struct {
	HostID    string
	Params    params.Params
	Env       *env.Env
	Syncer    barrier.Syncer
	Provision ProvisionFunc
	Define    DefineFunc
	// Stats is optional; attempts are recorded when it is set.
	Stats *migrationstats.Recorder
}

// Scenario describes one migration attempt: which VMs move between which
// hosts, and the caller's workload hooks.
type Scenario struct {
	VMNames []string
	SrcHost string
	DstHost string
	// StartWork runs on the source once the VMs are ready, before the
	// transfer begins.
	StartWork WorkFunc
	// CheckWork runs on the destination after post-migration verification.
	CheckWork WorkFunc
}

// Orchestrator coordinates migration attempts for one host process. A single
// attempt per mig_id is active at a time; attempts for different VM sets are
// independent.
type Orchestrator struct {
	hostID    string
	params    params.Params
	env       *env.Env
	syncer    barrier.Syncer
	provision ProvisionFunc
	define    DefineFunc
	stats     *migrationstats.Recorder
	transport transport
}

// New builds an orchestrator for the protocol named by the mig_protocol
// parameter. An unsupported protocol, or a missing RDMA link for the RDMA
// transports, is an infrastructure error rather than a test failure.
func New(config Config) (*Orchestrator, error) {
	protoName := config.Params.Get("mig_protocol", "tcp")
	proto, ok := vm.ParseProtocol(protoName)
	if !ok {
		return nil, failure.Errorf("unsupported migration protocol %q", protoName)
	}

	o := &Orchestrator{
		hostID:    config.HostID,
		params:    config.Params,
		env:       config.Env,
		syncer:    config.Syncer,
		provision: config.Provision,
		define:    config.Define,
		stats:     config.Stats,
	}
	if o.define == nil {
		o.define = DefineFromParams
	}

	switch proto {
	case vm.TCP:
		o.transport = &tcpTransport{protocol: vm.TCP}
	case vm.RDMA, vm.XRDMA:
		if err := verifyRDMALink(); err != nil {
			return nil, err
		}
		o.transport = &rdmaTransport{tcpTransport{protocol: proto}}
	case vm.FD:
		o.transport = newFDTransport()
	case vm.Exec:
		o.transport = &execTransport{}
	case vm.Unix:
		return nil, failure.Errorf("unix transport is single-host only; use the migration package driver")
	default:
		return nil, failure.Errorf("unsupported migration protocol %q", protoName)
	}
	return o, nil
}

// Migrate runs one attempt end to end for this host's role. Hosts that are
// neither source nor destination only rendezvous on test completion.
func (o *Orchestrator) Migrate(scenario Scenario) error {
	md := NewMigrationData(o.params, o.hostID, scenario.SrcHost, scenario.DstHost, scenario.VMNames)
	if !md.Source && !md.Destination {
		return o.WaitMigration(md)
	}

	if o.stats != nil {
		o.stats.Started()
	}
	started := time.Now()
	err := o.migrateWrap(md, scenario)
	if o.stats != nil {
		switch {
		case err == nil && md.Params.GetDuration("cancel_delay", 0) > 0:
			o.stats.Cancelled()
		case err == nil:
			o.stats.Succeeded(time.Since(started))
		default:
			o.stats.Failed()
		}
	}
	return err
}

// WaitMigration is the lightweight path for observer hosts: wait for the
// others to declare the test finished, participate in nothing else.
func (o *Orchestrator) WaitMigration(md *MigrationData) error {
	timeout := md.Params.GetDuration("mig_timeout", migration.DefaultTimeout)
	return o.syncer.Barrier(o.allHosts(md), md.MigID, "test_finished", timeout)
}

// allHosts is the full topology for the test_finished rendezvous, which
// observer hosts join too. The hosts parameter lists them; absent that, the
// attempt's endpoints are the whole topology.
func (o *Orchestrator) allHosts(md *MigrationData) []string {
	if hosts := md.Params.Objects("hosts"); len(hosts) > 0 {
		return hosts
	}
	return md.Hosts
}

func (o *Orchestrator) migrateWrap(md *MigrationData, scenario Scenario) (reterr error) {
	cancelDelay := md.Params.GetDuration("cancel_delay", 0)
	migTimeout := md.Params.GetDuration("mig_timeout", migration.DefaultTimeout)
	allHosts := o.allHosts(md)

	// With a cancel_delay the scenario intentionally raises on one side, so
	// both hosts must still rendezvous before the failure propagates, or
	// the other side hangs on a barrier forever. The same applies whenever
	// observer hosts are waiting on test_finished.
	needFinalBarrier := cancelDelay > 0 || len(allHosts) > 2
	defer func() {
		if !needFinalBarrier {
			return
		}
		if err := o.syncer.Barrier(allHosts, md.MigID, "test_finished", migTimeout); err != nil && reterr == nil {
			reterr = err
		}
	}()

	if err := o.PrepareForMigration(md); err != nil {
		return err
	}

	if md.Source {
		if o.startedPaused(md) {
			// Let the workload settle before resuming, then migrate a
			// running guest.
			if delay := md.Params.GetDuration("paused_delay", 0); delay > 0 {
				time.Sleep(delay)
			}
			for _, machine := range md.VMs {
				if err := machine.Resume(); err != nil {
					return errors.Wrapf(err, "unable to resume %s before migration", machine.Name())
				}
			}
		} else if scenario.StartWork != nil {
			if err := scenario.StartWork(md); err != nil {
				return err
			}
		}
	}

	if err := o.MigrateVMs(md, cancelDelay); err != nil {
		return err
	}

	if cancelDelay > 0 {
		// Cancellation scenarios end at the test_finished rendezvous.
		return nil
	}

	finishedTimeout := migTimeout
	if md.Source {
		finishedTimeout = srcFinishedBarrierTimeout
	}
	if err := o.syncer.Barrier(md.Hosts, md.MigID, "mig_finished", finishedTimeout); err != nil {
		return err
	}

	if md.Destination {
		if err := o.checkVMsDst(md); err != nil {
			return err
		}
		if scenario.CheckWork != nil {
			if err := scenario.CheckWork(md); err != nil {
				return err
			}
		}
		return nil
	}
	return o.checkVMsSrc(md)
}

// PrepareForMigration runs on both roles before any transfer begins. With
// synchronized preprocessing the source provisions its VMs and pushes their
// definitions to the destination, guaranteeing both sides agree on VM
// identity before transport setup; otherwise each side provisions from its
// own copy of the params.
func (o *Orchestrator) PrepareForMigration(md *MigrationData) error {
	synced := md.Params.GetBool("sync_vm_definitions", false)

	if md.Source {
		if err := o.provisionSourceVMs(md); err != nil {
			return err
		}
		if synced {
			if err := o.pushDefinitions(md); err != nil {
				return err
			}
		}
	} else {
		var defs map[string]*vm.Definition
		if synced {
			received, err := o.pullDefinitions(md)
			if err != nil {
				return err
			}
			defs = received
		}
		if err := o.provisionDestinationVMs(md, defs); err != nil {
			return err
		}
	}

	return o.checkVMs(md)
}

// provisionSourceVMs creates and starts this attempt's VMs on the source,
// reusing handles already in the registry. Creation is serialized through
// the registry's process-local lock.
func (o *Orchestrator) provisionSourceVMs(md *MigrationData) error {
	o.env.CreateLock().Lock()
	defer o.env.CreateLock().Unlock()

	md.VMs = md.VMs[:0]
	for _, name := range md.VMsName {
		machine := o.env.GetVM(name)
		if machine == nil {
			created, err := o.provision(name, md.Params.Object(name), nil)
			if err != nil {
				return errors.Wrapf(err, "unable to provision VM %s", name)
			}
			machine = created
			o.env.RegisterVM(name, machine)
		}
		if machine.IsDead() {
			if err := machine.Start(nil); err != nil {
				return errors.Wrapf(err, "unable to start VM %s", name)
			}
			if o.startedPaused(md) {
				if err := machine.Pause(); err != nil {
					return errors.Wrapf(err, "unable to pause VM %s", name)
				}
			}
		}
		md.VMs = append(md.VMs, machine)
	}
	return nil
}

// provisionDestinationVMs creates unstarted handles on the destination; the
// transport starts them in incoming mode during its prepare step.
func (o *Orchestrator) provisionDestinationVMs(md *MigrationData, defs map[string]*vm.Definition) error {
	o.env.CreateLock().Lock()
	defer o.env.CreateLock().Unlock()

	md.VMs = md.VMs[:0]
	for _, name := range md.VMsName {
		machine, err := o.provision(name, md.Params.Object(name), defs[name])
		if err != nil {
			return errors.Wrapf(err, "unable to provision destination VM %s", name)
		}
		md.VMs = append(md.VMs, machine)
	}
	return nil
}

func (o *Orchestrator) pushDefinitions(md *MigrationData) error {
	defs := make(map[string][]byte, len(md.VMsName))
	for _, name := range md.VMsName {
		def, err := o.define(name, md.Params.Object(name))
		if err != nil {
			return errors.Wrapf(err, "unable to describe VM %s for the definition exchange", name)
		}
		encoded, err := vm.EncodeDefinition(def)
		if err != nil {
			return errors.Wrapf(err, "unable to encode the definition of VM %s", name)
		}
		defs[name] = encoded
	}
	payload, err := json.Marshal(defs)
	if err != nil {
		return errors.Wrap(err, "unable to encode VM definitions")
	}
	_, err = o.syncer.Exchange(md.Hosts, md.MigID, "vm_definitions", payload, o.prepareTimeout(md))
	return err
}

func (o *Orchestrator) pullDefinitions(md *MigrationData) (map[string]*vm.Definition, error) {
	payloads, err := o.syncer.Exchange(md.Hosts, md.MigID, "vm_definitions", nil, o.prepareTimeout(md))
	if err != nil {
		return nil, err
	}
	encoded := map[string][]byte{}
	if err := json.Unmarshal(payloads[md.Src], &encoded); err != nil {
		return nil, errors.Wrapf(err, "unable to decode VM definitions from %s", md.Src)
	}
	defs := make(map[string]*vm.Definition, len(encoded))
	for name, data := range encoded {
		def, err := vm.DecodeDefinition(data)
		if err != nil {
			return nil, failure.Errorf("VM definition for %s is unusable: %v", name, err)
		}
		defs[name] = def
	}
	return defs, nil
}

// checkVMs is the transport rendezvous: the destination sets up its side and
// publishes the listening ports, the source learns them. FD and Exec add
// their own prepare_VMS barrier because the hypervisor-level migrate call
// must not run before both ends hold a valid descriptor or pipe.
func (o *Orchestrator) checkVMs(md *MigrationData) error {
	timeout := o.prepareTimeout(md)

	if md.Destination {
		if err := o.transport.prepareDestination(o, md); err != nil {
			return err
		}
		payload, err := json.Marshal(md.VMPorts)
		if err != nil {
			return errors.Wrap(err, "unable to encode migration ports")
		}
		if _, err := o.syncer.Exchange(md.Hosts, md.MigID, "vm_ports", payload, timeout); err != nil {
			return err
		}
		return o.transport.finishDestination(o, md)
	}

	// Source: the guests must be reachable before they move, unless they
	// were deliberately started paused.
	if !o.startedPaused(md) {
		loginTimeout := md.Params.GetDuration("login_timeout", defaultLoginTimeout)
		for _, machine := range md.VMs {
			session, err := machine.WaitForLogin(loginTimeout)
			if err != nil {
				return failure.Failf("guest %s not reachable before migration: %v", machine.Name(), err)
			}
			session.Close()
		}
	}

	payloads, err := o.syncer.Exchange(md.Hosts, md.MigID, "vm_ports", nil, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payloads[md.Dst], &md.VMPorts); err != nil {
		return errors.Wrapf(err, "unable to decode migration ports from %s", md.Dst)
	}
	return o.transport.prepareSource(o, md)
}

// MigrateVMs dispatches the transfer step per role.
func (o *Orchestrator) MigrateVMs(md *MigrationData, cancelDelay time.Duration) error {
	if md.Source {
		return o.migrateVMsSrc(md, cancelDelay)
	}
	return o.transport.migrateDestination(o, md)
}

// migrateVMsSrc fans out one goroutine per VM, waits for all of them and
// re-raises the first failure. A sibling's failure never cuts another VM's
// migration short.
func (o *Orchestrator) migrateVMsSrc(md *MigrationData, cancelDelay time.Duration) error {
	migTimeout := md.Params.GetDuration("mig_timeout", migration.DefaultTimeout)
	offline := md.Params.GetBool("mig_offline", false)

	group := new(errgroup.Group)
	for _, machine := range md.VMs {
		machine := machine
		group.Go(func() error {
			return o.migrateVM(md, machine, cancelDelay, migTimeout, offline)
		})
	}
	return group.Wait()
}

func (o *Orchestrator) migrateVM(md *MigrationData, machine vm.VirtualMachine, cancelDelay, migTimeout time.Duration, offline bool) error {
	opts, err := o.transport.sourceOptions(o, md, machine)
	if err != nil {
		return err
	}
	if err := o.transport.beforeMigrate(machine); err != nil {
		return err
	}

	if offline {
		if err := machine.Pause(); err != nil {
			return errors.Wrapf(err, "unable to pause %s for offline migration", machine.Name())
		}
	}

	log.Log.Object(machine).Infof("migrating to %s via %s", md.Dst, opts.Protocol)
	err = machine.Migrate(opts)
	if opts.File != nil {
		// the hypervisor received its own copy of the descriptor
		opts.File.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "migrate command failed for %s", machine.Name())
	}

	poller := &migration.Poller{Source: machine, Offline: offline}
	if cancelDelay > 0 {
		time.Sleep(cancelDelay)
		log.Log.Object(machine).Info("cancelling migration")
		if err := machine.CancelMigration(); err != nil {
			return errors.Wrapf(err, "migrate_cancel failed for %s", machine.Name())
		}
		return poller.WaitForCancel(migration.CancelWindow)
	}

	if err := poller.WaitForCompletion(migTimeout); err != nil {
		return err
	}
	switch {
	case poller.Succeeded():
		return nil
	case poller.Failed():
		return failure.Failf("migration of %s to %s failed", machine.Name(), md.Dst)
	default:
		return failure.Failf("migration of %s ended in an unrecognized state: %s", machine.Name(), poller.StatusText())
	}
}

// checkVMsDst verifies guest responsiveness on the destination: resume both
// deliberately and incidentally paused guests, then re-login over the
// network with a serial-console fallback. If the migrated NIC landed on a
// different segment, an IP renewal command run over serial brings the
// network login back.
func (o *Orchestrator) checkVMsDst(md *MigrationData) error {
	renewCommand := md.Params.Get("renew_ip_command", "")
	loginTimeout := md.Params.GetDuration("login_timeout", defaultLoginTimeout)

	for _, machine := range md.VMs {
		if machine.IsPaused() {
			if err := machine.Resume(); err != nil {
				return errors.Wrapf(err, "unable to resume %s after migration", machine.Name())
			}
		}

		session, err := machine.WaitForLogin(loginTimeout)
		if err != nil {
			log.Log.Object(machine).Reason(err).Warning("network login failed after migration, falling back to serial")
			serial, serr := machine.WaitForSerialLogin(loginTimeout)
			if serr != nil {
				return failure.Failf("guest %s unreachable after migration: %v", machine.Name(), serr)
			}
			if renewCommand != "" {
				if _, cerr := serial.Command(renewCommand, 60*time.Second); cerr != nil {
					serial.Close()
					return failure.Failf("IP renewal on %s failed after migration: %v", machine.Name(), cerr)
				}
			}
			serial.Close()
			session, err = machine.WaitForLogin(loginTimeout)
			if err != nil {
				return failure.Failf("guest %s network unreachable after migration: %v", machine.Name(), err)
			}
		}
		session.Close()
		o.env.RegisterVM(machine.Name(), machine)
	}
	return nil
}

// checkVMsSrc is an override point for transports with source-side
// verification; the base transports have none.
func (o *Orchestrator) checkVMsSrc(md *MigrationData) error {
	return nil
}

func (o *Orchestrator) startedPaused(md *MigrationData) bool {
	return md.Params.GetBool("start_vms_paused", false)
}

func (o *Orchestrator) prepareTimeout(md *MigrationData) time.Duration {
	return md.Params.GetDuration("mig_prepare_timeout", defaultPrepareTimeout)
}

// DefineFromParams is the default DefineFunc: a definition built from the
// VM's parameter view.
func DefineFromParams(name string, p params.Params) (*vm.Definition, error) {
	def := &vm.Definition{
		Version:     vm.DefinitionVersion,
		Name:        name,
		MachineType: p.Get("machine_type", ""),
		MemoryMB:    p.GetInt("mem", 512),
		CPUs:        p.GetInt("smp", 1),
	}
	if image := p.Get("image_name", ""); image != "" {
		def.Disks = append(def.Disks, vm.DiskDefinition{
			Path:   image,
			Format: p.Get("image_format", "qcow2"),
		})
	}
	if mac := p.Get("mac", ""); mac != "" {
		def.NICs = append(def.NICs, vm.NICDefinition{
			Model: p.Get("nic_model", "virtio-net-pci"),
			MAC:   mac,
		})
	}
	return def, nil
}
