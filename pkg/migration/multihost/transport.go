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
	"fmt"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"virtmig.io/virtmig/pkg/failure"
	"virtmig.io/virtmig/pkg/vm"
)

// transport is the per-protocol strategy. The orchestrator drives the shared
// state machine; a transport only contributes socket/pipe setup and the
// hypervisor-level migrate parameters.
type transport interface {
	// prepareDestination runs on the destination before the port exchange:
	// allocate listeners/ports, start the VMs in incoming mode where the
	// transport allows it, and fill md.VMPorts.
	prepareDestination(o *Orchestrator, md *MigrationData) error
	// finishDestination runs on the destination after the port exchange,
	// for transports that need the source's cooperation to finish setup.
	finishDestination(o *Orchestrator, md *MigrationData) error
	// prepareSource runs on the source after the port exchange.
	prepareSource(o *Orchestrator, md *MigrationData) error
	// beforeMigrate runs per VM immediately before the migrate command.
	beforeMigrate(machine vm.VirtualMachine) error
	// sourceOptions yields the migrate command parameters for one VM.
	sourceOptions(o *Orchestrator, md *MigrationData, machine vm.VirtualMachine) (vm.MigrateOptions, error)
	// migrateDestination is the destination's part of the transfer step.
	migrateDestination(o *Orchestrator, md *MigrationData) error
}

// tcpTransport covers tcp, rdma and x-rdma: the hypervisor carries the
// transfer over a direct connection, the destination stays passive.
type tcpTransport struct {
	protocol vm.Protocol
}

func (t *tcpTransport) prepareDestination(o *Orchestrator, md *MigrationData) error {
	for _, machine := range md.VMs {
		incoming := &vm.IncomingSpec{
			Protocol: t.protocol,
			Address:  md.Params.Get("mig_listen_address", "0.0.0.0"),
			Port:     machine.MigrationPort(),
		}
		if err := machine.Start(incoming); err != nil {
			return errors.Wrapf(err, "unable to start %s in incoming mode", machine.Name())
		}
		md.VMPorts[machine.Name()] = machine.MigrationPort()
		o.env.RegisterVM(machine.Name(), machine)
	}
	return nil
}

func (t *tcpTransport) finishDestination(o *Orchestrator, md *MigrationData) error {
	return nil
}

func (t *tcpTransport) prepareSource(o *Orchestrator, md *MigrationData) error {
	return nil
}

func (t *tcpTransport) beforeMigrate(machine vm.VirtualMachine) error {
	return nil
}

func (t *tcpTransport) sourceOptions(o *Orchestrator, md *MigrationData, machine vm.VirtualMachine) (vm.MigrateOptions, error) {
	port, ok := md.VMPorts[machine.Name()]
	if !ok {
		return vm.MigrateOptions{}, failure.Failf("no destination port known for VM %s", machine.Name())
	}
	address := md.Params.Get("mig_dst_address", md.Dst)
	return vm.MigrateOptions{
		Protocol: t.protocol,
		URI:      fmt.Sprintf("%s:%s:%d", t.protocol, address, port),
	}, nil
}

// migrateDestination is deliberately a no-op: for the direct transports the
// hypervisor's incoming mode owns the listening socket, so there is nothing
// for the orchestrator to do on the receiving side.
func (t *tcpTransport) migrateDestination(o *Orchestrator, md *MigrationData) error {
	return nil
}

// rdmaTransport behaves like the direct transport but pins guest memory
// before the transfer starts.
type rdmaTransport struct {
	tcpTransport
}

func (t *rdmaTransport) beforeMigrate(machine vm.VirtualMachine) error {
	if err := machine.Monitor().SetMigrationCapability("rdma-pin-all", true); err != nil {
		return errors.Wrapf(err, "unable to enable rdma-pin-all on %s", machine.Name())
	}
	return nil
}

// verifyRDMALink checks once, at orchestrator construction, that this host
// actually has an InfiniBand link; requesting RDMA without one is a harness
// misconfiguration, not a scenario failure.
func verifyRDMALink() error {
	output, err := exec.Command("ibstat").CombinedOutput()
	if err != nil {
		return failure.Errorf("RDMA transport requested but ibstat is not usable: %v", err)
	}
	if !strings.Contains(strings.ToLower(string(output)), "link_layer: infiniband") &&
		!strings.Contains(strings.ToLower(string(output)), "link layer: infiniband") {
		return failure.Errorf("RDMA transport requested but no InfiniBand link layer is present")
	}
	return nil
}
