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
	"net"

	"github.com/pkg/errors"

	"virtmig.io/virtmig/pkg/failure"
	"virtmig.io/virtmig/pkg/vm"
)

// execTransport pipes the migration stream through a shell command on both
// ends: netcat for a live cross-host transfer, or gzip to a shared file for
// an offline file-based handoff (mig_exec_file parameter). Port allocation
// is exchanged the same way as for descriptors, only the payload handed to
// the hypervisor is a command line.
type execTransport struct{}

func (t *execTransport) prepareDestination(o *Orchestrator, md *MigrationData) error {
	execFile := md.Params.Get("mig_exec_file", "")

	for _, machine := range md.VMs {
		name := machine.Name()
		incoming := &vm.IncomingSpec{Protocol: vm.Exec}
		if execFile != "" {
			incoming.Command = fmt.Sprintf("gzip -c -d %s", perVMFile(execFile, name))
		} else {
			port, err := freePort()
			if err != nil {
				return errors.Wrapf(err, "unable to allocate a migration port for VM %s", name)
			}
			md.VMPorts[name] = port
			incoming.Command = fmt.Sprintf("nc -l %d", port)
		}
		if err := machine.Start(incoming); err != nil {
			return errors.Wrapf(err, "unable to start %s in incoming-exec mode", name)
		}
		o.env.RegisterVM(name, machine)
	}
	return nil
}

// The pipe commands must be up on both ends before the hypervisor starts
// writing into them, hence the same prepare_VMS stage the descriptor
// transport uses.
func (t *execTransport) finishDestination(o *Orchestrator, md *MigrationData) error {
	return o.syncer.Barrier(md.Hosts, md.MigID, "prepare_VMS", o.prepareTimeout(md))
}

func (t *execTransport) prepareSource(o *Orchestrator, md *MigrationData) error {
	return o.syncer.Barrier(md.Hosts, md.MigID, "prepare_VMS", o.prepareTimeout(md))
}

func (t *execTransport) beforeMigrate(machine vm.VirtualMachine) error {
	return nil
}

func (t *execTransport) sourceOptions(o *Orchestrator, md *MigrationData, machine vm.VirtualMachine) (vm.MigrateOptions, error) {
	execFile := md.Params.Get("mig_exec_file", "")
	if execFile != "" {
		command := fmt.Sprintf("gzip -c > %s", perVMFile(execFile, machine.Name()))
		return vm.MigrateOptions{Protocol: vm.Exec, Command: command, URI: "exec:" + command}, nil
	}

	port, ok := md.VMPorts[machine.Name()]
	if !ok {
		return vm.MigrateOptions{}, failure.Failf("no destination port known for VM %s", machine.Name())
	}
	address := md.Params.Get("mig_dst_address", md.Dst)
	command := fmt.Sprintf("nc -w 1 %s %d", address, port)
	return vm.MigrateOptions{Protocol: vm.Exec, Command: command, URI: "exec:" + command}, nil
}

func (t *execTransport) migrateDestination(o *Orchestrator, md *MigrationData) error {
	return nil
}

func perVMFile(base, name string) string {
	return fmt.Sprintf("%s.%s", base, name)
}

// freePort grabs an ephemeral port by binding and immediately releasing it.
func freePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
