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
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"virtmig.io/virtmig/pkg/failure"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/vm"
)

// fdTransport hands the hypervisor a raw file descriptor instead of a URI.
// The two hosts establish one plain TCP connection per VM purely to obtain
// descriptors: the destination listens, the source connects. Both ends must
// hold their descriptor before either side issues the hypervisor-level
// migrate call, or the hypervisor races against an unready descriptor; the
// prepare_VMS barrier enforces that ordering.
type fdTransport struct {
	mu        sync.Mutex
	listeners map[string]net.Listener
	files     map[string]*os.File
}

func newFDTransport() *fdTransport {
	return &fdTransport{
		listeners: make(map[string]net.Listener),
		files:     make(map[string]*os.File),
	}
}

func (t *fdTransport) prepareDestination(o *Orchestrator, md *MigrationData) error {
	address := md.Params.Get("mig_listen_address", "")
	for _, name := range md.VMsName {
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:0", address))
		if err != nil {
			return errors.Wrapf(err, "unable to open descriptor listener for VM %s", name)
		}
		t.mu.Lock()
		t.listeners[name] = listener
		t.mu.Unlock()
		md.VMPorts[name] = listener.Addr().(*net.TCPAddr).Port
		log.Log.V(3).Infof("descriptor listener for VM %s on port %d", name, md.VMPorts[name])
	}
	return nil
}

// finishDestination accepts the source's connection per VM, turns it into a
// descriptor and starts the VM in incoming-fd mode, then joins the
// prepare_VMS barrier.
func (t *fdTransport) finishDestination(o *Orchestrator, md *MigrationData) error {
	timeout := o.prepareTimeout(md)

	for _, machine := range md.VMs {
		name := machine.Name()
		t.mu.Lock()
		listener := t.listeners[name]
		t.mu.Unlock()
		if listener == nil {
			return failure.Failf("no descriptor listener for VM %s", name)
		}

		tcpListener := listener.(*net.TCPListener)
		tcpListener.SetDeadline(time.Now().Add(timeout))
		conn, err := tcpListener.AcceptTCP()
		if err != nil {
			return failure.Failf("source never connected the descriptor channel for VM %s: %v", name, err)
		}
		file, err := conn.File()
		conn.Close()
		listener.Close()
		if err != nil {
			return errors.Wrapf(err, "unable to extract descriptor for VM %s", name)
		}

		err = machine.Start(&vm.IncomingSpec{Protocol: vm.FD, File: file})
		// the started hypervisor inherited its own copy of the descriptor,
		// so ours closes either way
		file.Close()
		if err != nil {
			return errors.Wrapf(err, "unable to start %s in incoming-fd mode", name)
		}
		o.env.RegisterVM(name, machine)
	}

	return o.syncer.Barrier(md.Hosts, md.MigID, "prepare_VMS", timeout)
}

// prepareSource dials each VM's descriptor channel and joins the
// prepare_VMS barrier, so the migrate call only ever sees live descriptors.
func (t *fdTransport) prepareSource(o *Orchestrator, md *MigrationData) error {
	timeout := o.prepareTimeout(md)
	address := md.Params.Get("mig_dst_address", md.Dst)

	for _, name := range md.VMsName {
		port, ok := md.VMPorts[name]
		if !ok {
			return failure.Failf("no descriptor port known for VM %s", name)
		}
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), timeout)
		if err != nil {
			return failure.Failf("unable to open descriptor channel for VM %s to %s:%d: %v", name, address, port, err)
		}
		file, err := conn.(*net.TCPConn).File()
		conn.Close()
		if err != nil {
			return errors.Wrapf(err, "unable to extract descriptor for VM %s", name)
		}
		unix.CloseOnExec(int(file.Fd()))
		t.mu.Lock()
		t.files[name] = file
		t.mu.Unlock()
	}

	return o.syncer.Barrier(md.Hosts, md.MigID, "prepare_VMS", timeout)
}

func (t *fdTransport) beforeMigrate(machine vm.VirtualMachine) error {
	return nil
}

func (t *fdTransport) sourceOptions(o *Orchestrator, md *MigrationData, machine vm.VirtualMachine) (vm.MigrateOptions, error) {
	t.mu.Lock()
	file := t.files[machine.Name()]
	t.mu.Unlock()
	if file == nil {
		return vm.MigrateOptions{}, failure.Failf("no descriptor established for VM %s", machine.Name())
	}
	return vm.MigrateOptions{Protocol: vm.FD, File: file}, nil
}

func (t *fdTransport) migrateDestination(o *Orchestrator, md *MigrationData) error {
	return nil
}
