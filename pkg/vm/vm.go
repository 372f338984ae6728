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

// Package vm defines the capability set the migration core consumes from a
// virtual machine handle. Concrete handles exist for a QEMU process driven
// over QMP and for a libvirt managed domain; the core depends only on the
// interfaces declared here.
package vm

import (
	"fmt"
	"os"
	"strings"
	"time"

	"virtmig.io/virtmig/pkg/console"
)

// Protocol is the closed set of migration transports.
type Protocol int

const (
	TCP Protocol = iota
	RDMA
	XRDMA
	Unix
	Exec
	FD
)

var protocolNames = map[Protocol]string{
	TCP:   "tcp",
	RDMA:  "rdma",
	XRDMA: "x-rdma",
	Unix:  "unix",
	Exec:  "exec",
	FD:    "fd",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// ParseProtocol maps a protocol parameter value onto the enum. The bool
// result reports whether the name is recognized.
func ParseProtocol(name string) (Protocol, bool) {
	for p, n := range protocolNames {
		if n == strings.ToLower(strings.TrimSpace(name)) {
			return p, true
		}
	}
	return TCP, false
}

// InfoResult is a monitor query response. Depending on the hypervisor and
// monitor flavor it is either a structured mapping or a raw text blob.
type InfoResult struct {
	Structured map[string]interface{}
	Raw        string
}

// StatusText normalizes both response forms to a single status string.
func (r InfoResult) StatusText() string {
	if r.Structured != nil {
		if status, ok := r.Structured["status"]; ok {
			return fmt.Sprintf("status: %v", status)
		}
	}
	return r.Raw
}

// Monitor is the hypervisor status/control channel of a single VM.
type Monitor interface {
	Info(topic string) (InfoResult, error)
	HumanCommand(cmd string) (string, error)
	SetMigrationCapability(name string, enabled bool) error
}

// MigrateOptions carries everything a source handle needs to issue the
// hypervisor-level migrate command.
type MigrateOptions struct {
	Protocol Protocol
	// URI is the transport destination for TCP, RDMA, X-RDMA and Unix.
	URI string
	// File is the pre-established descriptor for FD migrations.
	File *os.File
	// Command is the pipe command for Exec migrations.
	Command string
}

// IncomingSpec describes how a destination VM is started so that it waits
// for an incoming migration.
type IncomingSpec struct {
	Protocol   Protocol
	Address    string
	Port       int
	SocketPath string
	File       *os.File
	Command    string
	// Paused keeps the destination paused once the incoming migration has
	// completed (used by the stable-check flow).
	Paused bool
}

// VirtualMachine is the handle consumed by the migration core.
type VirtualMachine interface {
	Name() string
	Kind() string

	IsAlive() bool
	IsDead() bool
	IsPaused() bool

	Pause() error
	Resume() error
	// Destroy tears the VM down. With gracefully set, a shutdown is
	// attempted before the process is killed.
	Destroy(gracefully bool) error

	// Clone returns a new handle sharing no process state with the
	// original, suitable for starting as a migration destination.
	Clone(name string) VirtualMachine
	// Start launches the VM. A non-nil incoming spec starts it in
	// incoming-migration mode instead of a normal boot.
	Start(incoming *IncomingSpec) error

	Migrate(opts MigrateOptions) error
	CancelMigration() error

	Monitor() Monitor
	MigrationPort() int

	SaveStateToFile(path string) error

	WaitForLogin(timeout time.Duration) (console.Session, error)
	WaitForSerialLogin(timeout time.Duration) (console.Session, error)
}
