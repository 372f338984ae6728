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

// Package fake provides a scriptable in-memory VM handle for tests.
package fake

import (
	"os"
	"sync"
	"time"

	"virtmig.io/virtmig/pkg/console"
	"virtmig.io/virtmig/pkg/vm"
)

// Monitor serves a canned sequence of migrate status responses. Once the
// sequence is exhausted the last element keeps repeating.
type Monitor struct {
	mu        sync.Mutex
	Statuses  []vm.InfoResult
	pos       int
	InfoErr   error
	Commands  []string
	CapChange map[string]bool
}

func (m *Monitor) Info(topic string) (vm.InfoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InfoErr != nil {
		return vm.InfoResult{}, m.InfoErr
	}
	if len(m.Statuses) == 0 {
		return vm.InfoResult{Raw: "status: active"}, nil
	}
	result := m.Statuses[m.pos]
	if m.pos < len(m.Statuses)-1 {
		m.pos++
	}
	return result, nil
}

func (m *Monitor) HumanCommand(cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = append(m.Commands, cmd)
	return "", nil
}

// CommandCount reports how many human monitor commands were issued, safe
// against concurrent collectors.
func (m *Monitor) CommandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Commands)
}

func (m *Monitor) SetMigrationCapability(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CapChange == nil {
		m.CapChange = make(map[string]bool)
	}
	m.CapChange[name] = enabled
	return nil
}

// Session is a no-op guest session.
type Session struct {
	Output string
}

func (s *Session) Command(cmd string, timeout time.Duration) (string, error) {
	return s.Output, nil
}

func (s *Session) Close() error { return nil }

// VM is a deterministic handle implementing vm.VirtualMachine. Zero value
// plus a name is a healthy running VM.
type VM struct {
	mu sync.Mutex

	VMName string
	Mon    *Monitor

	Dead      bool
	Paused    bool
	Destroyed bool

	// StateContent is what SaveStateToFile writes, for stable-check tests.
	StateContent []byte

	// MigrateErr is returned from Migrate after recording the call.
	MigrateErr error
	// CloneFails makes Clone return no handle, as drivers do when clone
	// preparation fails.
	CloneFails bool
	// MigrateDelay makes Migrate block, for cancellation tests.
	MigrateDelay time.Duration

	MigrateCalls  []vm.MigrateOptions
	StartCalls    []*vm.IncomingSpec
	CancelCalls   int
	ResumeCalls   int
	PauseCalls    int
	DestroyCalls  []bool
	Clones        []*VM
	Port          int
	LoginSessions int
}

func New(name string) *VM {
	return &VM{VMName: name, Mon: &Monitor{}}
}

func (f *VM) Name() string { return f.VMName }
func (f *VM) Kind() string { return "FakeVM" }

func (f *VM) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Dead && !f.Destroyed
}

func (f *VM) IsDead() bool { return !f.IsAlive() }

func (f *VM) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Paused
}

func (f *VM) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Paused = true
	f.PauseCalls++
	return nil
}

func (f *VM) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Paused = false
	f.ResumeCalls++
	return nil
}

func (f *VM) Destroy(gracefully bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Destroyed = true
	f.DestroyCalls = append(f.DestroyCalls, gracefully)
	return nil
}

func (f *VM) Clone(name string) vm.VirtualMachine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CloneFails {
		return nil
	}
	clone := New(name)
	clone.StateContent = f.StateContent
	clone.Port = f.Port
	f.Clones = append(f.Clones, clone)
	return clone
}

func (f *VM) Start(incoming *vm.IncomingSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls = append(f.StartCalls, incoming)
	f.Dead = false
	if incoming != nil && incoming.Paused {
		f.Paused = true
	}
	return nil
}

func (f *VM) Migrate(opts vm.MigrateOptions) error {
	f.mu.Lock()
	f.MigrateCalls = append(f.MigrateCalls, opts)
	delay := f.MigrateDelay
	err := f.MigrateErr
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (f *VM) CancelMigration() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls++
	return nil
}

func (f *VM) Monitor() vm.Monitor { return f.Mon }

func (f *VM) MigrationPort() int {
	if f.Port == 0 {
		return 4444
	}
	return f.Port
}

func (f *VM) SaveStateToFile(path string) error {
	f.mu.Lock()
	content := f.StateContent
	f.mu.Unlock()
	if content == nil {
		content = []byte(f.VMName + "-state")
	}
	return os.WriteFile(path, content, 0o644)
}

func (f *VM) WaitForLogin(timeout time.Duration) (console.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoginSessions++
	return &Session{}, nil
}

func (f *VM) WaitForSerialLogin(timeout time.Duration) (console.Session, error) {
	return f.WaitForLogin(timeout)
}
