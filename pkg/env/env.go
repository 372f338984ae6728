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

// Package env holds the per-host VM registry. Each host process owns exactly
// one registry; cross-host migrations never share one.
package env

import (
	"sync"

	"virtmig.io/virtmig/pkg/vm"
)

type Env struct {
	mu  sync.Mutex
	vms map[string]vm.VirtualMachine

	// createLock guards VM preprocessing critical sections when several
	// orchestrator instances run inside one test process.
	createLock sync.Mutex
}

func New() *Env {
	return &Env{vms: make(map[string]vm.VirtualMachine)}
}

func (e *Env) RegisterVM(name string, machine vm.VirtualMachine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vms[name] = machine
}

func (e *Env) UnregisterVM(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vms, name)
}

func (e *Env) GetVM(name string) vm.VirtualMachine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vms[name]
}

func (e *Env) AllVMs() []vm.VirtualMachine {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := make([]vm.VirtualMachine, 0, len(e.vms))
	for _, machine := range e.vms {
		all = append(all, machine)
	}
	return all
}

// CreateLock returns the process-local lock serializing VM creation.
func (e *Env) CreateLock() *sync.Mutex {
	return &e.createLock
}
