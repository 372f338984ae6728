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

// Package session owns the background collectors of a single run. Everything
// a run starts it also stops: no globals, no daemon goroutines surviving
// Stop.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/params"
)

const (
	defaultScreendumpInterval = 10 * time.Second
	defaultVMInfoInterval     = 5 * time.Second
)

// Session bundles the run directory and the collector goroutines of one
// test run.
type Session struct {
	ID     string
	RunDir string

	env *env.Env
	p   params.Params

	mu      sync.Mutex
	stop    chan struct{}
	done    sync.WaitGroup
	started bool
}

func New(registry *env.Env, p params.Params) (*Session, error) {
	id := uuid.New().String()[:8]
	runDir := filepath.Join(p.Get("run_dir", filepath.Join(os.TempDir(), "virtmig")), "run-"+id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating session run directory")
	}
	return &Session{
		ID:     id,
		RunDir: runDir,
		env:    registry,
		p:      p,
	}, nil
}

func (s *Session) Name() string { return s.ID }
func (s *Session) Kind() string { return "Session" }

// Start launches the screendump and VM-info collectors. Calling Start on a
// running session is an error.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session is already started")
	}
	s.stop = make(chan struct{})
	s.started = true

	if s.p.GetBool("take_regular_screendumps", false) {
		interval := s.p.GetDuration("screendump_delay", defaultScreendumpInterval)
		s.done.Add(1)
		go s.collect(interval, s.screendumpPass)
	}
	if s.p.GetBool("store_vm_info", true) {
		interval := s.p.GetDuration("vm_info_interval", defaultVMInfoInterval)
		s.done.Add(1)
		go s.collect(interval, s.vmInfoPass)
	}
	log.Log.Object(s).V(2).Infof("session started, run dir %s", s.RunDir)
	return nil
}

// Stop signals the collectors and waits for them to drain. Safe to call
// more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.started = false
	s.mu.Unlock()
	s.done.Wait()
	log.Log.Object(s).V(2).Infof("session stopped")
}

func (s *Session) collect(interval time.Duration, pass func()) {
	defer s.done.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			pass()
		}
	}
}

func (s *Session) screendumpPass() {
	dir := filepath.Join(s.RunDir, "screendumps")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Log.Object(s).Reason(err).Warningf("screendump directory")
		return
	}
	stamp := time.Now().Format("150405")
	for _, machine := range s.env.AllVMs() {
		if machine.IsDead() {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.ppm", machine.Name(), stamp))
		if _, err := machine.Monitor().HumanCommand("screendump " + path); err != nil {
			log.Log.Object(machine).Reason(err).V(3).Infof("screendump failed")
		}
	}
}

func (s *Session) vmInfoPass() {
	f, err := os.OpenFile(filepath.Join(s.RunDir, "vm-info.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Log.Object(s).Reason(err).Warningf("vm info log")
		return
	}
	defer f.Close()
	stamp := time.Now().Format(time.RFC3339)
	for _, machine := range s.env.AllVMs() {
		if machine.IsDead() {
			fmt.Fprintf(f, "%s %s: dead\n", stamp, machine.Name())
			continue
		}
		info, err := machine.Monitor().Info("status")
		if err != nil {
			fmt.Fprintf(f, "%s %s: info error: %v\n", stamp, machine.Name(), err)
			continue
		}
		fmt.Fprintf(f, "%s %s: %s\n", stamp, machine.Name(), info.StatusText())
	}
}
