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

package migration

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"virtmig.io/virtmig/pkg/failure"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/vm"
)

const pollInterval = 2 * time.Second

// Poller tracks an in-flight migration by querying the source VM's monitor.
// It holds no state across queries; every predicate reflects one fresh
// status query.
type Poller struct {
	Source vm.VirtualMachine
	// Destination may be nil for cross-host migrations, where the real
	// destination lives in another host's process.
	Destination vm.VirtualMachine
	// Offline marks a migration whose source was paused up front; a dead
	// source is then not an error.
	Offline bool
}

// Status queries and classifies the source's migrate status.
func (p *Poller) Status() (Status, error) {
	info, err := p.Source.Monitor().Info("migrate")
	if err != nil {
		return StatusUnknown, err
	}
	return ParseStatus(info), nil
}

// StatusText returns the raw status text for error reporting.
func (p *Poller) StatusText() string {
	info, err := p.Source.Monitor().Info("migrate")
	if err != nil {
		return err.Error()
	}
	return info.StatusText()
}

// Finished reports whether the migration has left the active state. A dead
// destination, or a dead source while an online migration is in flight, is
// fatal immediately and not retried.
func (p *Poller) Finished() (bool, error) {
	if p.Destination != nil && p.Destination.IsDead() {
		return false, failure.Failf("destination VM %s died during migration", p.Destination.Name())
	}
	if !p.Offline && p.Source.IsDead() {
		return false, failure.Failf("source VM %s died during online migration", p.Source.Name())
	}
	status, err := p.Status()
	if err != nil {
		return false, err
	}
	return status != StatusActive && status != StatusPreparing, nil
}

func (p *Poller) Succeeded() bool {
	status, err := p.Status()
	if err != nil {
		log.Log.Reason(err).Errorf("unable to query migration status of %s", p.Source.Name())
		return false
	}
	return status == StatusCompleted
}

func (p *Poller) Failed() bool {
	status, err := p.Status()
	if err != nil {
		log.Log.Reason(err).Errorf("unable to query migration status of %s", p.Source.Name())
		return false
	}
	return status == StatusFailed
}

func (p *Poller) Cancelled() bool {
	status, err := p.Status()
	if err != nil {
		log.Log.Reason(err).Errorf("unable to query migration status of %s", p.Source.Name())
		return false
	}
	return status == StatusCancelled
}

// WaitForCompletion polls Finished until true or the timeout elapses.
func (p *Poller) WaitForCompletion(timeout time.Duration) error {
	err := wait.PollImmediate(pollInterval, timeout, func() (bool, error) {
		return p.Finished()
	})
	if err == wait.ErrWaitTimeout {
		return failure.Failf("timeout waiting for migration of %s to finish after %v", p.Source.Name(), timeout)
	}
	return err
}

// WaitForCancel polls until the cancelled state is observed. Callers give
// cancellation a fixed window; not reaching cancelled within it fails the
// attempt.
func (p *Poller) WaitForCancel(timeout time.Duration) error {
	err := wait.PollImmediate(pollInterval, timeout, func() (bool, error) {
		status, err := p.Status()
		if err != nil {
			return false, err
		}
		return status == StatusCancelled, nil
	})
	if err == wait.ErrWaitTimeout {
		return failure.Failf("migration of %s was not cancelled within %v", p.Source.Name(), timeout)
	}
	return err
}
