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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/failure"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/vm"
)

const (
	// DefaultTimeout bounds a whole migration attempt.
	DefaultTimeout = 3600 * time.Second
	// CancelWindow is how long a requested cancellation may take to reach
	// the cancelled state before the attempt is treated as failed.
	CancelWindow = 60 * time.Second
	// preCancelDelay lets the migration get going before cancelling it.
	preCancelDelay = 2 * time.Second
)

// Options configures one single-host migration attempt.
type Options struct {
	Timeout  time.Duration
	Protocol vm.Protocol
	// Cancel exercises the cancellation path instead of completing.
	Cancel bool
	// Offline pauses the source before the transfer begins.
	Offline bool
	// StableCheck saves both VMs' state after migration and fails on a
	// content hash mismatch.
	StableCheck bool
	// Clean removes the saved state files afterwards.
	Clean bool
	// SavePath is where state files and migration sockets live.
	SavePath string
	// DestHost is "localhost" for a same-machine migration; anything else
	// means the destination runs in another host's process.
	DestHost string
	// Port is the destination's listening port for cross-host migrations.
	Port int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SavePath == "" {
		opts.SavePath = os.TempDir()
	}
	if opts.DestHost == "" {
		opts.DestHost = "localhost"
	}
	return opts
}

// Migrate drives one VM's migration. For a same-machine migration it clones
// and starts a destination VM, migrates into it, kills the source and
// returns the destination handle, re-registering it in the registry when one
// is supplied. For a cross-host migration the destination is not observable
// here and the original handle is returned. With Cancel set the migration is
// aborted mid-flight and the untouched original handle is returned.
func Migrate(machine vm.VirtualMachine, registry *env.Env, options Options) (vm.VirtualMachine, error) {
	opts := options.withDefaults()
	local := opts.DestHost == "localhost"

	var dest vm.VirtualMachine
	var socketPath string

	if local {
		dest = machine.Clone(machine.Name())
		if dest == nil {
			return nil, failure.Errorf("unable to clone %s as the migration destination", machine.Name())
		}
		incoming, path, err := incomingSpec(dest, opts)
		if err != nil {
			return nil, err
		}
		socketPath = path
		if err := dest.Start(incoming); err != nil {
			dest.Destroy(false)
			return nil, errors.Wrapf(err, "unable to start destination VM for %s", machine.Name())
		}
	}

	result, err := migrateAndWait(machine, dest, socketPath, opts)
	if err != nil {
		if local && dest != nil && result == nil {
			dest.Destroy(false)
		}
		return nil, err
	}
	if opts.Cancel {
		// result is the untouched source; the clone is already gone.
		return result, nil
	}

	if local {
		if dest.IsPaused() {
			dest.Resume()
		}
		machine.Destroy(false)
		if registry != nil {
			registry.RegisterVM(machine.Name(), dest)
		}
		return dest, nil
	}

	machine.Destroy(false)
	return machine, nil
}

// migrateAndWait issues the migrate command and sees the attempt through to
// a terminal state. On the cancel path it returns the source VM; otherwise
// a nil result with nil error means the caller owns the destination now.
func migrateAndWait(machine, dest vm.VirtualMachine, socketPath string, opts Options) (vm.VirtualMachine, error) {
	local := opts.DestHost == "localhost"
	poller := &Poller{Source: machine, Destination: dest, Offline: opts.Offline}

	migOpts, err := migrateOptions(machine, dest, socketPath, opts)
	if err != nil {
		return nil, err
	}

	if opts.Offline {
		if err := machine.Pause(); err != nil {
			return nil, errors.Wrapf(err, "unable to pause %s before offline migration", machine.Name())
		}
	}

	log.Log.Object(machine).Infof("migrating via %s to %q", opts.Protocol, migOpts.URI)
	if err := machine.Migrate(migOpts); err != nil {
		return nil, errors.Wrapf(err, "migrate command failed for %s", machine.Name())
	}

	if opts.Cancel {
		time.Sleep(preCancelDelay)
		log.Log.Object(machine).Info("cancelling migration")
		if err := machine.CancelMigration(); err != nil {
			return nil, errors.Wrapf(err, "migrate_cancel failed for %s", machine.Name())
		}
		if err := poller.WaitForCancel(CancelWindow); err != nil {
			return nil, err
		}
		if opts.Offline {
			machine.Resume()
		}
		if dest != nil {
			dest.Destroy(false)
		}
		return machine, nil
	}

	if err := poller.WaitForCompletion(opts.Timeout); err != nil {
		return nil, err
	}

	if local && opts.StableCheck {
		if err := stableCheck(machine, dest, opts); err != nil {
			return nil, err
		}
	}
	if local && opts.Offline {
		dest.Resume()
	}

	switch {
	case poller.Succeeded():
	case poller.Failed():
		return nil, failure.Failf("migration of %s failed", machine.Name())
	default:
		return nil, failure.Failf("migration of %s ended in an unrecognized state: %s", machine.Name(), poller.StatusText())
	}
	return nil, nil
}

// migrateOptions builds the transport URI or command per protocol.
func migrateOptions(machine, dest vm.VirtualMachine, socketPath string, opts Options) (vm.MigrateOptions, error) {
	local := opts.DestHost == "localhost"
	migOpts := vm.MigrateOptions{Protocol: opts.Protocol}

	switch opts.Protocol {
	case vm.TCP, vm.RDMA, vm.XRDMA:
		if local {
			migOpts.URI = fmt.Sprintf("%s:0:%d", opts.Protocol, dest.MigrationPort())
		} else {
			migOpts.URI = fmt.Sprintf("%s:%s:%d", opts.Protocol, opts.DestHost, opts.Port)
		}
	case vm.Unix:
		if !local {
			return migOpts, failure.Errorf("unix migration requires a same-machine destination")
		}
		migOpts.URI = "unix:" + socketPath
	case vm.Exec:
		port := opts.Port
		if local {
			port = dest.MigrationPort()
		}
		migOpts.Command = fmt.Sprintf("nc -w 1 %s %d", opts.DestHost, port)
		migOpts.URI = "exec:" + migOpts.Command
	default:
		return migOpts, failure.Errorf("unsupported migration protocol %s", opts.Protocol)
	}
	return migOpts, nil
}

// incomingSpec prepares the destination's incoming-migration launch spec.
func incomingSpec(dest vm.VirtualMachine, opts Options) (*vm.IncomingSpec, string, error) {
	incoming := &vm.IncomingSpec{
		Protocol: opts.Protocol,
		Paused:   opts.StableCheck,
	}
	switch opts.Protocol {
	case vm.TCP, vm.RDMA, vm.XRDMA:
		incoming.Address = "0"
		incoming.Port = dest.MigrationPort()
	case vm.Unix:
		path := filepath.Join(opts.SavePath, "migration-socket-"+uuid.New().String())
		incoming.SocketPath = path
		return incoming, path, nil
	case vm.Exec:
		incoming.Command = fmt.Sprintf("nc -l %d", dest.MigrationPort())
	default:
		return nil, "", failure.Errorf("unsupported migration protocol %s", opts.Protocol)
	}
	return incoming, "", nil
}

// stableCheck saves both VMs' state to disk and compares content hashes.
// Differing state after a migration points at corruption in flight.
func stableCheck(machine, dest vm.VirtualMachine, opts Options) error {
	srcFile := filepath.Join(opts.SavePath, fmt.Sprintf("src-%s.state", machine.Name()))
	dstFile := filepath.Join(opts.SavePath, fmt.Sprintf("dst-%s.state", machine.Name()))
	if opts.Clean {
		defer os.Remove(srcFile)
		defer os.Remove(dstFile)
	}

	if err := machine.SaveStateToFile(srcFile); err != nil {
		return errors.Wrapf(err, "unable to save source state of %s", machine.Name())
	}
	if err := dest.SaveStateToFile(dstFile); err != nil {
		return errors.Wrapf(err, "unable to save destination state of %s", machine.Name())
	}

	srcHash, err := hashFile(srcFile)
	if err != nil {
		return err
	}
	dstHash, err := hashFile(dstFile)
	if err != nil {
		return err
	}
	if srcHash != dstHash {
		return failure.Failf("migration stable check failed for %s: source hash %s != destination hash %s", machine.Name(), srcHash, dstHash)
	}
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "unable to read state file %s", path)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
