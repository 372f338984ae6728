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

package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/migration"
	"virtmig.io/virtmig/pkg/session"
	"virtmig.io/virtmig/pkg/vm"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run a single-host migration scenario from a params file.",
		RunE:  runMigrate,
	}
	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	p, err := loadParams(cmd)
	if err != nil {
		return err
	}
	registry := env.New()

	sess, err := session.New(registry, p)
	if err != nil {
		return err
	}
	if err := sess.Start(); err != nil {
		return err
	}
	defer sess.Stop()

	name := p.Get("main_vm", "vm1")
	machine, err := provisionVM(name, p, nil)
	if err != nil {
		return err
	}
	if err := machine.Start(nil); err != nil {
		return err
	}
	registry.RegisterVM(name, machine)
	defer func() {
		if m := registry.GetVM(name); m != nil && m.IsAlive() {
			m.Destroy(false)
		}
	}()

	if _, err := machine.WaitForLogin(p.GetDuration("login_timeout", 480*time.Second)); err != nil {
		return err
	}

	protoName := p.Get("mig_protocol", "tcp")
	proto, ok := vm.ParseProtocol(protoName)
	if !ok {
		return errors.Errorf("unsupported migration protocol %q", protoName)
	}
	opts := migration.Options{
		Timeout:     p.GetDuration("mig_timeout", migration.DefaultTimeout),
		Protocol:    proto,
		Cancel:      p.GetDuration("cancel_delay", 0) > 0,
		Offline:     p.GetBool("mig_offline", false),
		StableCheck: p.GetBool("mig_stable_check", false),
		Clean:       p.GetBool("mig_clean", true),
		SavePath:    p.Get("save_path", ""),
		DestHost:    p.Get("mig_dst_address", ""),
		Port:        p.GetInt("mig_port", 0),
	}
	result, err := migration.Migrate(machine, registry, opts)
	if err != nil {
		return err
	}
	log.Log.Object(result).Infof("migration finished")
	return nil
}
