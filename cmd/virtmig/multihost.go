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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"virtmig.io/virtmig/pkg/barrier"
	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/migration/multihost"
	"virtmig.io/virtmig/pkg/monitoring/migrationstats"
	"virtmig.io/virtmig/pkg/session"
)

func NewMultihostCommand() *cobra.Command {
	var syncServer string
	cmd := &cobra.Command{
		Use:   "multihost",
		Short: "Participate as one host in a multi-host migration scenario.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMultihost(cmd, syncServer)
		},
	}
	cmd.Flags().StringVar(&syncServer, "sync-server", "", "address of the rendezvous service")
	return cmd
}

func runMultihost(cmd *cobra.Command, syncServer string) error {
	p, err := loadParams(cmd)
	if err != nil {
		return err
	}
	hostID := p.Get("hostid", "")
	if hostID == "" {
		return errors.New("params must set hostid")
	}
	if syncServer == "" {
		syncServer = p.Get("sync_server", "")
	}
	if syncServer == "" {
		return errors.New("a sync server address is required (flag or sync_server param)")
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

	orch, err := multihost.New(multihost.Config{
		HostID:    hostID,
		Params:    p,
		Env:       registry,
		Syncer:    barrier.NewClient(syncServer, hostID),
		Provision: provisionVM,
		Stats:     migrationstats.NewRecorder(nil),
	})
	if err != nil {
		return err
	}

	scenario := multihost.Scenario{
		VMNames: p.Objects("vms"),
		SrcHost: p.Get("srchost", ""),
		DstHost: p.Get("dsthost", ""),
	}
	if len(scenario.VMNames) == 0 {
		return errors.New("params must list at least one vm in vms")
	}
	if scenario.SrcHost == "" || scenario.DstHost == "" {
		return errors.New("params must set srchost and dsthost")
	}

	if err := orch.Migrate(scenario); err != nil {
		return err
	}
	log.Log.Infof("multi-host migration of %v finished", scenario.VMNames)
	return nil
}
