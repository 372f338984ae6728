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

// Package multihost coordinates migrations of one or more VMs between
// cooperating host processes. The hosts synchronize through a barrier
// service; each host derives its role for an attempt from static
// configuration and never changes it afterwards.
package multihost

import (
	"fmt"
	"strings"

	"virtmig.io/virtmig/pkg/params"
	"virtmig.io/virtmig/pkg/vm"
)

// MigrationData is the per-attempt record. It is constructed fresh for each
// migration attempt and discarded afterwards; nothing in it is persisted.
type MigrationData struct {
	// Params is the base parameter set overlaid with this attempt's
	// overrides (the vms list narrowed to this attempt's VM set).
	Params params.Params

	// Source and Destination say what this host process is for this
	// attempt. At most one is true; an observer host has both false.
	Source      bool
	Destination bool

	Src   string
	Dst   string
	Hosts []string

	// MigID tags every barrier and exchange of this attempt.
	MigID string

	VMsName []string
	// VMs is resolved lazily on each side once handles exist there.
	VMs []vm.VirtualMachine

	// VMPorts maps VM name to the destination's listening port, filled in
	// during the port handshake.
	VMPorts map[string]int
}

// NewMigrationData derives the attempt record, including this host's role,
// from the base params and the attempt's endpoints.
func NewMigrationData(base params.Params, hostID, srcHost, dstHost string, vmNames []string) *MigrationData {
	overlay := params.Params{"vms": strings.Join(vmNames, " ")}
	md := &MigrationData{
		Params:  base.Overlay(overlay),
		Src:     srcHost,
		Dst:     dstHost,
		Hosts:   []string{srcHost, dstHost},
		VMsName: vmNames,
		VMPorts: make(map[string]int),
		MigID:   fmt.Sprintf("%s-%s-%s", srcHost, dstHost, strings.Join(vmNames, "-")),
	}
	md.Source = hostID == srcHost
	md.Destination = hostID == dstHost
	return md
}

func (md *MigrationData) IsSrc() bool { return md.Source }
func (md *MigrationData) IsDst() bool { return md.Destination }

func (md *MigrationData) Name() string { return md.MigID }
func (md *MigrationData) Kind() string { return "Migration" }
