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
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	libvirtgo "libvirt.org/go/libvirt"

	"virtmig.io/virtmig/pkg/migration/multihost"
	"virtmig.io/virtmig/pkg/params"
	"virtmig.io/virtmig/pkg/vm"
	"virtmig.io/virtmig/pkg/vm/libvirt"
	"virtmig.io/virtmig/pkg/vm/qemu"
)

var (
	libvirtOnce sync.Once
	libvirtConn *libvirtgo.Connect
	libvirtErr  error
)

func libvirtConnect(p params.Params) (*libvirtgo.Connect, error) {
	libvirtOnce.Do(func() {
		libvirtConn, libvirtErr = libvirt.Connect(p.Get("libvirt_uri", ""))
	})
	return libvirtConn, libvirtErr
}

// provisionVM builds an unstarted handle for the configured hypervisor
// driver. A nil definition means the VM is described by its own params.
func provisionVM(name string, p params.Params, def *vm.Definition) (vm.VirtualMachine, error) {
	if def == nil {
		var err error
		def, err = multihost.DefineFromParams(name, p.Object(name))
		if err != nil {
			return nil, err
		}
	}
	switch driver := p.Get("vm_type", "qemu"); driver {
	case "qemu":
		return qemu.New(name, def, p)
	case "libvirt":
		conn, err := libvirtConnect(p)
		if err != nil {
			return nil, err
		}
		return libvirt.New(conn, name, def, p), nil
	default:
		return nil, errors.Errorf("unknown vm_type %q", driver)
	}
}

func loadParams(cmd *cobra.Command) (params.Params, error) {
	path, err := cmd.Flags().GetString("params")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("--params is required")
	}
	return params.LoadFile(path)
}
