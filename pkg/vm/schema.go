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

package vm

import (
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// DefinitionVersion is the current major version of the definition schema.
// A definition produced by a newer major version is rejected rather than
// half-understood.
const DefinitionVersion = 1

// Definition is the explicit, versioned record of everything needed to
// reconstruct a VM on another host. It replaces opaque object serialization
// so that cross-host and cross-version compatibility is a property of this
// schema, not of any in-memory object layout.
type Definition struct {
	Version     int    `json:"version"`
	Name        string `json:"name"`
	MachineType string `json:"machineType,omitempty"`
	MemoryMB    int    `json:"memoryMB"`
	CPUs        int    `json:"cpus"`

	Disks []DiskDefinition `json:"disks,omitempty"`
	NICs  []NICDefinition  `json:"nics,omitempty"`

	SerialSocket  string `json:"serialSocket,omitempty"`
	MonitorSocket string `json:"monitorSocket,omitempty"`

	// ExtraArgs is passed through verbatim to the hypervisor command line.
	ExtraArgs []string `json:"extraArgs,omitempty"`
}

type DiskDefinition struct {
	Path     string `json:"path"`
	Format   string `json:"format,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

type NICDefinition struct {
	Model   string `json:"model,omitempty"`
	MAC     string `json:"mac,omitempty"`
	Netdev  string `json:"netdev,omitempty"`
	Address string `json:"address,omitempty"`
}

// EncodeDefinition serializes a definition for the cross-host exchange.
func EncodeDefinition(def *Definition) ([]byte, error) {
	if def.Version == 0 {
		def.Version = DefinitionVersion
	}
	return yaml.Marshal(def)
}

// DecodeDefinition parses a definition received from another host.
func DecodeDefinition(data []byte) (*Definition, error) {
	def := &Definition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, errors.Wrap(err, "unable to parse VM definition")
	}
	if def.Version > DefinitionVersion {
		return nil, errors.Errorf("VM definition version %d is newer than supported version %d", def.Version, DefinitionVersion)
	}
	if def.Name == "" {
		return nil, errors.New("VM definition has no name")
	}
	return def, nil
}
