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

// Package params holds the flat, string-keyed test parameter dictionary that
// drives every scenario. Parameters come out of a YAML file or are assembled
// programmatically; every tunable of the migration core (timeouts, protocol,
// host identities, VM names) is looked up here.
package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

type Params map[string]string

// Load parses a flat YAML mapping into a parameter dictionary. Scalar values
// of any YAML type are flattened to their string form.
func Load(data []byte) (Params, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "unable to parse parameter file")
	}
	p := Params{}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			p[k] = val
		case bool:
			p[k] = strconv.FormatBool(val)
		case int:
			p[k] = strconv.Itoa(val)
		case float64:
			p[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case nil:
			p[k] = ""
		default:
			return nil, errors.Errorf("parameter %q has a non-scalar value", k)
		}
	}
	return p, nil
}

func LoadFile(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read parameter file %s", path)
	}
	return Load(data)
}

func (p Params) Get(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Params) GetInt(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (p Params) GetFloat(key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool treats "yes", "on", "true" and "1" as true and "no", "off",
// "false" and "0" as false. Anything else falls back to the default.
func (p Params) GetBool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on", "true", "1":
		return true
	case "no", "off", "false", "0":
		return false
	}
	return def
}

// GetDuration reads a parameter expressed in whole seconds.
func (p Params) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// Objects splits a whitespace separated object list parameter, e.g.
// vms = "vm1 vm2 vm3".
func (p Params) Objects(key string) []string {
	return strings.Fields(p.Get(key, ""))
}

// Object produces the parameter view of a single named object: a key
// suffixed with the object name wins over the bare key, so
// mem_vm1 = 2048 overrides mem = 1024 when viewed for vm1.
func (p Params) Object(name string) Params {
	suffix := "_" + name
	view := Params{}
	for k, v := range p {
		if !strings.HasSuffix(k, suffix) {
			view[k] = v
		}
	}
	for k, v := range p {
		if strings.HasSuffix(k, suffix) {
			view[strings.TrimSuffix(k, suffix)] = v
		}
	}
	return view
}

// Overlay returns a copy of p with extra merged on top.
func (p Params) Overlay(extra Params) Params {
	merged := make(Params, len(p)+len(extra))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// Copy returns a shallow copy.
func (p Params) Copy() Params {
	return p.Overlay(nil)
}
