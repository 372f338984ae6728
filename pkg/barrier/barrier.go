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

// Package barrier implements the rendezvous service the multi-host
// orchestrator synchronizes on. N named participants post a value under a
// (session, tag) pair and block until every expected participant has posted,
// at which point each receives the full value map. A barrier is an exchange
// with empty payloads.
package barrier

import "time"

// Syncer is the coordination contract consumed by the migration core. Any
// error, including a timeout, is fatal for the current migration attempt;
// the core never retries.
type Syncer interface {
	// Barrier blocks until every host in hosts has called Barrier with the
	// same session and tag, or fails after timeout.
	Barrier(hosts []string, session, tag string, timeout time.Duration) error

	// Exchange posts payload under (session, tag) and returns every
	// participant's payload keyed by host id once all have posted.
	Exchange(hosts []string, session, tag string, payload []byte, timeout time.Duration) (map[string][]byte, error)
}

// request is one participant's post, as carried on the wire.
type request struct {
	Host           string   `json:"host"`
	Session        string   `json:"session"`
	Tag            string   `json:"tag"`
	Hosts          []string `json:"hosts"`
	Payload        []byte   `json:"payload,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

// response resolves a post: either the full payload map or an error.
type response struct {
	Payloads map[string][]byte `json:"payloads,omitempty"`
	Error    string            `json:"error,omitempty"`
}
