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

// Package migration contains the migration state poller and the single-host
// migration driver. Multi-host coordination lives in the multihost
// subpackage.
package migration

import (
	"strings"

	"virtmig.io/virtmig/pkg/vm"
)

// Status is the classified result of one migrate status query. Active may
// repeat; Completed, Failed and Cancelled are terminal.
type Status int

const (
	StatusUnknown Status = iota
	StatusPreparing
	StatusActive
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPreparing:
		return "preparing"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus classifies a monitor response. The response is either a
// structured mapping with a status field or an unstructured blob containing
// a status phrase; both are matched the same way. QMP spells the aborted
// state "cancelled", some human monitors print "canceled".
func ParseStatus(result vm.InfoResult) Status {
	text := strings.ToLower(result.StatusText())
	switch {
	case strings.Contains(text, "status: completed"):
		return StatusCompleted
	case strings.Contains(text, "status: failed"):
		return StatusFailed
	case strings.Contains(text, "status: cancelled"), strings.Contains(text, "status: canceled"):
		return StatusCancelled
	case strings.Contains(text, "status: active"), strings.Contains(text, "status: postcopy-active"):
		return StatusActive
	case strings.Contains(text, "status: setup"):
		return StatusPreparing
	default:
		return StatusUnknown
	}
}
