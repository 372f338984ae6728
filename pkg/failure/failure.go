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

// Package failure defines the outcome taxonomy the harness raises towards
// the surrounding test framework. A Failure means the scenario under test
// misbehaved. An Error means the infrastructure or configuration is broken
// and the result says nothing about the scenario. A Skip means the scenario
// cannot run in this environment.
package failure

import (
	"errors"
	"fmt"
)

// Failure is a fatal, test-failing condition. It is never retried.
type Failure struct {
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

// TestError is a fatal condition caused by the harness or its environment
// rather than the scenario under test.
type TestError struct {
	Message string
}

func (e *TestError) Error() string {
	return e.Message
}

// Skip signals that the scenario is not applicable on this host.
type Skip struct {
	Message string
}

func (s *Skip) Error() string {
	return s.Message
}

func Failf(format string, args ...interface{}) error {
	return &Failure{Message: fmt.Sprintf(format, args...)}
}

func Errorf(format string, args ...interface{}) error {
	return &TestError{Message: fmt.Sprintf(format, args...)}
}

func Skipf(format string, args ...interface{}) error {
	return &Skip{Message: fmt.Sprintf(format, args...)}
}

func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

func IsTestError(err error) bool {
	var e *TestError
	return errors.As(err, &e)
}

func IsSkip(err error) bool {
	var s *Skip
	return errors.As(err, &s)
}
