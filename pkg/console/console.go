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

// Package console provides guest login sessions, either over the network
// (ssh) or over the VM's serial console socket. The migration orchestrator
// uses them to verify guest responsiveness after a migration.
package console

import (
	"fmt"
	"net"
	"regexp"
	"time"

	expect "github.com/google/goexpect"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"virtmig.io/virtmig/pkg/log"
)

// PromptExpression matches the shell prompts of the guest images the
// harness boots.
const PromptExpression = `(\$ |\# )`

// Session is an interactive command channel into a guest.
type Session interface {
	// Command runs cmd in the guest and returns its combined output.
	Command(cmd string, timeout time.Duration) (string, error)
	Close() error
}

type sshSession struct {
	client *ssh.Client
}

// NewSSHSession logs into a guest over the network.
func NewSSHSession(address string, port int, username, password string, timeout time.Duration) (Session, error) {
	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(address, fmt.Sprintf("%d", port)), config)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to reach guest at %s:%d", address, port)
	}
	return &sshSession{client: client}, nil
}

func (s *sshSession) Command(cmd string, timeout time.Duration) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(cmd)
		done <- result{output: output, err: err}
	}()

	select {
	case res := <-done:
		return string(res.output), res.err
	case <-time.After(timeout):
		session.Close()
		return "", errors.Errorf("command %q did not finish within %v", cmd, timeout)
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

type serialSession struct {
	expecter *expect.GExpect
	prompt   *regexp.Regexp
}

// NewSerialSession logs into a guest over its serial console unix socket.
func NewSerialSession(socketPath, username, password string, timeout time.Duration) (Session, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open console socket %s", socketPath)
	}

	closed := make(chan struct{})
	expecter, _, err := expect.SpawnGeneric(&expect.GenOptions{
		In:  conn,
		Out: conn,
		Wait: func() error {
			<-closed
			return nil
		},
		Close: func() error {
			close(closed)
			return conn.Close()
		},
		Check: func() bool { return true },
	}, timeout, expect.Verbose(false))
	if err != nil {
		conn.Close()
		return nil, err
	}

	session := &serialSession{
		expecter: expecter,
		prompt:   regexp.MustCompile(PromptExpression),
	}

	if err := session.login(username, password, timeout); err != nil {
		expecter.Close()
		return nil, err
	}
	return session, nil
}

func (s *serialSession) login(username, password string, timeout time.Duration) error {
	// Already logged in from a previous session on the same console?
	if err := s.expecter.Send("\n"); err != nil {
		return err
	}
	if _, _, err := s.expecter.Expect(s.prompt, 5*time.Second); err == nil {
		return nil
	}

	batch := []expect.Batcher{
		&expect.BSnd{S: "\n"},
		&expect.BExp{R: `login:`},
		&expect.BSnd{S: username + "\n"},
		&expect.BExp{R: `Password:`},
		&expect.BSnd{S: password + "\n"},
		&expect.BExp{R: PromptExpression},
	}
	resp, err := s.expecter.ExpectBatch(batch, timeout)
	if err != nil {
		log.Log.Reason(err).Errorf("serial login failed: %v", resp)
		return err
	}
	return nil
}

func (s *serialSession) Command(cmd string, timeout time.Duration) (string, error) {
	if err := s.expecter.Send(cmd + "\n"); err != nil {
		return "", err
	}
	output, _, err := s.expecter.Expect(s.prompt, timeout)
	return output, err
}

func (s *serialSession) Close() error {
	return s.expecter.Close()
}
