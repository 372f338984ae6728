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

package barrier

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"virtmig.io/virtmig/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type session struct {
	expected map[string]bool
	received map[string][]byte
	waiters  map[string]chan response
	deadline time.Time
}

func (s *session) complete() bool {
	for host := range s.expected {
		if _, posted := s.received[host]; !posted {
			return false
		}
	}
	return true
}

// Server is the rendezvous endpoint. One server instance coordinates any
// number of concurrent (session, tag) pairs.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*session

	listener net.Listener
	httpSrv  *http.Server
	stopChan chan struct{}
}

func NewServer() *Server {
	return &Server{
		sessions: make(map[string]*session),
		stopChan: make(chan struct{}),
	}
}

// Start begins serving on addr. With port 0 an ephemeral port is chosen;
// Addr reports the bound address.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Log.Reason(err).Error("sync server terminated")
		}
	}()
	go s.expireLoop()

	log.Log.Infof("sync server listening on %s", listener.Addr())
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	close(s.stopChan)
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

// expireLoop fails waiters whose session deadline has passed. The client
// enforces its own timeout too; this keeps the server from accumulating
// sessions whose participants never all arrive.
func (s *Server) expireLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, sess := range s.sessions {
				if now.After(sess.deadline) {
					for host, waiter := range sess.waiters {
						waiter <- response{Error: fmt.Sprintf("timeout waiting for barrier %s (host %s)", key, host)}
					}
					delete(s.sessions, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Log.Reason(err).Error("failed to upgrade sync connection")
		return
	}
	defer conn.Close()

	req := request{}
	if err := conn.ReadJSON(&req); err != nil {
		log.Log.Reason(err).Error("malformed sync request")
		return
	}

	waiter, err := s.post(req)
	if err != nil {
		conn.WriteJSON(response{Error: err.Error()})
		return
	}

	resp := <-waiter
	if err := conn.WriteJSON(resp); err != nil {
		log.Log.Reason(err).Errorf("failed to resolve barrier for host %s", req.Host)
	}
}

func (s *Server) post(req request) (chan response, error) {
	if req.Host == "" || req.Session == "" || req.Tag == "" {
		return nil, fmt.Errorf("sync request missing host, session or tag")
	}

	key := req.Session + "/" + req.Tag

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[key]
	if !exists {
		sess = &session{
			expected: make(map[string]bool),
			received: make(map[string][]byte),
			waiters:  make(map[string]chan response),
			deadline: time.Now().Add(time.Duration(req.TimeoutSeconds) * time.Second),
		}
		for _, host := range req.Hosts {
			sess.expected[host] = true
		}
		s.sessions[key] = sess
	}

	if !sess.expected[req.Host] {
		return nil, fmt.Errorf("host %s is not a participant of %s", req.Host, key)
	}
	if _, posted := sess.received[req.Host]; posted {
		return nil, fmt.Errorf("host %s posted twice for %s", req.Host, key)
	}

	// A slower participant may arrive with a longer timeout; keep the
	// latest deadline so the session survives until everyone's limit.
	if deadline := time.Now().Add(time.Duration(req.TimeoutSeconds) * time.Second); deadline.After(sess.deadline) {
		sess.deadline = deadline
	}

	payload := req.Payload
	if payload == nil {
		payload = []byte{}
	}
	sess.received[req.Host] = payload

	waiter := make(chan response, 1)
	sess.waiters[req.Host] = waiter

	if sess.complete() {
		payloads := make(map[string][]byte, len(sess.received))
		for host, data := range sess.received {
			payloads[host] = data
		}
		for _, w := range sess.waiters {
			w <- response{Payloads: payloads}
		}
		delete(s.sessions, key)
		log.Log.V(4).Infof("barrier %s resolved with %d participants", key, len(payloads))
	}

	return waiter, nil
}
