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
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"virtmig.io/virtmig/pkg/failure"
)

// Client implements Syncer against a Server. The host id identifies this
// process among the participants.
type Client struct {
	serverAddr string
	hostID     string
}

func NewClient(serverAddr, hostID string) *Client {
	return &Client{serverAddr: serverAddr, hostID: hostID}
}

func (c *Client) HostID() string {
	return c.hostID
}

func (c *Client) Barrier(hosts []string, session, tag string, timeout time.Duration) error {
	_, err := c.Exchange(hosts, session, tag, nil, timeout)
	return err
}

func (c *Client) Exchange(hosts []string, session, tag string, payload []byte, timeout time.Duration) (map[string][]byte, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial("ws://"+c.serverAddr+"/sync", nil)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to reach sync server at %s", c.serverAddr)
	}
	defer conn.Close()

	req := request{
		Host:           c.hostID,
		Session:        session,
		Tag:            tag,
		Hosts:          hosts,
		Payload:        payload,
		TimeoutSeconds: int(timeout / time.Second),
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, errors.Wrapf(err, "unable to post to barrier %s/%s", session, tag)
	}

	conn.SetReadDeadline(time.Now().Add(timeout + 5*time.Second))
	resp := response{}
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, failure.Failf("timeout on barrier %s/%s for host %s: %v", session, tag, c.hostID, err)
	}
	if resp.Error != "" {
		return nil, failure.Failf("barrier %s/%s failed: %s", session, tag, resp.Error)
	}
	return resp.Payloads, nil
}
