// Copyright 2022 The objtalk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/alwitt/objtalk/broker"
	"github.com/alwitt/objtalk/common"
	"github.com/apex/log"
)

// tcpConnection adapts a net.Conn to the session loop's framing: one JSON
// document per newline terminated line
type tcpConnection struct {
	conn   net.Conn
	reader *bufio.Reader
}

// ReadMessage block for the next inbound frame
func (c *tcpConnection) ReadMessage() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// WriteMessage send one outbound frame
func (c *tcpConnection) WriteMessage(data []byte) error {
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte("\n"))
	return err
}

// Close tear the connection down
func (c *tcpConnection) Close() error {
	return c.conn.Close()
}

// RunTCPTransport bind the line delimited JSON TCP listener and serve client
// connections until the context ends. Returns immediately on bind failure;
// the accept loop runs against wg.
func RunTCPTransport(
	ctxt context.Context,
	wg *sync.WaitGroup,
	config common.TCPConfig,
	b broker.Broker,
) error {
	logTags := log.Fields{
		"module": "transport", "component": "tcp",
		"instance": fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.ListenOn, config.Port))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind TCP listener")
		return err
	}
	log.WithFields(logTags).Infof("TCP transport listening on %s", listener.Addr())

	// close the listener on shutdown to unblock Accept
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		_ = listener.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctxt.Err() != nil {
					return
				}
				log.WithError(err).WithFields(logTags).Error("TCP accept failed")
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				connTags := log.Fields{
					"module": "transport", "component": "tcp-session",
					"remote": conn.RemoteAddr().String(),
				}
				RunSession(ctxt, b, &tcpConnection{
					conn: conn, reader: bufio.NewReader(conn),
				}, connTags)
			}()
		}
	}()

	return nil
}
