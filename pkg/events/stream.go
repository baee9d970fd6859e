// Copyright 2021-2026 the geOrchestra Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"time"

	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/nats-io/nats.go"
)

const publishTimeout = 5 * time.Second

// Stream is the broker abstraction the emitter and listener run on.
type Stream interface {
	Publish(subject string, data []byte) error
	Consume(subject string) (<-chan []byte, error)
	Close()
}

// NatsStream is a Stream on a NATS connection.
type NatsStream struct {
	nc *nats.Conn
}

var _ Stream = (*NatsStream)(nil)

// Nats connects to the broker. The connection reconnects forever; only
// the initial dial failing is an error.
func Nats(url string) (*NatsStream, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(publishTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errtypes.BrokerUnavailable(url + ": " + err.Error())
	}
	return &NatsStream{nc: nc}, nil
}

// Publish sends data and waits for the server to acknowledge the flush
// within the publish timeout.
func (s *NatsStream) Publish(subject string, data []byte) error {
	if err := s.nc.Publish(subject, data); err != nil {
		return errtypes.BrokerUnavailable(err.Error())
	}
	if err := s.nc.FlushTimeout(publishTimeout); err != nil {
		return errtypes.BrokerUnavailable(err.Error())
	}
	return nil
}

// Consume subscribes to the subject and yields raw payloads.
func (s *NatsStream) Consume(subject string) (<-chan []byte, error) {
	msgs := make(chan *nats.Msg, 64)
	if _, err := s.nc.ChanSubscribe(subject, msgs); err != nil {
		return nil, errtypes.BrokerUnavailable(err.Error())
	}
	out := make(chan []byte)
	go func() {
		for m := range msgs {
			out <- m.Data
		}
	}()
	return out, nil
}

// Close drains the connection.
func (s *NatsStream) Close() {
	_ = s.nc.Drain()
}

// Chan is a channel-based in-memory stream for tests and single-process
// setups. The subject is ignored: everything published is delivered to
// every consumer.
type Chan chan []byte

var _ Stream = (Chan)(nil)

// NewChan returns a buffered in-memory stream.
func NewChan() Chan { return make(chan []byte, 64) }

// Publish implements Stream.
func (c Chan) Publish(_ string, data []byte) error {
	c <- data
	return nil
}

// Consume implements Stream.
func (c Chan) Consume(_ string) (<-chan []byte, error) {
	return c, nil
}

// Close implements Stream.
func (c Chan) Close() { close(c) }
