/*
 * Copyright 2025 Carver Automation Corporation.
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
 */

package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/hearth/pkg/dispatch"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

const (
	// ackSubjectPrefix is where devices publish command acknowledgements;
	// the hub listens on the matching wildcard and routes by command id.
	ackSubjectPrefix  = "cmd.ack."
	ackSubjectPattern = "cmd.ack.>"
)

// natsTransport delivers commands by publishing the request JSON to the
// device's address subject. Core NATS is fire-and-forget, so a nil Deliver
// only means the request left the hub; the dispatcher's retry policy treats
// a missing ack as the failure signal.
type natsTransport struct {
	nc     *nats.Conn
	logger logger.Logger
}

func newNATSTransport(nc *nats.Conn, log logger.Logger) *natsTransport {
	return &natsTransport{nc: nc, logger: log}
}

// Deliver implements dispatch.Transport.
func (t *natsTransport) Deliver(_ context.Context, device *models.Device, req *models.CommandRequest) error {
	wire := *req
	wire.AckSubject = ackSubjectPrefix + req.CommandID

	data, err := json.Marshal(&wire)
	if err != nil {
		return fmt.Errorf("failed to marshal command request: %w", err)
	}

	if err := t.nc.Publish(device.Address, data); err != nil {
		return fmt.Errorf("failed to publish command to %s: %w", device.Address, err)
	}

	t.logger.Debug().
		Str("command_id", req.CommandID).
		Str("device_id", req.DeviceID).
		Str("subject", device.Address).
		Int("attempt", req.Attempt).
		Msg("Command published")

	return nil
}

var _ dispatch.Transport = (*natsTransport)(nil)

// subscribeAcks wires device acknowledgements back into the dispatcher.
func (s *Server) subscribeAcks() error {
	sub, err := s.nc.Subscribe(ackSubjectPattern, func(msg *nats.Msg) {
		var ack models.CommandAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed command ack")
			return
		}

		s.dispatcher.HandleAck(&ack)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ackSubjectPattern, err)
	}

	s.ackSub = sub

	return nil
}
