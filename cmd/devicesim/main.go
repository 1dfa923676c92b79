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

// cmd/devicesim/main.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/carverauto/hearth/pkg/models"
)

const (
	commandSubjectPrefix = "cmd.device."
	ingestSubjectPrefix  = "ingest.device."

	registerTimeout = 10 * time.Second
	drainTimeout    = 5 * time.Second

	// Telemetry jitter ranges
	tempBaseC        = 18.0
	tempSwingC       = 6.0
	humidityBasePct  = 30.0
	humiditySwingPct = 25.0
	batteryFullPct   = 100.0
	batteryDrainPct  = 0.05

	// Ack latency jitter: actual latency is base plus up to 50% extra
	latencyJitterFraction = 0.5
)

var (
	errRegisterFailed = errors.New("device registration failed")
	errNoDevices      = errors.New("device count must be at least 1")
	errBadDropRate    = errors.New("drop rate must be in [0,1)")
	errBadInterval    = errors.New("telemetry interval must be positive")
)

// simTypes is the fleet mix; devices cycle through it round-robin.
var simTypes = []models.DeviceType{
	models.DeviceTypeLight,
	models.DeviceTypePlug,
	models.DeviceTypeThermostat,
	models.DeviceTypeSensor,
	models.DeviceTypeLock,
}

// simDevice is one simulated device. It consumes its command subject, applies
// set deltas to its local state, and publishes telemetry into the ingest
// stream.
type simDevice struct {
	id         string
	deviceType models.DeviceType
	address    string

	mu    sync.Mutex
	state map[string]interface{}
}

func newSimDevice(index int) *simDevice {
	deviceType := simTypes[index%len(simTypes)]
	id := fmt.Sprintf("sim-%s-%03d", deviceType, index+1)

	return &simDevice{
		id:         id,
		deviceType: deviceType,
		address:    commandSubjectPrefix + id,
		state:      initialState(deviceType),
	}
}

func initialState(deviceType models.DeviceType) map[string]interface{} {
	switch deviceType {
	case models.DeviceTypeLight:
		return map[string]interface{}{"power": "off", "brightness": 100}
	case models.DeviceTypePlug, models.DeviceTypeSwitch:
		return map[string]interface{}{"power": "off"}
	case models.DeviceTypeThermostat:
		return map[string]interface{}{"mode": "heat", "target_c": 20.0, "temp_c": 19.5}
	case models.DeviceTypeSensor:
		return map[string]interface{}{"temp_c": tempBaseC, "humidity_pct": humidityBasePct, "battery_pct": batteryFullPct}
	case models.DeviceTypeLock:
		return map[string]interface{}{"locked": true, "battery_pct": batteryFullPct}
	case models.DeviceTypeCamera:
		return map[string]interface{}{"recording": false}
	default:
		return map[string]interface{}{}
	}
}

func (d *simDevice) apply(delta map[string]interface{}) map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, value := range delta {
		d.state[key] = value
	}

	return copyState(d.state)
}

func (d *simDevice) snapshot() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	return copyState(d.state)
}

// drift nudges the device's sensor readings so telemetry is not constant.
func (d *simDevice) drift() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.deviceType {
	case models.DeviceTypeThermostat, models.DeviceTypeSensor:
		d.state["temp_c"] = round1(tempBaseC + rand.Float64()*tempSwingC)

		if d.deviceType == models.DeviceTypeSensor {
			d.state["humidity_pct"] = round1(humidityBasePct + rand.Float64()*humiditySwingPct)
		}
	case models.DeviceTypeLight, models.DeviceTypePlug, models.DeviceTypeSwitch,
		models.DeviceTypeLock, models.DeviceTypeCamera:
	}

	if battery, ok := d.state["battery_pct"].(float64); ok && battery > 0 {
		d.state["battery_pct"] = round1(battery - batteryDrainPct)
	}

	return copyState(d.state)
}

func copyState(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for key, value := range state {
		out[key] = value
	}

	return out
}

func round1(v float64) float64 {
	return float64(int(v*10)) / 10
}

// simulator owns the fleet and the shared connections.
type simulator struct {
	hubURL     string
	apiKey     string
	nc         *nats.Conn
	httpClient *http.Client

	ackLatency time.Duration
	dropRate   float64
	interval   time.Duration

	devices []*simDevice
}

// register creates the device on the hub. A conflict means a previous run
// already registered it; the simulator just takes it over.
func (s *simulator) register(ctx context.Context, dev *simDevice) error {
	body, err := json.Marshal(map[string]interface{}{
		"device_id": dev.id,
		"type":      dev.deviceType,
		"address":   dev.address,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hubURL+"/api/devices", bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		log.Printf("Device %s already registered, taking it over", dev.id)
		return nil
	default:
		return fmt.Errorf("%w: %s returned %s", errRegisterFailed, dev.id, resp.Status)
	}
}

// listen subscribes the device to its command subject and acks commands the
// way a real device would: after a little latency, and not always.
func (s *simulator) listen(dev *simDevice) (*nats.Subscription, error) {
	return s.nc.Subscribe(dev.address, func(msg *nats.Msg) {
		var req models.CommandRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("Device %s received malformed command: %v", dev.id, err)
			return
		}

		if s.dropRate > 0 && rand.Float64() < s.dropRate {
			log.Printf("Device %s dropping command %s (attempt %d)", dev.id, req.CommandID, req.Attempt)
			return
		}

		if s.ackLatency > 0 {
			jitter := time.Duration(rand.Float64() * latencyJitterFraction * float64(s.ackLatency))
			time.Sleep(s.ackLatency + jitter)
		}

		var state map[string]interface{}
		if req.Kind == models.CommandKindSet && len(req.Delta) > 0 {
			state = dev.apply(req.Delta)
		} else {
			state = dev.snapshot()
		}

		ack := models.CommandAck{
			CommandID:  req.CommandID,
			DeviceID:   dev.id,
			Success:    true,
			State:      state,
			ReportedAt: time.Now().UTC(),
		}

		data, err := json.Marshal(&ack)
		if err != nil {
			log.Printf("Device %s failed to marshal ack: %v", dev.id, err)
			return
		}

		if err := s.nc.Publish(req.AckSubject, data); err != nil {
			log.Printf("Device %s failed to publish ack: %v", dev.id, err)
		}
	})
}

// reportTelemetry publishes periodic state reports into the ingest stream
// until the context ends.
func (s *simulator) reportTelemetry(ctx context.Context, dev *simDevice) {
	// Spread devices out so the full fleet does not report in lockstep.
	offset := time.Duration(rand.Int63n(int64(s.interval)))

	select {
	case <-ctx.Done():
		return
	case <-time.After(offset):
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			event := models.DeviceEvent{
				EventID:    uuid.New().String(),
				DeviceID:   dev.id,
				EventType:  models.EventTypeTelemetry,
				Payload:    dev.drift(),
				ReportedAt: time.Now().UTC(),
			}

			data, err := json.Marshal(&event)
			if err != nil {
				log.Printf("Device %s failed to marshal telemetry: %v", dev.id, err)
				continue
			}

			if err := s.nc.Publish(ingestSubjectPrefix+dev.id, data); err != nil {
				log.Printf("Device %s failed to publish telemetry: %v", dev.id, err)
			}
		}
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	hubURL := flag.String("hub", "http://localhost:8090", "Hub API base URL")
	apiKey := flag.String("api-key", "", "Hub API key (if the hub requires one)")
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	deviceCount := flag.Int("devices", 5, "Number of simulated devices")
	ackLatency := flag.Duration("ack-latency", 50*time.Millisecond, "Base latency before acking a command")
	dropRate := flag.Float64("drop-rate", 0, "Fraction of commands silently dropped (0 to <1)")
	interval := flag.Duration("telemetry-interval", 15*time.Second, "Telemetry reporting interval")
	flag.Parse()

	if *deviceCount < 1 {
		return errNoDevices
	}

	if *dropRate < 0 || *dropRate >= 1 {
		return errBadDropRate
	}

	if *interval <= 0 {
		return errBadInterval
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	nc, err := nats.Connect(*natsURL, nats.Name("hearth-devicesim"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	sim := &simulator{
		hubURL:     *hubURL,
		apiKey:     *apiKey,
		nc:         nc,
		httpClient: &http.Client{Timeout: registerTimeout},
		ackLatency: *ackLatency,
		dropRate:   *dropRate,
		interval:   *interval,
	}

	log.Printf("Starting %d simulated devices (hub %s, nats %s)", *deviceCount, *hubURL, *natsURL)

	subs := make([]*nats.Subscription, 0, *deviceCount)

	var wg sync.WaitGroup

	for i := 0; i < *deviceCount; i++ {
		dev := newSimDevice(i)

		if err := sim.register(ctx, dev); err != nil {
			return err
		}

		sub, err := sim.listen(dev)
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", dev.id, err)
		}

		subs = append(subs, sub)
		sim.devices = append(sim.devices, dev)

		wg.Add(1)

		go func() {
			defer wg.Done()
			sim.reportTelemetry(ctx, dev)
		}()
	}

	log.Printf("Fleet running: %d devices, telemetry every %s, ack latency %s, drop rate %.2f",
		len(sim.devices), *interval, *ackLatency, *dropRate)

	<-ctx.Done()

	log.Println("Shutting down fleet...")

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	wg.Wait()

	if err := nc.FlushTimeout(drainTimeout); err != nil {
		log.Printf("Flush on shutdown failed: %v", err)
	}

	return nil
}
