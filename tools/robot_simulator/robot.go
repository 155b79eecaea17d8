package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
	transportws "fleet-telemetry/internal/transport/ws"

	"github.com/gorilla/websocket"
)

var statuses = []string{string(telemetry.StatusOnline), string(telemetry.StatusOffline), string(telemetry.StatusMaintenance)}

// robot keeps one connection to the gateway and sends a reading per interval.
type robot struct {
	id          string
	server      string
	interval    time.Duration
	codec       transportws.Codec
	invalidRate float64
	rng         *rand.Rand
	logger      *log.Logger
}

func robotID(n int) string {
	return fmt.Sprintf("robot-%03d", n)
}

func (r *robot) endpoint() (string, error) {
	u, err := url.Parse(r.server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/robots"
	u.RawQuery = url.Values{"robotId": {r.id}}.Encode()
	return u.String(), nil
}

// run reconnects until ctx is cancelled.
func (r *robot) run(ctx context.Context) {
	for {
		if err := r.session(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("simulator: robot=%s session error: %v", r.id, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

func (r *robot) session(ctx context.Context) error {
	endpoint, err := r.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	r.logger.Printf("simulator: robot=%s connected", r.id)

	readErr := make(chan error, 1)
	go func() {
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			codec, ok := transportws.CodecFor(messageType)
			if !ok {
				continue
			}
			frame, err := transportws.DecodeFrame(codec, payload)
			if err != nil {
				continue
			}
			var ack struct {
				Success  bool   `json:"success"`
				RecordID string `json:"recordId"`
				Error    string `json:"error"`
			}
			if frame.Type == "ack" && frame.Decode(&ack) == nil && !ack.Success {
				r.logger.Printf("simulator: robot=%s rejected: %s", r.id, ack.Error)
			}
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			messageType, payload, err := transportws.Encode(r.codec, "telemetry", r.reading())
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(messageType, payload); err != nil {
				return err
			}
		}
	}
}

// reading generates a random reading. With probability invalidRate the
// battery is pushed outside its domain.
func (r *robot) reading() telemetry.Reading {
	status := statuses[r.rng.Intn(len(statuses))]
	battery := float64(r.rng.Intn(telemetry.MaxBattery + 1))
	if r.rng.Float64() < r.invalidRate {
		battery = telemetry.MaxBattery + 1 + float64(r.rng.Intn(50))
	}
	wifi := float64(r.rng.Intn(101) - 100)
	charging := r.rng.Intn(2) == 1
	temperature := float64(r.rng.Intn(telemetry.MaxTemperature-telemetry.MinTemperature+1) + telemetry.MinTemperature)
	memory := float64(r.rng.Intn(telemetry.MaxMemory + 1))
	x, y, z := r.rng.Float64()*100, r.rng.Float64()*100, r.rng.Float64()*10
	return telemetry.Reading{
		Status:       &status,
		Battery:      &battery,
		WifiStrength: &wifi,
		Charging:     &charging,
		Temperature:  &temperature,
		Memory:       &memory,
		Location:     &telemetry.ReadingLocation{X: &x, Y: &y, Z: &z},
	}
}
