package devicestatus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/asset-service/internal/mqtt"
	"github.com/PetoAdam/homenavi/asset-service/internal/store"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	DefaultPrefix = "iot/device/state/"

	// Identical reports inside this window are not written again.
	refreshWindow = 30 * time.Second
)

// Runner keeps Device online/last_active/status current from MQTT state
// reports published on <prefix><device_uuid>.
type Runner struct {
	repo   *store.Repo
	cli    *mqtt.Client
	prefix string
	now    func() time.Time

	seenMu sync.Mutex
	seen   map[uuid.UUID]report
}

type report struct {
	online  bool
	status  string
	written time.Time
}

type statePayload struct {
	Online *bool  `json:"online"`
	Status string `json:"status"`
	TS     string `json:"ts"`
}

func NewRunner(repo *store.Repo, prefix string) *Runner {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return &Runner{repo: repo, prefix: prefix, now: time.Now, seen: map[uuid.UUID]report{}}
}

func (r *Runner) deviceIDFromTopic(topic string) (uuid.UUID, bool) {
	if !strings.HasPrefix(topic, r.prefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.Trim(strings.TrimPrefix(topic, r.prefix), "/"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (r *Runner) handleMessage(ctx context.Context, topic string, payload []byte) {
	deviceID, ok := r.deviceIDFromTopic(topic)
	if !ok {
		return
	}
	if len(payload) == 0 {
		// Retained state cleared by the publisher.
		return
	}

	var p statePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Debug("device state payload ignored", "device_id", deviceID, "error", err)
		return
	}
	online := true
	if p.Online != nil {
		online = *p.Online
	}
	at := r.now().UTC()
	if ts := strings.TrimSpace(p.TS); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			at = parsed.UTC()
		}
	}
	status := strings.TrimSpace(p.Status)

	if r.recentlyWritten(deviceID, online, status) {
		return
	}

	// Short timeout per message to avoid stuck goroutines.
	msgCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	known, err := r.repo.TouchDeviceStatus(msgCtx, deviceID, online, status, at)
	if err != nil {
		r.forget(deviceID)
		slog.Warn("device status update failed", "device_id", deviceID, "error", err)
		return
	}
	if !known {
		r.forget(deviceID)
		slog.Debug("device status for unknown device", "device_id", deviceID)
	}
}

func (r *Runner) recentlyWritten(id uuid.UUID, online bool, status string) bool {
	now := r.now()
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if last, ok := r.seen[id]; ok {
		if last.online == online && last.status == status && now.Sub(last.written) < refreshWindow {
			return true
		}
	}
	r.seen[id] = report{online: online, status: status, written: now}
	return false
}

func (r *Runner) forget(id uuid.UUID) {
	r.seenMu.Lock()
	delete(r.seen, id)
	r.seenMu.Unlock()
}

// Start connects to the broker and consumes state reports until ctx is done.
func Start(ctx context.Context, repo *store.Repo, brokerURL, prefix string) (*Runner, error) {
	if strings.TrimSpace(brokerURL) == "" {
		brokerURL = "tcp://mosquitto:1883"
	}
	r := NewRunner(repo, prefix)
	cli, err := mqtt.Connect(brokerURL, "asset-service-devicestatus")
	if err != nil {
		return nil, err
	}
	r.cli = cli

	h := func(_ paho.Client, msg mqtt.Message) {
		r.handleMessage(ctx, msg.Topic(), msg.Payload())
	}
	if err := r.cli.Subscribe(r.prefix+"#", h); err != nil {
		r.cli.Disconnect(250)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		r.cli.Disconnect(250)
	}()

	return r, nil
}
