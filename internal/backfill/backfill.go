package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/asset-service/internal/store"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type registryDevice struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	DeviceIdentity string     `json:"device_identity"`
	DeviceType     string     `json:"device_type"`
	Status         string     `json:"status"`
	Timeout        int        `json:"timeout"`
	Online         bool       `json:"online"`
	LastActive     *time.Time `json:"last_active"`
}

// RunOnce pulls the device catalog from the device registry and upserts every
// entry into the local devices table. The raw registry record is kept in
// Device.Meta.
//
// Returns how many devices were newly created.
func RunOnce(ctx context.Context, repo *store.Repo, registryURL string, httpClient *http.Client) (int, error) {
	if repo == nil {
		return 0, errors.New("repo is required")
	}
	base := strings.TrimRight(strings.TrimSpace(registryURL), "/")
	if base == "" {
		base = "http://device-registry:8095"
	}
	hc := httpClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/devices", nil)
	if err != nil {
		return 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return 0, fmt.Errorf("device registry list failed: %s (%s)", resp.Status, strings.TrimSpace(string(b)))
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10*1024*1024)).Decode(&raw); err != nil {
		return 0, fmt.Errorf("decode device list: %w", err)
	}

	created := 0
	for _, item := range raw {
		var it registryDevice
		if err := json.Unmarshal(item, &it); err != nil {
			slog.Debug("device registry entry skipped", "error", err)
			continue
		}
		id, err := uuid.Parse(strings.TrimSpace(it.ID))
		if err != nil {
			continue
		}
		dev := &store.Device{
			ID:             id,
			Name:           it.Name,
			DeviceIdentity: strings.TrimSpace(it.DeviceIdentity),
			DeviceType:     strings.TrimSpace(it.DeviceType),
			Online:         it.Online,
			LastActive:     it.LastActive,
			Status:         strings.TrimSpace(it.Status),
			Timeout:        it.Timeout,
			Meta:           datatypes.JSON(item),
		}
		wasCreated, err := repo.UpsertDevice(ctx, dev)
		if err != nil {
			return created, err
		}
		if wasCreated {
			created++
		}
	}
	return created, nil
}

// Start runs a best-effort backfill loop until one run succeeds or ctx is
// cancelled.
func Start(ctx context.Context, repo *store.Repo, registryURL string, httpClient *http.Client) {
	go func() {
		delay := 2 * time.Second
		for {
			created, err := RunOnce(ctx, repo, registryURL, httpClient)
			if err == nil {
				slog.Info("device backfill complete", "created", created)
				return
			}
			slog.Warn("device backfill failed; will retry", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < 30*time.Second {
				delay *= 2
				if delay > 30*time.Second {
					delay = 30 * time.Second
				}
			}
		}
	}()
}
