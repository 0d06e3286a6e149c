package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (r *Repo) ListDevices(ctx context.Context) ([]Device, error) {
	var rows []Device
	if err := r.db.WithContext(ctx).Order("name asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DevicesByIDs loads the given devices in one query. Unknown ids are skipped.
func (r *Repo) DevicesByIDs(ctx context.Context, ids []uuid.UUID) ([]Device, error) {
	if len(ids) == 0 {
		return []Device{}, nil
	}
	var rows []Device
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("name asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	return rows, nil
}

func (r *Repo) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	var row Device
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// UpsertDevice creates the device or refreshes its catalog fields. Status
// fields (online, last_active, status) are only written on create; after that
// they belong to the status ingest. Returns whether a row was created.
func (r *Repo) UpsertDevice(ctx context.Context, dev *Device) (bool, error) {
	if dev.ID == uuid.Nil {
		return false, errors.New("device.id is required")
	}
	dev.Name = strings.TrimSpace(dev.Name)
	if dev.Name == "" {
		dev.Name = dev.ID.String()
	}

	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Device
		err := tx.Select("id").First(&existing, "id = ?", dev.ID).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := tx.Create(dev).Error; err != nil {
				return err
			}
			created = true
			return nil
		}
		return tx.Model(&Device{}).Where("id = ?", dev.ID).Updates(map[string]any{
			"name":            dev.Name,
			"device_identity": dev.DeviceIdentity,
			"device_type":     dev.DeviceType,
			"timeout":         dev.Timeout,
			"meta":            dev.Meta,
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("upsert device %s: %w", dev.ID, err)
	}
	return created, nil
}

// TouchDeviceStatus records a status report. It returns false when the device
// is unknown.
func (r *Repo) TouchDeviceStatus(ctx context.Context, id uuid.UUID, online bool, status string, at time.Time) (bool, error) {
	patch := map[string]any{
		"online":      online,
		"last_active": at.UTC(),
	}
	if s := strings.TrimSpace(status); s != "" {
		patch["status"] = s
	}
	res := r.db.WithContext(ctx).Model(&Device{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return false, fmt.Errorf("touch device %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}
