package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type DataCatalog string

const (
	AttributeLatest DataCatalog = "attribute_latest"
	TelemetryLatest DataCatalog = "telemetry_latest"
)

// Scope is the caller's visibility window. An asset is visible only when both
// ids match.
type Scope struct {
	TenantID   uuid.UUID
	CustomerID uuid.UUID
}

type Tenant struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

type Customer struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `json:"tenant_id" gorm:"type:uuid;index;not null"`
	Name      string    `json:"name" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

type Asset struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Name        string     `json:"name" gorm:"not null"`
	Description string     `json:"description"`
	AssetType   string     `json:"asset_type"`
	TenantID    *uuid.UUID `json:"tenant_id" gorm:"type:uuid;index:idx_assets_scope"`
	CustomerID  *uuid.UUID `json:"customer_id" gorm:"type:uuid;index:idx_assets_scope"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	OwnedAssets []AssetRelation `json:"-" gorm:"foreignKey:AssetID"`
}

func (Asset) TableName() string { return "assets" }

type AssetRelation struct {
	ID          uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	AssetID     uuid.UUID   `json:"asset_id" gorm:"type:uuid;index:idx_asset_relations_asset_id;not null;uniqueIndex:idx_asset_relation_key"`
	DeviceID    uuid.UUID   `json:"device_id" gorm:"type:uuid;not null;uniqueIndex:idx_asset_relation_key"`
	DataCatalog DataCatalog `json:"data_catalog" gorm:"not null;uniqueIndex:idx_asset_relation_key"`
	KeyName     string      `json:"key_name" gorm:"not null;uniqueIndex:idx_asset_relation_key"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (AssetRelation) TableName() string { return "asset_relations" }

type Device struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Name           string         `json:"name" gorm:"not null"`
	DeviceIdentity string         `json:"device_identity" gorm:"index:idx_devices_device_identity"`
	DeviceType     string         `json:"device_type"`
	Online         bool           `json:"online"`
	LastActive     *time.Time     `json:"last_active"`
	Status         string         `json:"status"`
	Timeout        int            `json:"timeout"` // seconds
	Meta           datatypes.JSON `json:"meta" gorm:"type:jsonb"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Device) TableName() string { return "devices" }
