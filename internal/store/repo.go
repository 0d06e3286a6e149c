package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when an asset is absent or outside the caller's scope.
	ErrNotFound = errors.New("asset not found")
	// ErrRelationNotFound is returned when the asset exists but the relation does not.
	ErrRelationNotFound = errors.New("relation not found")
)

type Repo struct {
	db *gorm.DB
}

func newLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: newLogger()},
	)
}

// OpenSQLite is used for local runs without a postgres instance.
func OpenSQLite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		path = "file:asset-service.db?cache=shared"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newLogger()})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()
	tables := []struct {
		model any
		name  string
	}{
		{&Tenant{}, "tenants"},
		{&Customer{}, "customers"},
		{&Asset{}, "assets"},
		{&AssetRelation{}, "asset_relations"},
		{&Device{}, "devices"},
	}
	for _, t := range tables {
		if m.HasTable(t.model) {
			continue
		}
		if err := m.CreateTable(t.model); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}
	if !m.HasColumn(&Device{}, "Meta") {
		if err := m.AddColumn(&Device{}, "Meta"); err != nil {
			return fmt.Errorf("add column devices.meta: %w", err)
		}
	}

	// Tables created by an older build may predate an index.
	indexes := []struct {
		model any
		name  string
	}{
		{&Asset{}, "idx_assets_scope"},
		{&AssetRelation{}, "idx_asset_relations_asset_id"},
		{&AssetRelation{}, "idx_asset_relation_key"},
		{&Device{}, "idx_devices_device_identity"},
	}
	for _, idx := range indexes {
		if m.HasIndex(idx.model, idx.name) {
			continue
		}
		if err := m.CreateIndex(idx.model, idx.name); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

func scoped(tx *gorm.DB, scope Scope) *gorm.DB {
	return tx.Where("tenant_id = ? AND customer_id = ?", scope.TenantID, scope.CustomerID)
}

func lookupAsset(tx *gorm.DB, scope Scope, id uuid.UUID) (*Asset, error) {
	var row Asset
	err := scoped(tx, scope).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load asset %s: %w", id, err)
	}
	return &row, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// --- Tenants / customers ---

func (r *Repo) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("tenant.name is required")
	}
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" || c.TenantID == uuid.Nil {
		return errors.New("customer.name and customer.tenant_id are required")
	}
	return r.db.WithContext(ctx).Create(c).Error
}

// EnsureScope records the tenant and customer of a verified caller so assets
// created under that scope attach to them. Existing rows are left untouched;
// blank names fall back to the ids. A scope with a nil id is ignored.
func (r *Repo) EnsureScope(ctx context.Context, scope Scope, tenantName, customerName string) error {
	if scope.TenantID == uuid.Nil || scope.CustomerID == uuid.Nil {
		return nil
	}
	tenantName = strings.TrimSpace(tenantName)
	if tenantName == "" {
		tenantName = scope.TenantID.String()
	}
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		customerName = scope.CustomerID.String()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		onConflict := clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}
		if err := tx.Clauses(onConflict).Create(&Tenant{ID: scope.TenantID, Name: tenantName}).Error; err != nil {
			return fmt.Errorf("ensure tenant %s: %w", scope.TenantID, err)
		}
		if err := tx.Clauses(onConflict).Create(&Customer{ID: scope.CustomerID, TenantID: scope.TenantID, Name: customerName}).Error; err != nil {
			return fmt.Errorf("ensure customer %s: %w", scope.CustomerID, err)
		}
		return nil
	})
}

// --- Assets ---

type AssetFilter struct {
	Name   string
	Offset int
	Limit  int
}

// ListAssets returns one page of the caller's assets ordered by id, plus the
// number of assets matching the filter. Offset is a page index.
func (r *Repo) ListAssets(ctx context.Context, scope Scope, f AssetFilter) ([]Asset, int64, error) {
	query := func() *gorm.DB {
		q := scoped(r.db.WithContext(ctx).Model(&Asset{}), scope)
		if f.Name != "" {
			q = q.Where(`name LIKE ? ESCAPE '\'`, "%"+escapeLike(f.Name)+"%")
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count assets: %w", err)
	}
	rows := []Asset{}
	if total == 0 || f.Limit <= 0 {
		return rows, total, nil
	}
	// Past the last page; checked on page indexes so Offset*Limit never overflows.
	if lastPage := (total - 1) / int64(f.Limit); int64(f.Offset) > lastPage {
		return rows, total, nil
	}
	err := query().
		Order("id asc").
		Offset(f.Offset * f.Limit).
		Limit(f.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list assets: %w", err)
	}
	return rows, total, nil
}

func (r *Repo) GetAsset(ctx context.Context, scope Scope, id uuid.UUID) (*Asset, error) {
	return lookupAsset(r.db.WithContext(ctx), scope, id)
}

// CreateAsset stores a new asset owned by the caller. Tenant and customer are
// attached only when their rows exist.
func (r *Repo) CreateAsset(ctx context.Context, scope Scope, a *Asset) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tenants []Tenant
		if err := tx.Select("id").Where("id = ?", scope.TenantID).Limit(1).Find(&tenants).Error; err != nil {
			return fmt.Errorf("load tenant: %w", err)
		}
		var customers []Customer
		if err := tx.Select("id").Where("id = ?", scope.CustomerID).Limit(1).Find(&customers).Error; err != nil {
			return fmt.Errorf("load customer: %w", err)
		}
		a.TenantID, a.CustomerID = nil, nil
		if len(tenants) == 1 {
			id := tenants[0].ID
			a.TenantID = &id
		}
		if len(customers) == 1 {
			id := customers[0].ID
			a.CustomerID = &id
		}
		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("create asset: %w", err)
		}
		return nil
	})
}

type AssetPatch struct {
	Name        string
	Description string
	AssetType   string
}

func (r *Repo) UpdateAsset(ctx context.Context, scope Scope, id uuid.UUID, p AssetPatch) (*Asset, error) {
	var out *Asset
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lookupAsset(tx, scope, id)
		if err != nil {
			return err
		}
		err = tx.Model(row).Updates(map[string]any{
			"name":        p.Name,
			"description": p.Description,
			"asset_type":  p.AssetType,
		}).Error
		if err != nil {
			return fmt.Errorf("update asset %s: %w", id, err)
		}
		row.Name = p.Name
		row.Description = p.Description
		row.AssetType = p.AssetType
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAsset removes the asset together with all of its relations.
func (r *Repo) DeleteAsset(ctx context.Context, scope Scope, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lookupAsset(tx, scope, id); err != nil {
			return err
		}
		if err := tx.Where("asset_id = ?", id).Delete(&AssetRelation{}).Error; err != nil {
			return fmt.Errorf("delete relations of %s: %w", id, err)
		}
		if err := tx.Delete(&Asset{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete asset %s: %w", id, err)
		}
		return nil
	})
}

// --- Relations ---

// ListRelations returns the relations of an asset visible to the caller.
func (r *Repo) ListRelations(ctx context.Context, scope Scope, assetID uuid.UUID) ([]AssetRelation, error) {
	var row Asset
	err := scoped(r.db.WithContext(ctx), scope).
		Preload("OwnedAssets", func(tx *gorm.DB) *gorm.DB { return tx.Order("key_name asc, id asc") }).
		Where("id = ?", assetID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("list relations of %s: %w", assetID, err)
	}
	if row.OwnedAssets == nil {
		return []AssetRelation{}, nil
	}
	return row.OwnedAssets, nil
}

// AddRelations inserts the given relations for one asset in a single batch,
// skipping any (device, catalog, key) already present. It returns how many rows
// were inserted.
func (r *Repo) AddRelations(ctx context.Context, scope Scope, assetID uuid.UUID, rels []AssetRelation) (int, error) {
	created := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lookupAsset(tx, scope, assetID); err != nil {
			return err
		}
		if len(rels) == 0 {
			return nil
		}
		deviceIDs := make([]uuid.UUID, 0, len(rels))
		seenDevice := map[uuid.UUID]struct{}{}
		for _, rel := range rels {
			if _, ok := seenDevice[rel.DeviceID]; ok {
				continue
			}
			seenDevice[rel.DeviceID] = struct{}{}
			deviceIDs = append(deviceIDs, rel.DeviceID)
		}

		var existing []AssetRelation
		err := tx.Select("device_id", "data_catalog", "key_name").
			Where("asset_id = ? AND device_id IN ?", assetID, deviceIDs).
			Find(&existing).Error
		if err != nil {
			return fmt.Errorf("load relations of %s: %w", assetID, err)
		}
		have := make(map[relationKey]struct{}, len(existing)+len(rels))
		for _, e := range existing {
			have[keyOf(e)] = struct{}{}
		}

		rows := make([]AssetRelation, 0, len(rels))
		for _, rel := range rels {
			k := keyOf(rel)
			if _, ok := have[k]; ok {
				continue
			}
			have[k] = struct{}{}
			if rel.ID == uuid.Nil {
				rel.ID = uuid.New()
			}
			rel.AssetID = assetID
			rows = append(rows, rel)
		}
		if len(rows) == 0 {
			return nil
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
		if res.Error != nil {
			return fmt.Errorf("insert relations of %s: %w", assetID, res.Error)
		}
		created = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

type relationKey struct {
	deviceID uuid.UUID
	catalog  DataCatalog
	keyName  string
}

func keyOf(r AssetRelation) relationKey {
	return relationKey{deviceID: r.DeviceID, catalog: r.DataCatalog, keyName: r.KeyName}
}

// RemoveDeviceRelations deletes every relation between the asset and the device.
func (r *Repo) RemoveDeviceRelations(ctx context.Context, scope Scope, assetID, deviceID uuid.UUID) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lookupAsset(tx, scope, assetID); err != nil {
			return err
		}
		res := tx.Where("asset_id = ? AND device_id = ?", assetID, deviceID).Delete(&AssetRelation{})
		if res.Error != nil {
			return fmt.Errorf("delete relations of device %s: %w", deviceID, res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}

// RemoveRelation deletes the single relation identified by (device, catalog, key).
func (r *Repo) RemoveRelation(ctx context.Context, scope Scope, assetID, deviceID uuid.UUID, catalog DataCatalog, keyName string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lookupAsset(tx, scope, assetID); err != nil {
			return err
		}
		res := tx.Where("asset_id = ? AND device_id = ? AND data_catalog = ? AND key_name = ?", assetID, deviceID, catalog, keyName).
			Delete(&AssetRelation{})
		if res.Error != nil {
			return fmt.Errorf("delete relation %s/%s: %w", catalog, keyName, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrRelationNotFound
		}
		return nil
	})
}
