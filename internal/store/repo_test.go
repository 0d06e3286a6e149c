package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return repo
}

func seedScope(t *testing.T, repo *Repo) Scope {
	t.Helper()
	ctx := context.Background()
	tenant := &Tenant{Name: "Acme"}
	if err := repo.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	customer := &Customer{TenantID: tenant.ID, Name: "Plant 1"}
	if err := repo.CreateCustomer(ctx, customer); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	return Scope{TenantID: tenant.ID, CustomerID: customer.ID}
}

func TestCreateAsset_AttachesExistingScopeOnly(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)

	a := &Asset{Name: "Pump1"}
	if err := repo.CreateAsset(ctx, scope, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if a.TenantID == nil || *a.TenantID != scope.TenantID || a.CustomerID == nil || *a.CustomerID != scope.CustomerID {
		t.Fatalf("expected scope attached, got tenant=%v customer=%v", a.TenantID, a.CustomerID)
	}

	orphan := &Asset{Name: "Orphan"}
	ghost := Scope{TenantID: uuid.New(), CustomerID: uuid.New()}
	if err := repo.CreateAsset(ctx, ghost, orphan); err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	if orphan.TenantID != nil || orphan.CustomerID != nil {
		t.Fatalf("expected empty association for unknown scope")
	}
	if _, err := repo.GetAsset(ctx, ghost, orphan.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected orphan invisible, got %v", err)
	}
}

func TestGetAsset_OutOfScopeIsNotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)
	other := seedScope(t, repo)

	a := &Asset{Name: "Pump1"}
	if err := repo.CreateAsset(ctx, scope, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if _, err := repo.GetAsset(ctx, scope, a.ID); err != nil {
		t.Fatalf("get in scope: %v", err)
	}
	if _, err := repo.GetAsset(ctx, other, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	mixed := Scope{TenantID: scope.TenantID, CustomerID: other.CustomerID}
	if _, err := repo.GetAsset(ctx, mixed, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for mixed scope, got %v", err)
	}
}

func TestListAssets_FilterAndPaging(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)

	for _, name := range []string{"Pump1", "Pump2", "Valve", "100%_dry"} {
		if err := repo.CreateAsset(ctx, scope, &Asset{Name: name}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	rows, total, err := repo.ListAssets(ctx, scope, AssetFilter{Name: "Pump", Offset: 0, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(rows) != 1 {
		t.Fatalf("expected total=2 rows=1, got total=%d rows=%d", total, len(rows))
	}
	second, _, err := repo.ListAssets(ctx, scope, AssetFilter{Name: "Pump", Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second) != 1 || second[0].ID == rows[0].ID {
		t.Fatalf("expected a different row on page 2")
	}
	if rows[0].ID.String() > second[0].ID.String() {
		t.Fatalf("expected id ordering across pages")
	}

	// Wildcards in the filter match literally.
	rows, total, err = repo.ListAssets(ctx, scope, AssetFilter{Name: "%_", Limit: 10})
	if err != nil {
		t.Fatalf("list wildcard: %v", err)
	}
	if total != 1 || rows[0].Name != "100%_dry" {
		t.Fatalf("expected literal match, got total=%d rows=%v", total, rows)
	}
}

func TestAddRelations_SkipsExistingKeys(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)
	a := &Asset{Name: "Pump1"}
	if err := repo.CreateAsset(ctx, scope, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	dev := uuid.New()

	rels := []AssetRelation{
		{DeviceID: dev, DataCatalog: AttributeLatest, KeyName: "fw", Name: "fw"},
		{DeviceID: dev, DataCatalog: TelemetryLatest, KeyName: "fw", Name: "fw"},
		{DeviceID: dev, DataCatalog: AttributeLatest, KeyName: "fw", Name: "fw"},
	}
	n, err := repo.AddRelations(ctx, scope, a.ID, rels)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 created, got %d", n)
	}
	n, err = repo.AddRelations(ctx, scope, a.ID, rels)
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 created on repeat, got %d", n)
	}

	got, err := repo.ListRelations(ctx, scope, a.ID)
	if err != nil {
		t.Fatalf("list relations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 relations, got %d", len(got))
	}
}

func TestAddRelations_UniqueIndexBacksDedupe(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)
	a := &Asset{Name: "Pump1"}
	if err := repo.CreateAsset(ctx, scope, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	rel := &AssetRelation{ID: uuid.New(), AssetID: a.ID, DeviceID: uuid.New(), DataCatalog: AttributeLatest, KeyName: "x"}
	if err := repo.db.Create(rel).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := &AssetRelation{ID: uuid.New(), AssetID: a.ID, DeviceID: rel.DeviceID, DataCatalog: AttributeLatest, KeyName: "x"}
	if err := repo.db.Create(dup).Error; err == nil {
		t.Fatalf("expected unique violation")
	}
}

func TestAddRelations_UnknownAsset(t *testing.T) {
	repo := newTestRepo(t)
	scope := seedScope(t, repo)
	_, err := repo.AddRelations(context.Background(), scope, uuid.New(), []AssetRelation{{DeviceID: uuid.New(), DataCatalog: AttributeLatest, KeyName: "k"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAsset_RemovesRelations(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)
	a := &Asset{Name: "Pump1"}
	if err := repo.CreateAsset(ctx, scope, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if _, err := repo.AddRelations(ctx, scope, a.ID, []AssetRelation{
		{DeviceID: uuid.New(), DataCatalog: AttributeLatest, KeyName: "a"},
		{DeviceID: uuid.New(), DataCatalog: TelemetryLatest, KeyName: "t"},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := repo.DeleteAsset(ctx, seedScope(t, repo), a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected out-of-scope delete to fail, got %v", err)
	}
	if err := repo.DeleteAsset(ctx, scope, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var n int64
	if err := repo.db.Model(&AssetRelation{}).Where("asset_id = ?", a.ID).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected relations removed, got %d", n)
	}
}

func TestRemoveRelation_MatchesCatalog(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)
	a := &Asset{Name: "Pump1"}
	if err := repo.CreateAsset(ctx, scope, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	dev := uuid.New()
	if _, err := repo.AddRelations(ctx, scope, a.ID, []AssetRelation{
		{DeviceID: dev, DataCatalog: AttributeLatest, KeyName: "temp"},
		{DeviceID: dev, DataCatalog: TelemetryLatest, KeyName: "temp"},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := repo.RemoveRelation(ctx, scope, a.ID, dev, TelemetryLatest, "temp"); err != nil {
		t.Fatalf("remove telemetry: %v", err)
	}
	if err := repo.RemoveRelation(ctx, scope, a.ID, dev, TelemetryLatest, "temp"); !errors.Is(err, ErrRelationNotFound) {
		t.Fatalf("expected ErrRelationNotFound, got %v", err)
	}
	rels, err := repo.ListRelations(ctx, scope, a.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rels) != 1 || rels[0].DataCatalog != AttributeLatest {
		t.Fatalf("expected the attribute relation to survive, got %#v", rels)
	}
}

func TestRemoveDeviceRelations_LeavesOtherDevices(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)
	a := &Asset{Name: "Pump1"}
	if err := repo.CreateAsset(ctx, scope, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	d1, d2 := uuid.New(), uuid.New()
	if _, err := repo.AddRelations(ctx, scope, a.ID, []AssetRelation{
		{DeviceID: d1, DataCatalog: AttributeLatest, KeyName: "a"},
		{DeviceID: d1, DataCatalog: TelemetryLatest, KeyName: "b"},
		{DeviceID: d2, DataCatalog: AttributeLatest, KeyName: "a"},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	n, err := repo.RemoveDeviceRelations(ctx, scope, a.ID, d1)
	if err != nil {
		t.Fatalf("remove device: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	rels, _ := repo.ListRelations(ctx, scope, a.ID)
	if len(rels) != 1 || rels[0].DeviceID != d2 {
		t.Fatalf("expected only d2 relation left, got %#v", rels)
	}
}

func TestEnsureScope_RegistersUnknownScope(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := Scope{TenantID: uuid.New(), CustomerID: uuid.New()}

	if err := repo.EnsureScope(ctx, scope, "Acme", ""); err != nil {
		t.Fatalf("ensure scope: %v", err)
	}
	a := &Asset{Name: "Pump1"}
	if err := repo.CreateAsset(ctx, scope, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if a.TenantID == nil || a.CustomerID == nil {
		t.Fatalf("expected scope attached after ensure")
	}
	if _, err := repo.GetAsset(ctx, scope, a.ID); err != nil {
		t.Fatalf("get asset: %v", err)
	}

	// A second call keeps the first names.
	if err := repo.EnsureScope(ctx, scope, "Renamed", "Renamed"); err != nil {
		t.Fatalf("ensure scope again: %v", err)
	}
	var tenant Tenant
	if err := repo.db.First(&tenant, "id = ?", scope.TenantID).Error; err != nil {
		t.Fatalf("load tenant: %v", err)
	}
	if tenant.Name != "Acme" {
		t.Fatalf("expected tenant name Acme, got %q", tenant.Name)
	}
	var customer Customer
	if err := repo.db.First(&customer, "id = ?", scope.CustomerID).Error; err != nil {
		t.Fatalf("load customer: %v", err)
	}
	if customer.TenantID != scope.TenantID || customer.Name != scope.CustomerID.String() {
		t.Fatalf("unexpected customer row: %+v", customer)
	}
}

func TestEnsureScope_NilIDIsNoop(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.EnsureScope(ctx, Scope{TenantID: uuid.New()}, "Acme", "Plant"); err != nil {
		t.Fatalf("ensure scope: %v", err)
	}
	var n int64
	if err := repo.db.Model(&Tenant{}).Count(&n).Error; err != nil {
		t.Fatalf("count tenants: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no tenant rows, got %d", n)
	}
}

func TestListAssets_OffsetPastEndIsEmpty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	scope := seedScope(t, repo)

	if err := repo.CreateAsset(ctx, scope, &Asset{Name: "Pump1"}); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	for _, f := range []AssetFilter{
		{Offset: 1, Limit: 10},
		{Offset: 9223372036854776, Limit: 1000},
	} {
		rows, total, err := repo.ListAssets(ctx, scope, f)
		if err != nil {
			t.Fatalf("list %+v: %v", f, err)
		}
		if total != 1 || len(rows) != 0 {
			t.Fatalf("list %+v: expected total=1 rows=0, got total=%d rows=%d", f, total, len(rows))
		}
	}
}

func TestNew_CreatesNamedIndexes(t *testing.T) {
	repo := newTestRepo(t)
	// Re-running schema setup on an existing database must succeed.
	if _, err := New(repo.db); err != nil {
		t.Fatalf("re-init repo: %v", err)
	}
	m := repo.db.Migrator()
	for _, idx := range []struct {
		model any
		name  string
	}{
		{&Asset{}, "idx_assets_scope"},
		{&AssetRelation{}, "idx_asset_relations_asset_id"},
		{&AssetRelation{}, "idx_asset_relation_key"},
		{&Device{}, "idx_devices_device_identity"},
	} {
		if !m.HasIndex(idx.model, idx.name) {
			t.Fatalf("expected index %s", idx.name)
		}
	}
}
