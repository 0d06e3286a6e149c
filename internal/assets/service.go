package assets

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/asset-service/internal/store"

	"github.com/google/uuid"
)

// Page size bounds for List.
const (
	DefaultLimit = 10
	MaxLimit     = 1000
)

// Scope is the caller's tenant/customer pair.
type Scope = store.Scope

// AssetSummary is the public view of an asset.
type AssetSummary struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AssetType   string    `json:"asset_type"`
}

// ListQuery filters List by a name substring; Offset is a page index.
type ListQuery struct {
	Name   string
	Offset int
	Limit  int
}

// AssetInput carries the mutable asset fields. ID is ignored by Create.
// TenantName and CustomerName label the caller's scope rows the first time
// Create sees them.
type AssetInput struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AssetType   string    `json:"asset_type"`

	TenantName   string `json:"-"`
	CustomerName string `json:"-"`
}

// KeyRef names one device key in an AddDevice request.
type KeyRef struct {
	KeyName string `json:"key_name"`
}

// KeyItem is one attached key as listed by Relations.
type KeyItem struct {
	DataSide store.DataCatalog `json:"data_side"`
	KeyName  string            `json:"key_name"`
	Name     string            `json:"name"`
}

// AssetDeviceItem is one related device with the keys the asset exposes from it.
type AssetDeviceItem struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Online         bool       `json:"online"`
	LastActive     *time.Time `json:"last_active"`
	DeviceIdentity string     `json:"device_identity"`
	DeviceType     string     `json:"device_type"`
	Status         string     `json:"status"`
	Timeout        int        `json:"timeout"`
	Attrs          []KeyItem  `json:"attrs"`
	Temps          []KeyItem  `json:"temps"`
}

// Service runs the asset operations against the store, always within a caller Scope.
type Service struct {
	repo *store.Repo
}

func NewService(repo *store.Repo) *Service {
	return &Service{repo: repo}
}

func summarize(a store.Asset) AssetSummary {
	return AssetSummary{ID: a.ID, Name: a.Name, Description: a.Description, AssetType: a.AssetType}
}

func normalizePaging(q ListQuery) ListQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if maxPage := math.MaxInt32 / q.Limit; q.Offset > maxPage {
		q.Offset = maxPage
	}
	return q
}

// List returns one page of the caller's assets. Offset is a page index, so the
// page starts at Offset*Limit.
func (s *Service) List(ctx context.Context, scope Scope, q ListQuery) Result[Page[AssetSummary]] {
	q = normalizePaging(q)
	rows, total, err := s.repo.ListAssets(ctx, scope, store.AssetFilter{Name: q.Name, Offset: q.Offset, Limit: q.Limit})
	if err != nil {
		slog.Error("asset list failed", "tenant_id", scope.TenantID, "customer_id", scope.CustomerID, "error", err)
		return fail[Page[AssetSummary]](Exception, msgError)
	}
	out := make([]AssetSummary, 0, len(rows))
	for _, a := range rows {
		out = append(out, summarize(a))
	}
	return ok("OK", Page[AssetSummary]{Total: total, Rows: out})
}

func (s *Service) Get(ctx context.Context, scope Scope, id uuid.UUID) Result[*AssetSummary] {
	a, err := s.repo.GetAsset(ctx, scope, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail[*AssetSummary](NotFound, msgAssetNotFound)
		}
		slog.Error("asset get failed", "asset_id", id, "error", err)
		return fail[*AssetSummary](Exception, msgError)
	}
	sum := summarize(*a)
	return ok("OK", &sum)
}

// Relations lists the devices attached to an asset together with the keys the
// asset exposes from each. An asset that is absent or out of scope yields an
// empty page rather than NotFound.
func (s *Service) Relations(ctx context.Context, scope Scope, assetID uuid.UUID) Result[Page[AssetDeviceItem]] {
	empty := Page[AssetDeviceItem]{Rows: []AssetDeviceItem{}}
	rels, err := s.repo.ListRelations(ctx, scope, assetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ok("OK", empty)
		}
		slog.Error("asset relations failed", "asset_id", assetID, "error", err)
		return fail[Page[AssetDeviceItem]](Exception, msgError)
	}
	if len(rels) == 0 {
		return ok("OK", empty)
	}

	byDevice := map[uuid.UUID][]store.AssetRelation{}
	deviceIDs := make([]uuid.UUID, 0)
	for _, rel := range rels {
		if _, seen := byDevice[rel.DeviceID]; !seen {
			deviceIDs = append(deviceIDs, rel.DeviceID)
		}
		byDevice[rel.DeviceID] = append(byDevice[rel.DeviceID], rel)
	}

	devices, err := s.repo.DevicesByIDs(ctx, deviceIDs)
	if err != nil {
		slog.Error("asset relations device load failed", "asset_id", assetID, "error", err)
		return fail[Page[AssetDeviceItem]](Exception, msgError)
	}

	rows := make([]AssetDeviceItem, 0, len(devices))
	for _, d := range devices {
		item := AssetDeviceItem{
			ID:             d.ID,
			Name:           d.Name,
			Online:         d.Online,
			LastActive:     d.LastActive,
			DeviceIdentity: d.DeviceIdentity,
			DeviceType:     d.DeviceType,
			Status:         d.Status,
			Timeout:        d.Timeout,
			Attrs:          []KeyItem{},
			Temps:          []KeyItem{},
		}
		for _, rel := range byDevice[d.ID] {
			k := KeyItem{DataSide: rel.DataCatalog, KeyName: rel.KeyName, Name: rel.Name}
			switch rel.DataCatalog {
			case store.AttributeLatest:
				item.Attrs = append(item.Attrs, k)
			case store.TelemetryLatest:
				item.Temps = append(item.Temps, k)
			}
		}
		sort.SliceStable(item.Attrs, func(i, j int) bool { return item.Attrs[i].KeyName < item.Attrs[j].KeyName })
		sort.SliceStable(item.Temps, func(i, j int) bool { return item.Temps[i].KeyName < item.Temps[j].KeyName })
		rows = append(rows, item)
	}
	return ok("OK", Page[AssetDeviceItem]{Total: int64(len(rows)), Rows: rows})
}

func (s *Service) Create(ctx context.Context, scope Scope, in AssetInput) Result[bool] {
	res, _ := s.CreateAsset(ctx, scope, in)
	return res
}

// CreateAsset is Create returning the stored asset, for callers that need its id.
func (s *Service) CreateAsset(ctx context.Context, scope Scope, in AssetInput) (Result[bool], *AssetSummary) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return fail[bool](InvalidData, "name is required"), nil
	}
	if err := s.repo.EnsureScope(ctx, scope, in.TenantName, in.CustomerName); err != nil {
		slog.Error("asset scope registration failed", "tenant_id", scope.TenantID, "customer_id", scope.CustomerID, "error", err)
		return fail[bool](Exception, msgError), nil
	}
	a := &store.Asset{Name: name, Description: in.Description, AssetType: in.AssetType}
	if err := s.repo.CreateAsset(ctx, scope, a); err != nil {
		slog.Error("asset create failed", "tenant_id", scope.TenantID, "customer_id", scope.CustomerID, "error", err)
		return fail[bool](Exception, msgError), nil
	}
	sum := summarize(*a)
	return ok(msgOK, true), &sum
}

func (s *Service) Update(ctx context.Context, scope Scope, in AssetInput) Result[bool] {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return fail[bool](InvalidData, "name is required")
	}
	_, err := s.repo.UpdateAsset(ctx, scope, in.ID, store.AssetPatch{Name: name, Description: in.Description, AssetType: in.AssetType})
	return s.boolResult("asset update failed", in.ID, err)
}

func (s *Service) Delete(ctx context.Context, scope Scope, id uuid.UUID) Result[bool] {
	err := s.repo.DeleteAsset(ctx, scope, id)
	return s.boolResult("asset delete failed", id, err)
}

// AddDevice attaches attribute and telemetry keys of one device to the asset.
// Keys already attached for the same device and kind are skipped.
func (s *Service) AddDevice(ctx context.Context, scope Scope, assetID, deviceID uuid.UUID, attrs, temps []KeyRef) Result[bool] {
	if deviceID == uuid.Nil {
		return fail[bool](InvalidData, "device_id is required")
	}
	rels := make([]store.AssetRelation, 0, len(attrs)+len(temps))
	add := func(kind store.DataCatalog, refs []KeyRef) {
		for _, ref := range refs {
			key := strings.TrimSpace(ref.KeyName)
			if key == "" {
				continue
			}
			rels = append(rels, store.AssetRelation{
				DeviceID:    deviceID,
				DataCatalog: kind,
				KeyName:     key,
				Name:        key,
				Description: "",
			})
		}
	}
	add(store.AttributeLatest, attrs)
	add(store.TelemetryLatest, temps)

	created, err := s.repo.AddRelations(ctx, scope, assetID, rels)
	if err == nil {
		slog.Debug("asset device added", "asset_id", assetID, "device_id", deviceID, "created", created)
	}
	return s.boolResult("asset add device failed", assetID, err)
}

// RemoveDevice detaches every key of the device from the asset.
func (s *Service) RemoveDevice(ctx context.Context, scope Scope, assetID, deviceID uuid.UUID) Result[bool] {
	_, err := s.repo.RemoveDeviceRelations(ctx, scope, assetID, deviceID)
	return s.boolResult("asset remove device failed", assetID, err)
}

func (s *Service) RemoveAssetAttr(ctx context.Context, scope Scope, assetID, deviceID uuid.UUID, keyName string) Result[bool] {
	return s.removeKey(ctx, scope, assetID, deviceID, store.AttributeLatest, keyName, msgAttrNotFound)
}

func (s *Service) RemoveAssetTemp(ctx context.Context, scope Scope, assetID, deviceID uuid.UUID, keyName string) Result[bool] {
	return s.removeKey(ctx, scope, assetID, deviceID, store.TelemetryLatest, keyName, msgTelemetryNotFound)
}

func (s *Service) removeKey(ctx context.Context, scope Scope, assetID, deviceID uuid.UUID, kind store.DataCatalog, keyName, missing string) Result[bool] {
	err := s.repo.RemoveRelation(ctx, scope, assetID, deviceID, kind, keyName)
	if errors.Is(err, store.ErrRelationNotFound) {
		return fail[bool](NotFound, missing)
	}
	return s.boolResult("asset remove key failed", assetID, err)
}

func (s *Service) boolResult(logMsg string, assetID uuid.UUID, err error) Result[bool] {
	switch {
	case err == nil:
		return ok(msgOK, true)
	case errors.Is(err, store.ErrNotFound):
		return fail[bool](NotFound, msgAssetNotFound)
	default:
		slog.Error(logMsg, "asset_id", assetID, "error", err)
		return fail[bool](Exception, msgError)
	}
}
