package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PetoAdam/homenavi/asset-service/internal/assets"
	"github.com/PetoAdam/homenavi/asset-service/internal/middleware"
	"github.com/PetoAdam/homenavi/asset-service/internal/realtime"
	"github.com/PetoAdam/homenavi/asset-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Middleware = func(http.Handler) http.Handler

// Options wires the cross-cutting middleware. Auth is required; the others
// are skipped when nil.
type Options struct {
	Auth      Middleware
	RateLimit Middleware
	Observe   Middleware
}

type Server struct {
	svc  *assets.Service
	hub  *realtime.Hub
	opts Options
}

func NewServer(svc *assets.Service, hub *realtime.Hub, opts Options) *Server {
	return &Server{svc: svc, hub: hub, opts: opts}
}

func (s *Server) Register(mux *http.ServeMux) {
	r := chi.NewRouter()
	if s.opts.Observe != nil {
		r.Use(s.opts.Observe)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Auth)
		if s.opts.RateLimit != nil {
			r.Use(s.opts.RateLimit)
		}

		if s.hub != nil {
			r.Get("/ws/assets", s.handleWS)
		}

		r.Route("/api/assets", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/{asset_id}", s.handleGet)
			r.Put("/{asset_id}", s.handleUpdate)
			r.Delete("/{asset_id}", s.handleDelete)
			r.Get("/{asset_id}/relations", s.handleRelations)
			r.Post("/{asset_id}/devices", s.handleAddDevice)
			r.Delete("/{asset_id}/devices/{device_id}", s.handleRemoveDevice)
			r.Delete("/{asset_id}/devices/{device_id}/attrs/{key_name}", s.handleRemoveAttr)
			r.Delete("/{asset_id}/devices/{device_id}/temps/{key_name}", s.handleRemoveTemp)
		})
	})

	mux.Handle("/", r)
}

func (s *Server) emit(scope store.Scope, eventType string, assetID uuid.UUID, deviceID uuid.UUID) {
	if s.hub == nil {
		return
	}
	dev := ""
	if deviceID != uuid.Nil {
		dev = deviceID.String()
	}
	s.hub.Broadcast(realtime.NewEvent(scope, eventType, assetID.String(), dev))
}

func statusFor(code assets.Code) int {
	switch code {
	case assets.Success:
		return http.StatusOK
	case assets.NotFound:
		return http.StatusNotFound
	case assets.InvalidData:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult[T any](w http.ResponseWriter, res assets.Result[T]) {
	writeJSON(w, statusFor(res.Code), res)
}

func writeInvalid(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, assets.Result[any]{Code: assets.InvalidData, Msg: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if raw == "" {
		return uuid.Nil, errors.New("missing " + key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid " + key)
	}
	return id, nil
}

func parseIntQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func (s *Server) scope(w http.ResponseWriter, r *http.Request) (store.Scope, bool) {
	scope, ok := middleware.ScopeFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "code": http.StatusUnauthorized})
	}
	return scope, ok
}

// --- Handlers ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	s.hub.Serve(w, r, scope)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	offset, err := parseIntQuery(r, "offset", 0)
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	limit, err := parseIntQuery(r, "limit", assets.DefaultLimit)
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	q := assets.ListQuery{Name: r.URL.Query().Get("name"), Offset: offset, Limit: limit}
	writeResult(w, s.svc.List(r.Context(), scope, q))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "asset_id")
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	writeResult(w, s.svc.Get(r.Context(), scope, id))
}

func (s *Server) handleRelations(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "asset_id")
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	writeResult(w, s.svc.Relations(r.Context(), scope, id))
}

type assetRequest struct {
	ID          *uuid.UUID `json:"id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	AssetType   string     `json:"asset_type"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	var req assetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalid(w, "invalid json")
		return
	}
	in := assets.AssetInput{Name: req.Name, Description: req.Description, AssetType: req.AssetType}
	if claims := middleware.GetClaims(r); claims != nil {
		in.TenantName, in.CustomerName = claims.TenantName, claims.CustomerName
	}
	res, created := s.svc.CreateAsset(r.Context(), scope, in)
	if res.OK() && created != nil {
		s.emit(scope, realtime.AssetCreated, created.ID, uuid.Nil)
	}
	writeResult(w, res)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "asset_id")
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	var req assetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalid(w, "invalid json")
		return
	}
	if req.ID != nil && *req.ID != id {
		writeInvalid(w, "id does not match path")
		return
	}
	res := s.svc.Update(r.Context(), scope, assets.AssetInput{ID: id, Name: req.Name, Description: req.Description, AssetType: req.AssetType})
	if res.OK() {
		s.emit(scope, realtime.AssetUpdated, id, uuid.Nil)
	}
	writeResult(w, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "asset_id")
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	res := s.svc.Delete(r.Context(), scope, id)
	if res.OK() {
		s.emit(scope, realtime.AssetDeleted, id, uuid.Nil)
	}
	writeResult(w, res)
}

type addDeviceRequest struct {
	DeviceID uuid.UUID       `json:"device_id"`
	Attrs    []assets.KeyRef `json:"attrs"`
	Temps    []assets.KeyRef `json:"temps"`
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	assetID, err := parseUUIDParam(r, "asset_id")
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	var req addDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalid(w, "invalid json")
		return
	}
	res := s.svc.AddDevice(r.Context(), scope, assetID, req.DeviceID, req.Attrs, req.Temps)
	if res.OK() {
		s.emit(scope, realtime.AssetRelations, assetID, req.DeviceID)
	}
	writeResult(w, res)
}

func (s *Server) assetAndDevice(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	assetID, err := parseUUIDParam(r, "asset_id")
	if err != nil {
		writeInvalid(w, err.Error())
		return uuid.Nil, uuid.Nil, false
	}
	deviceID, err := parseUUIDParam(r, "device_id")
	if err != nil {
		writeInvalid(w, err.Error())
		return uuid.Nil, uuid.Nil, false
	}
	return assetID, deviceID, true
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	assetID, deviceID, ok := s.assetAndDevice(w, r)
	if !ok {
		return
	}
	res := s.svc.RemoveDevice(r.Context(), scope, assetID, deviceID)
	if res.OK() {
		s.emit(scope, realtime.AssetRelations, assetID, deviceID)
	}
	writeResult(w, res)
}

func (s *Server) handleRemoveAttr(w http.ResponseWriter, r *http.Request) {
	s.removeKey(w, r, s.svc.RemoveAssetAttr)
}

func (s *Server) handleRemoveTemp(w http.ResponseWriter, r *http.Request) {
	s.removeKey(w, r, s.svc.RemoveAssetTemp)
}

type removeKeyFunc func(ctx context.Context, scope store.Scope, assetID, deviceID uuid.UUID, keyName string) assets.Result[bool]

func (s *Server) removeKey(w http.ResponseWriter, r *http.Request, remove removeKeyFunc) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	assetID, deviceID, ok := s.assetAndDevice(w, r)
	if !ok {
		return
	}
	key, err := keyParam(r)
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	res := remove(r.Context(), scope, assetID, deviceID, key)
	if res.OK() {
		s.emit(scope, realtime.AssetRelations, assetID, deviceID)
	}
	writeResult(w, res)
}

// keyParam returns the decoded key_name. chi matches against RawPath when the
// request carries one, leaving the segment escaped.
func keyParam(r *http.Request) (string, error) {
	key := chi.URLParam(r, "key_name")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			return "", errors.New("invalid key_name")
		}
		key = unescaped
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("missing key_name")
	}
	return key, nil
}
