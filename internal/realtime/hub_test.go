package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/asset-service/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func TestBroadcast_OnlyReachesSameScope(t *testing.T) {
	hub := NewHub()
	a := store.Scope{TenantID: uuid.New(), CustomerID: uuid.New()}
	b := store.Scope{TenantID: uuid.New(), CustomerID: uuid.New()}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := a
		if r.URL.Query().Get("s") == "b" {
			scope = b
		}
		hub.Serve(w, r, scope)
	}))
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	connA, _, err := websocket.DefaultDialer.Dial(base+"?s=a", nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	connB, _, err := websocket.DefaultDialer.Dial(base+"?s=b", nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("clients not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	assetID := uuid.NewString()
	hub.Broadcast(NewEvent(a, AssetCreated, assetID, ""))

	_ = connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := connA.ReadMessage()
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v msg=%s", err, string(msg))
	}
	if ev.Type != AssetCreated || ev.AssetID != assetID || ev.At.IsZero() {
		t.Fatalf("unexpected event: %+v", ev)
	}

	_ = connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatalf("expected no event for other scope")
	}
}
