package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dbharbor/dbharbor/internal/binding"
	"github.com/dbharbor/dbharbor/internal/database"
	"github.com/dbharbor/dbharbor/internal/tunnel"
	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates a fresh in-memory SQLite database for each test.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.Cluster{}, &database.Connection{}, &database.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db
}

// fakeForwardManager satisfies both ForwardManager and the binding
// resolver's TunnelService.
type fakeForwardManager struct {
	tunnels map[string]tunnel.Info

	created   []tunnel.CreateRequest
	stopped   []string
	touched   []string
	next      tunnel.Info
	createErr error
}

func newFakeForwardManager() *fakeForwardManager {
	return &fakeForwardManager{tunnels: make(map[string]tunnel.Info)}
}

func (f *fakeForwardManager) CreateOrReuse(ctx context.Context, req tunnel.CreateRequest) (tunnel.Info, error) {
	f.created = append(f.created, req)
	if f.createErr != nil {
		return tunnel.Info{}, f.createErr
	}
	info := f.next
	info.ConnectionID = req.ConnectionID
	f.tunnels[info.ID] = info
	return info, nil
}

func (f *fakeForwardManager) Get(id string) (tunnel.Info, error) {
	if info, ok := f.tunnels[id]; ok {
		return info, nil
	}
	return tunnel.Info{}, tunnel.ErrNotFound
}

func (f *fakeForwardManager) GetByConnectionID(connectionID uint) (tunnel.Info, error) {
	if connectionID == tunnel.EphemeralConnectionID {
		return tunnel.Info{}, tunnel.ErrNotFound
	}
	for _, info := range f.tunnels {
		if info.ConnectionID == connectionID {
			return info, nil
		}
	}
	return tunnel.Info{}, tunnel.ErrNotFound
}

func (f *fakeForwardManager) Stop(id string) error {
	if _, ok := f.tunnels[id]; !ok {
		return tunnel.ErrNotFound
	}
	delete(f.tunnels, id)
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeForwardManager) Reconnect(ctx context.Context, id string) (tunnel.Info, error) {
	old, ok := f.tunnels[id]
	if !ok {
		return tunnel.Info{}, tunnel.ErrNotFound
	}
	delete(f.tunnels, id)
	fresh := f.next
	fresh.ConnectionID = old.ConnectionID
	f.tunnels[fresh.ID] = fresh
	return fresh, nil
}

func (f *fakeForwardManager) Touch(id string) error {
	if _, ok := f.tunnels[id]; !ok {
		return tunnel.ErrNotFound
	}
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeForwardManager) List() []tunnel.Info {
	out := make([]tunnel.Info, 0, len(f.tunnels))
	for _, info := range f.tunnels {
		out = append(out, info)
	}
	return out
}

// setupHandlers wires the package-level dependencies to fresh fakes.
func setupHandlers(t *testing.T) *fakeForwardManager {
	t.Helper()
	setupTestDB(t)
	fake := newFakeForwardManager()
	TunnelMgr = fake
	Binding = binding.NewResolver(fake)
	t.Cleanup(func() {
		TunnelMgr = nil
		Binding = nil
	})
	return fake
}

// testRouter mounts the API routes the way main does, so URL params resolve.
func testRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/clusters", ListClusters)
		r.Post("/clusters", CreateCluster)
		r.Post("/clusters/contexts", ListKubeconfigContexts)
		r.Get("/clusters/{id}", GetCluster)
		r.Put("/clusters/{id}", UpdateCluster)
		r.Delete("/clusters/{id}", DeleteCluster)

		r.Get("/connections", ListConnections)
		r.Post("/connections", CreateConnection)
		r.Get("/connections/{id}", GetConnection)
		r.Put("/connections/{id}", UpdateConnection)
		r.Delete("/connections/{id}", DeleteConnection)
		r.Post("/connections/{id}/ping", PingConnection)
		r.Get("/connections/{id}/forward", GetConnectionForward)

		r.Get("/forwards", ListForwards)
		r.Post("/forwards", CreateForward)
		r.Post("/forwards/test", TestForward)
		r.Get("/forwards/{id}", GetForward)
		r.Delete("/forwards/{id}", StopForward)
		r.Post("/forwards/{id}/reconnect", ReconnectForward)
		r.Put("/forwards/{id}/touch", TouchForward)
	})
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func activeForward(id string, connID uint, port int) tunnel.Info {
	return tunnel.Info{
		ID:           id,
		ConnectionID: connID,
		LocalHost:    "127.0.0.1",
		LocalPort:    port,
		Status:       tunnel.StatusActive,
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return out
}
