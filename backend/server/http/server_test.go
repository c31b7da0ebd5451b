package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/adwski/roomrelay/backend/model"
	"github.com/adwski/roomrelay/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) (*Server, *memory.MemStore) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore(0)
	return NewServer(Config{Logger: &logger, Rooms: store}), store
}

func get(t *testing.T, srv *Server, path string) (int, GenericResponse, json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var (
		resp GenericResponse
		raw  struct {
			Data json.RawMessage `json:"data"`
		}
	)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &raw)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	return rec.Code, resp, raw.Data
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	code, resp, _ := get(t, srv, "/healthz")
	if code != http.StatusOK || resp.Message != "OK" {
		t.Errorf("unexpected response %d %s", code, spew.Sdump(resp))
	}
}

func TestStats(t *testing.T) {
	srv, store := newTestServer(t)
	a := store.CreateConnection()
	store.CreateConnection()
	_, _ = store.Join(a, "R")

	code, _, data := get(t, srv, "/api/stats")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var st memory.Stats
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if st.Connections != 2 || st.Rooms != 1 {
		t.Errorf("unexpected stats %s", spew.Sdump(st))
	}
}

func TestRoom(t *testing.T) {
	srv, store := newTestServer(t)
	a := store.CreateConnection()
	b := store.CreateConnection()
	store.SetName(a, "Alice")
	_, _ = store.Join(a, "lobby")
	_, _ = store.Join(b, "lobby")

	code, _, data := get(t, srv, "/api/room/lobby")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var info RoomInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	if info.ID != "lobby" || len(info.Members) != 2 {
		t.Fatalf("unexpected room %s", spew.Sdump(info))
	}
	names := map[model.ConnID]string{}
	for _, m := range info.Members {
		names[m.ID] = m.Name
	}
	if names[a] != "Alice" || names[b] != model.DefaultUsername {
		t.Errorf("unexpected members %s", spew.Sdump(info.Members))
	}
}

func TestUnknownRoomIsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _, data := get(t, srv, "/api/room/nowhere")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var info RoomInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	if info.Members == nil || len(info.Members) != 0 {
		t.Errorf("expected empty member list, got %s", spew.Sdump(info))
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/stats", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("unexpected status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, Rooms: memory.NewMemStore(0), ListenAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	errc := make(chan error, 1)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	cancel()
	wg.Wait()
	select {
	case err := <-errc:
		t.Errorf("unexpected error %v", err)
	default:
	}
}

func TestRunReportsListenError(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, Rooms: memory.NewMemStore(0), ListenAddr: "bad address"})

	wg := &sync.WaitGroup{}
	errc := make(chan error, 1)
	wg.Add(1)
	srv.Run(context.Background(), wg, errc)
	wg.Wait()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrUnexpected) {
			t.Errorf("unexpected error %v", err)
		}
	default:
		t.Error("expected listen error")
	}
}
