// Package e2e runs the cellgrid service end to end over real HTTP, once per
// storage backend.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/cellgrid/grid"

	_ "modernc.org/sqlite"
)

// --- test helpers ---

type backend struct {
	name  string
	store func(t *testing.T) grid.StoreConfig
}

func backends() []backend {
	return []backend{
		{"memory", func(*testing.T) grid.StoreConfig { return grid.StoreConfig{Driver: "memory"} }},
		{"sqlite", func(t *testing.T) grid.StoreConfig {
			return grid.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "grid.db")}
		}},
		{"bolt", func(t *testing.T) grid.StoreConfig {
			return grid.StoreConfig{Driver: "bolt", Path: filepath.Join(t.TempDir(), "grid.bolt")}
		}},
		{"redis", func(t *testing.T) grid.StoreConfig {
			mr := miniredis.RunT(t)
			return grid.StoreConfig{Driver: "redis", Addr: mr.Addr(), KeyPrefix: "e2e", ConnectTimeout: 5 * time.Second}
		}},
	}
}

// startServer runs a grid of size cells behind an httptest server.
func startServer(t *testing.T, store grid.StoreConfig, size, chunk int) (*grid.Grid, *httptest.Server) {
	t.Helper()
	cfg := &grid.Config{
		Grid:  grid.GridConfig{Name: "e2e", Size: size, ChunkSize: chunk},
		Store: store,
		HTTP:  grid.HTTPConfig{WSPollInterval: 10 * time.Millisecond},
		Observability: grid.ObservabilityConfig{
			DBPath: filepath.Join(t.TempDir(), "ops.db"),
		},
	}
	g, err := grid.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		g.Close()
	})
	return g, srv
}

func call(t *testing.T, method, url string, hdr map[string]string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func register(t *testing.T, base string) string {
	t.Helper()
	var reg grid.Registration
	if code := call(t, "POST", base+"/api/observers", nil, &reg); code != http.StatusCreated {
		t.Fatalf("register: got %d", code)
	}
	return reg.ObserverID
}

func toggle(t *testing.T, base, observer string, index int) grid.ToggleResult {
	t.Helper()
	var res grid.ToggleResult
	url := fmt.Sprintf("%s/api/cells/%d/toggle", base, index)
	if code := call(t, "POST", url, map[string]string{grid.ObserverHeader: observer}, &res); code != http.StatusOK {
		t.Fatalf("toggle %d: got %d", index, code)
	}
	return res
}

func poll(t *testing.T, base, observer string) grid.Poll {
	t.Helper()
	var p grid.Poll
	if code := call(t, "GET", base+"/api/diffs?observer="+observer, nil, &p); code != http.StatusOK {
		t.Fatalf("poll: got %d", code)
	}
	return p
}

// --- tests ---

func TestE2E_ToggleFanOutPerBackend(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			_, srv := startServer(t, b.store(t), 10, 10)
			a := register(t, srv.URL)
			o := register(t, srv.URL)

			res := toggle(t, srv.URL, a, 3)
			if !res.Value || res.Status == nil || res.Status.Checked != 1 || res.Status.Unchecked != 9 {
				t.Fatalf("toggle: got %+v", res)
			}
			p := poll(t, srv.URL, o)
			if len(p.Diffs) != 1 || p.Diffs[0] != (grid.Diff{Index: 3, Value: true}) {
				t.Fatalf("observer poll: got %+v", p.Diffs)
			}
			if p := poll(t, srv.URL, a); len(p.Diffs) != 0 {
				t.Fatalf("mutator poll: got %+v", p.Diffs)
			}

			res = toggle(t, srv.URL, a, 3)
			if res.Value || res.Status.Checked != 0 {
				t.Fatalf("second toggle: got %+v", res)
			}
			p = poll(t, srv.URL, o)
			if len(p.Diffs) != 1 || p.Diffs[0].Value {
				t.Fatalf("observer poll after revert: got %+v", p.Diffs)
			}
		})
	}
}

func TestE2E_ChunkWalk(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			g, srv := startServer(t, b.store(t), 10000, 2000)
			for _, i := range []int{0, 4095, 4096, 9999} {
				if _, err := g.Toggle(context.Background(), i, ""); err != nil {
					t.Fatal(err)
				}
			}

			var cells []bool
			offset, chunks := 0, 0
			for {
				var c grid.Chunk
				if code := call(t, "GET", fmt.Sprintf("%s/api/chunk?offset=%d", srv.URL, offset), nil, &c); code != http.StatusOK {
					t.Fatalf("chunk %d: got %d", offset, code)
				}
				cells = append(cells, c.Cells...)
				chunks++
				if !c.HasMore {
					break
				}
				offset = *c.Next
			}
			if chunks != 5 || len(cells) != 10000 {
				t.Fatalf("walk: got %d chunks, %d cells", chunks, len(cells))
			}
			set := 0
			for _, v := range cells {
				if v {
					set++
				}
			}
			if set != 4 || !cells[4095] || !cells[4096] || !cells[9999] {
				t.Fatalf("walk: got %d set cells", set)
			}
		})
	}
}

func TestE2E_RestartKeepsState(t *testing.T) {
	store := grid.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "grid.db")}
	g, srv := startServer(t, store, 100, 100)
	toggle(t, srv.URL, "", 42)
	srv.Close()
	g.Close()

	_, srv = startServer(t, store, 200, 100)
	var st grid.Status
	call(t, "GET", srv.URL+"/api/status", nil, &st)
	if st.Checked != 1 || st.Total != 200 {
		t.Fatalf("status after restart and grow: got %+v", st)
	}
}

func TestE2E_ConcurrentObservers(t *testing.T) {
	_, srv := startServer(t, grid.StoreConfig{Driver: "memory"}, 1000, 1000)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	var hello struct {
		Type string `json:"type"`
	}
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != "registered" {
		t.Fatalf("first message: got %q, %v", hello.Type, err)
	}

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		id := register(t, srv.URL)
		wg.Add(1)
		go func(w int, id string) {
			defer wg.Done()
			for k := 0; k < perWriter; k++ {
				url := fmt.Sprintf("%s/api/cells/%d/toggle?observer=%s", srv.URL, w*perWriter+k, id)
				resp, err := http.Post(url, "", nil)
				if err != nil {
					t.Error(err)
					return
				}
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					t.Errorf("toggle: got %d", resp.StatusCode)
				}
			}
		}(w, id)
	}
	wg.Wait()

	seen := map[int]bool{}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(seen) < writers*perWriter {
		var m struct {
			Type  string      `json:"type"`
			Diffs []grid.Diff `json:"diffs"`
		}
		if err := ws.ReadJSON(&m); err != nil {
			t.Fatalf("after %d diffs: %v", len(seen), err)
		}
		for _, d := range m.Diffs {
			if !d.Value {
				t.Fatalf("diff %d: got false, want true", d.Index)
			}
			seen[d.Index] = true
		}
	}

	var st grid.Status
	call(t, "GET", srv.URL+"/api/status", nil, &st)
	if st.Checked != writers*perWriter {
		t.Fatalf("status: got %+v", st)
	}
}
