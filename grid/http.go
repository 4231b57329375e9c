// CLAUDE:SUMMARY HTTP surface: chi routes for chunks, toggles, diff polling, status, observers, events, plus /metrics, /ws and /mcp.
package grid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/cellgrid/idgen"
	"github.com/hazyhaar/cellgrid/kit"
	"github.com/hazyhaar/cellgrid/observability"
	"github.com/hazyhaar/cellgrid/shield"
)

// ObserverHeader carries the caller's observer id on toggles.
const ObserverHeader = "X-Observer-ID"

// Version is reported by /healthz and the MCP server.
var Version = "0.1.0"

// Handler returns the full HTTP surface of the grid behind the shield
// middleware stack.
func (g *Grid) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range g.stack {
		r.Use(mw)
	}

	r.Get("/healthz", g.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(g.metrics.registry, promhttp.HandlerOpts{}))
	r.Get("/ws", g.serveWS)

	srv := mcp.NewServer(&mcp.Implementation{Name: "cellgrid", Version: Version}, nil)
	g.RegisterMCP(srv)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))

	r.Route("/api", func(r chi.Router) {
		r.Post("/observers", g.handleRegister)
		r.Delete("/observers/{id}", g.handleUnregister)
		r.Get("/chunk", g.handleChunk)
		r.Post("/cells/{index}/toggle", g.handleToggle)
		r.Get("/cells/{index}/events", g.handleEvents)
		r.Get("/diffs", g.handleDiffs)
		r.Get("/status", g.handleStatus)
	})
	return r
}

func (g *Grid) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"grid":    g.name,
		"size":    g.size,
		"version": Version,
	}
	if g.maintenance.Active() {
		resp["maintenance"] = g.maintenance.Message()
	}
	if g.heartbeat != nil {
		threshold := 3 * g.heartbeat.Interval()
		if hs, err := observability.LatestHeartbeat(r.Context(), g.opsDB, g.workerName(), threshold); err == nil && hs != nil {
			resp["heartbeat"] = hs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Grid) handleRegister(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, g.endpoint.register, emptyRequest{}, http.StatusCreated)
}

func (g *Grid) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id, err := idgen.ParseObserver(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !g.Unregister(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "observer not registered"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Grid) handleChunk(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("offset must be an integer"))
			return
		}
		offset = n
	}
	req := chunkRequest{Offset: offset, Packed: r.URL.Query().Get("format") == "packed"}
	g.serve(w, r, g.endpoint.chunk, req, http.StatusOK)
}

func (g *Grid) handleToggle(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("index must be an integer"))
		return
	}
	observer := r.Header.Get(ObserverHeader)
	if observer == "" {
		observer = r.URL.Query().Get("observer")
	}
	g.serve(w, r, g.endpoint.toggle, toggleRequest{Index: index, ObserverID: observer}, http.StatusOK)
}

func (g *Grid) handleDiffs(w http.ResponseWriter, r *http.Request) {
	observer := r.URL.Query().Get("observer")
	if observer == "" {
		observer = r.Header.Get(ObserverHeader)
	}
	if observer == "" {
		writeError(w, http.StatusBadRequest, errors.New("observer is required"))
		return
	}
	g.serve(w, r, g.endpoint.poll, pollRequest{ObserverID: observer}, http.StatusOK)
}

func (g *Grid) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, g.endpoint.status, emptyRequest{}, http.StatusOK)
}

func (g *Grid) handleEvents(w http.ResponseWriter, r *http.Request) {
	if g.events == nil {
		writeError(w, http.StatusNotFound, errors.New("event log disabled"))
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 || index >= g.size {
		writeError(w, http.StatusBadRequest, ErrOutOfRange)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	g.events.Flush()
	events, err := g.events.Query(r.Context(), observability.EventFilter{Grid: g.name, Cell: index, Limit: limit})
	if err != nil {
		shield.GetLogger(r.Context()).Error("grid: query events", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "events": events})
}

// serve runs an endpoint with the request context and maps its error.
func (g *Grid) serve(w http.ResponseWriter, r *http.Request, e kit.Endpoint, req any, status int) {
	ctx := kit.WithRemoteAddr(r.Context(), shield.ExtractIP(r))
	resp, err := e(ctx, req)
	if err != nil {
		writeEndpointError(r.Context(), w, err)
		return
	}
	writeJSON(w, status, resp)
}

func writeEndpointError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrOutOfRange):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, ErrUnavailable)
	default:
		shield.GetLogger(ctx).Error("grid: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
