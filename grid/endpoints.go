package grid

import (
	"context"
	"errors"

	"github.com/hazyhaar/cellgrid/kit"
)

type chunkRequest struct {
	Offset int  `json:"offset"`
	Packed bool `json:"packed,omitempty"`
}

type toggleRequest struct {
	Index      int    `json:"index"`
	ObserverID string `json:"observer_id,omitempty"`
}

type pollRequest struct {
	ObserverID string `json:"observer_id"`
}

type emptyRequest struct{}

// endpoints are the grid operations shared by HTTP, websocket and MCP.
type endpoints struct {
	chunk    kit.Endpoint
	toggle   kit.Endpoint
	poll     kit.Endpoint
	status   kit.Endpoint
	register kit.Endpoint
}

func (g *Grid) makeEndpoints() endpoints {
	wrap := func(name string, e kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(g.logger, name), g.countRequests(name))(e)
	}
	return endpoints{
		chunk:    wrap("chunk", g.chunkEndpoint),
		toggle:   wrap("toggle", g.toggleEndpoint),
		poll:     wrap("poll", g.pollEndpoint),
		status:   wrap("status", g.statusEndpoint),
		register: wrap("register", g.registerEndpoint),
	}
}

func (g *Grid) countRequests(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			resp, err := next(ctx, req)
			outcome := "ok"
			switch {
			case errors.Is(err, ErrUnavailable):
				outcome = "unavailable"
			case errors.Is(err, ErrOutOfRange):
				outcome = "out_of_range"
			case err != nil:
				outcome = "error"
			}
			g.metrics.requests.WithLabelValues(name, kit.GetTransport(ctx), outcome).Inc()
			return resp, err
		}
	}
}

func (g *Grid) chunkEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(chunkRequest)
	c, err := g.Chunk(ctx, r.Offset)
	if err != nil {
		return nil, err
	}
	if r.Packed {
		c.Pack()
	}
	return c, nil
}

// toggleEndpoint falls back to the observer id carried by ctx and attaches
// a fresh status. A status read failure after a committed toggle is logged
// and the result is returned without it.
func (g *Grid) toggleEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(toggleRequest)
	if r.ObserverID == "" {
		r.ObserverID = kit.GetObserverID(ctx)
	}
	res, err := g.Toggle(ctx, r.Index, r.ObserverID)
	if err != nil {
		return res, err
	}
	res.Status = g.statusOrNil(ctx)
	return res, nil
}

func (g *Grid) pollEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(pollRequest)
	p, err := g.PollDiffs(ctx, r.ObserverID)
	if err != nil {
		return nil, err
	}
	p.Status = g.statusOrNil(ctx)
	return p, nil
}

func (g *Grid) statusEndpoint(ctx context.Context, _ any) (any, error) {
	return g.Status(ctx)
}

func (g *Grid) registerEndpoint(context.Context, any) (any, error) {
	return g.RegisterObserver(), nil
}

func (g *Grid) statusOrNil(ctx context.Context) *Status {
	st, err := g.Status(ctx)
	if err != nil {
		g.logger.Warn("grid: status after operation", "error", err)
		return nil
	}
	return st
}
