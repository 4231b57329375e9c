// CLAUDE:SUMMARY Registers the cellgrid MCP tools: status, chunk, toggle, register, poll.
package grid

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/cellgrid/kit"
)

// RegisterMCP registers the grid tools on an MCP server.
func (g *Grid) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "cellgrid_status",
		Description: "Count checked and unchecked cells in the grid.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, g.endpoint.status, kit.DecodeArgs[emptyRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "cellgrid_chunk",
		Description: "Read one chunk of cells starting at offset. has_more and next tell where the following chunk starts.",
		InputSchema: inputSchema(map[string]any{
			"offset": map[string]any{"type": "integer", "description": "First cell index of the chunk"},
			"packed": map[string]any{"type": "boolean", "description": "Return base64 MSB-first packed bits instead of a boolean array"},
		}, []string{"offset"}),
	}, g.endpoint.chunk, kit.DecodeArgs[chunkRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "cellgrid_toggle",
		Description: "Flip one cell. Other observers receive the change; the given observer does not.",
		InputSchema: inputSchema(map[string]any{
			"index":       map[string]any{"type": "integer", "description": "Cell index"},
			"observer_id": map[string]any{"type": "string", "description": "Observer making the change (optional)"},
		}, []string{"index"}),
	}, g.endpoint.toggle, kit.DecodeArgs[toggleRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "cellgrid_register",
		Description: "Register a new observer. Poll it within the liveness window to keep it alive.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, g.endpoint.register, kit.DecodeArgs[emptyRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "cellgrid_poll",
		Description: "Return the cells changed by others since the observer's last poll, with their current values.",
		InputSchema: inputSchema(map[string]any{
			"observer_id": map[string]any{"type": "string", "description": "Observer id from cellgrid_register"},
		}, []string{"observer_id"}),
	}, g.endpoint.poll, kit.DecodeArgs[pollRequest])
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
