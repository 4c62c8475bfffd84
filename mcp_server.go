package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cwsl/cwpileup/pileup"
)

// mcpSubmitter is recorded as the submitter of entries added over MCP
const mcpSubmitter pileup.SessionID = 0

// MCPServer exposes the pileup to Model Context Protocol clients. Every
// tool runs on the hub loop, so changes are broadcast like any other.
type MCPServer struct {
	hub        *Hub
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(hub *Hub) *MCPServer {
	m := &MCPServer{hub: hub}

	m.mcpServer = server.NewMCPServer(
		"CW Pileup",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	m.registerTools()

	m.httpServer = server.NewStreamableHTTPServer(m.mcpServer)

	return m
}

func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("get_pileup_state",
			mcp.WithDescription("Get the current callsign queue in play order, the transmission settings (speed in words per minute, delay between callsigns, tone frequencies), whether a participant is currently the audio output and how many participants are connected."),
			mcp.WithString("format",
				mcp.Description("Output format: 'json' for structured data or 'text' for human-readable summary"),
				mcp.DefaultString("json"),
			),
		),
		m.handleGetPileupState,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("add_callsign",
			mcp.WithDescription("Append a callsign to the end of the queue. The callsign is trimmed and upper-cased. Every connected participant sees the new queue immediately."),
			mcp.WithString("callsign",
				mcp.Required(),
				mcp.Description("Callsign to add (e.g., 'W1AW', 'DL1ABC/P')"),
			),
		),
		m.handleAddCallsign,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("remove_callsign",
			mcp.WithDescription("Remove one entry from the queue by its id. Use get_pileup_state to find ids. Removing an id that is not queued does nothing."),
			mcp.WithNumber("id",
				mcp.Required(),
				mcp.Description("Entry id as shown by get_pileup_state"),
			),
		),
		m.handleRemoveCallsign,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("clear_backlog",
			mcp.WithDescription("Remove every callsign from the queue."),
		),
		m.handleClearBacklog,
	)
}

// HandleMCP handles MCP protocol requests over HTTP
func (m *MCPServer) HandleMCP(w http.ResponseWriter, r *http.Request) {
	m.httpServer.ServeHTTP(w, r)
}

func (m *MCPServer) handleGetPileupState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")

	snap, err := m.hub.Snapshot()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Pileup unavailable: %v", err)), nil
	}

	if format == "text" {
		return mcp.NewToolResultText(formatSnapshotText(snap)), nil
	}

	jsonData, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

func (m *MCPServer) handleAddCallsign(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callsign := request.GetString("callsign", "")

	var entry pileup.Entry
	var added bool
	if err := m.hub.Do(func() { entry, added = m.hub.addCallsign(callsign, mcpSubmitter) }); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Pileup unavailable: %v", err)), nil
	}
	if !added {
		return mcp.NewToolResultError("Callsign is empty"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Added %s as entry %d", entry.Callsign, entry.ID)), nil
}

func (m *MCPServer) handleRemoveCallsign(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := pileup.EntryIDFromNumber(request.GetFloat("id", 0))
	if err != nil {
		return mcp.NewToolResultError("id must be a positive integer up to 2^53-1"), nil
	}

	var removed bool
	if err := m.hub.Do(func() { removed = m.hub.removeEntry(id) }); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Pileup unavailable: %v", err)), nil
	}
	if !removed {
		return mcp.NewToolResultText(fmt.Sprintf("Entry %d is not queued", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed entry %d", id)), nil
}

func (m *MCPServer) handleClearBacklog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var cleared bool
	if err := m.hub.Do(func() { cleared = m.hub.clearBacklog() }); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Pileup unavailable: %v", err)), nil
	}
	if !cleared {
		return mcp.NewToolResultText("Queue was already empty"), nil
	}
	return mcp.NewToolResultText("Queue cleared"), nil
}

func formatSnapshotText(snap Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CW Pileup:\n")
	fmt.Fprintf(&b, "Speed: %d WPM, delay %d ms, dit %d Hz, dah %d Hz\n",
		snap.Config.WPM, snap.Config.DelayBetweenItems, snap.Config.DitFrequency, snap.Config.DahFrequency)
	if snap.AudioClientID != nil {
		fmt.Fprintf(&b, "Audio output: participant %d\n", *snap.AudioClientID)
	} else {
		fmt.Fprintf(&b, "Audio output: none\n")
	}
	fmt.Fprintf(&b, "Connected participants: %d\n", snap.ConnectedClients)
	fmt.Fprintf(&b, "Queue (%d):\n", len(snap.Backlog))
	for i, e := range snap.Backlog {
		fmt.Fprintf(&b, "%d. %s (id %d)\n", i+1, e.Callsign, e.ID)
	}
	return b.String()
}
