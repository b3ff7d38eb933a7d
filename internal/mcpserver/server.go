// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the task queue and snapshot manager for LLM integration via
// stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/queue"
	"github.com/starford/ansuz/internal/snapshot"
	"github.com/starford/ansuz/internal/storage"
)

// Server wraps the MCP server with execution-subsystem tools.
type Server struct {
	mcp       *server.MCPServer
	store     storage.Provider
	queue     *queue.Queue
	snapshots *snapshot.Manager
}

// New creates a new MCP server with all tools registered.
func New(store storage.Provider, q *queue.Queue, snapshots *snapshot.Manager) *Server {
	s := &Server{store: store, queue: q, snapshots: snapshots}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("enqueue_task",
		mcp.WithDescription("Enqueue an asynchronous task. The task runs when queue capacity frees up; "+
			"its payload is passed to the registered handler verbatim."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Task type (must have a registered handler, e.g. vault.reindex)")),
		mcp.WithString("node_id", mcp.Description("Optional permanent identifier of the note the task concerns")),
		mcp.WithString("payload", mcp.Description("Optional JSON payload for the handler")),
	), s.enqueueTask)

	s.mcp.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List all tasks with their lifecycle state, attempts, and error log."),
	), s.listTasks)

	s.mcp.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get one task by id, including its result and error history."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.getTask)

	s.mcp.AddTool(mcp.NewTool("list_snapshots",
		mcp.WithDescription("List undo snapshots (metadata only), newest first."),
	), s.listSnapshots)

	s.mcp.AddTool(mcp.NewTool("restore_snapshot",
		mcp.WithDescription("Restore a snapshot's content to its original path with an atomic write. "+
			"Fails if the snapshot's checksum no longer matches its content."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Snapshot id")),
	), s.restoreSnapshot)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full content of a Markdown note."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note (e.g. folder/note.md)")),
	), s.readNote)

	// Resource: managed note contract.
	s.mcp.AddResource(
		mcp.NewResource("ansuz://note-format", "Managed Note Contract",
			mcp.WithResourceDescription("Metadata block a note must carry to be managed by the subsystem."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// Listen serves the MCP protocol over the given streams until ctx is
// cancelled.
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) enqueueTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodeID := ""
	if v, err := req.RequireString("node_id"); err == nil {
		nodeID = v
	}
	var payload json.RawMessage
	if v, err := req.RequireString("payload"); err == nil && v != "" {
		if !json.Valid([]byte(v)) {
			return mcp.NewToolResultError("payload must be valid JSON"), nil
		}
		payload = json.RawMessage(v)
	}

	t, err := s.queue.Enqueue(taskType, nodeID, payload, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("enqueued: %s", t.ID)), nil
}

func (s *Server) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, _ := json.MarshalIndent(s.queue.List(), "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.queue.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(t, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listSnapshots(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, _ := json.MarshalIndent(s.snapshots.List(), "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) restoreSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.snapshots.RestoreToFile(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("restored: %s", id)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.store.Read(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "ansuz://note-format",
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
