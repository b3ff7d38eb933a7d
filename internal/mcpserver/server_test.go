package mcpserver

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/ansuz/internal/queue"
	"github.com/starford/ansuz/internal/snapshot"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/testutil"
)

func testServer(t *testing.T) (*Server, *storage.FS, *snapshot.Manager) {
	t.Helper()
	_, store := testutil.TestVault(t)

	q, err := queue.New(filepath.Join(t.TempDir(), "queue.json"), 2, testutil.TestLogger())
	if err != nil {
		t.Fatal(err)
	}
	snaps, err := snapshot.NewManager(t.TempDir(), store, snapshot.DefaultRetention, testutil.TestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return New(store, q, snaps), store, snaps
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so handlers are called
	// directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "enqueue_task":
		result, err = srv.enqueueTask(ctx, req)
	case "list_tasks":
		result, err = srv.listTasks(ctx, req)
	case "get_task":
		result, err = srv.getTask(ctx, req)
	case "list_snapshots":
		result, err = srv.listSnapshots(ctx, req)
	case "restore_snapshot":
		result, err = srv.restoreSnapshot(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestEnqueueAndGetTask(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "enqueue_task", map[string]interface{}{
		"type":    "embed",
		"node_id": "uid-1",
		"payload": `{"force":true}`,
	})
	text := resultText(r)
	if !strings.HasPrefix(text, "enqueued: ") {
		t.Fatalf("enqueue result = %q", text)
	}
	id := strings.TrimPrefix(text, "enqueued: ")

	r = callTool(t, srv, "get_task", map[string]interface{}{"id": id})
	if r.IsError {
		t.Fatalf("get_task error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), id) || !strings.Contains(resultText(r), `"pending"`) {
		t.Errorf("get_task result = %q", resultText(r))
	}

	r = callTool(t, srv, "list_tasks", map[string]interface{}{})
	if !strings.Contains(resultText(r), id) {
		t.Errorf("list_tasks missing task: %q", resultText(r))
	}
}

func TestEnqueueRequiresType(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "enqueue_task", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error without type")
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "enqueue_task", map[string]interface{}{
		"type":    "embed",
		"payload": "not json",
	})
	if !r.IsError {
		t.Error("expected error for non-JSON payload")
	}
}

func TestGetTaskMissing(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "get_task", map[string]interface{}{"id": "ghost"})
	if !r.IsError {
		t.Error("expected error for unknown task")
	}
}

func TestSnapshotTools(t *testing.T) {
	srv, store, snaps := testServer(t)
	if err := store.Write("note.md", []byte("version A")); err != nil {
		t.Fatal(err)
	}
	id, err := snaps.Create("note.md", []byte("version A"), "task-1", "uid-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write("note.md", []byte("version B")); err != nil {
		t.Fatal(err)
	}

	r := callTool(t, srv, "list_snapshots", map[string]interface{}{})
	if !strings.Contains(resultText(r), id) {
		t.Errorf("list_snapshots missing %s: %q", id, resultText(r))
	}

	r = callTool(t, srv, "restore_snapshot", map[string]interface{}{"id": id})
	if resultText(r) != "restored: "+id {
		t.Fatalf("restore result = %q", resultText(r))
	}
	data, _ := store.Read("note.md")
	if string(data) != "version A" {
		t.Errorf("restored content = %q", data)
	}
}

func TestRestoreSnapshotMissing(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "restore_snapshot", map[string]interface{}{"id": "ghost"})
	if !r.IsError {
		t.Error("expected error for unknown snapshot")
	}
}

func TestReadNote(t *testing.T) {
	srv, store, _ := testServer(t)
	_ = store.Write("a.md", []byte("# A\nBody"))

	r := callTool(t, srv, "read_note", map[string]interface{}{"path": "a.md"})
	if resultText(r) != "# A\nBody" {
		t.Errorf("read result = %q", resultText(r))
	}

	r = callTool(t, srv, "read_note", map[string]interface{}{"path": "nope.md"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestNoteFormatResource(t *testing.T) {
	srv, _, _ := testServer(t)
	contents, err := srv.readNoteFormatResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents len = %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || !strings.Contains(tc.Text, "cruid") {
		t.Errorf("resource = %+v", contents[0])
	}
}
