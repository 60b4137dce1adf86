package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/palacelabs/palace/internal/embed"
	"github.com/palacelabs/palace/internal/spatial"
	"github.com/palacelabs/palace/internal/store"
)

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testServer(t *testing.T, st store.Store) *server.MCPServer {
	t.Helper()
	return NewServer(ServerConfig{
		Store:    st,
		Embedder: embed.NewMock(32),
		Layout:   spatial.Config{ClusterMethod: spatial.ClusterKMeans, NClusters: 2},
	})
}

// callTool invokes an MCP tool through the JSON-RPC message handler.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found")
	return ""
}

func TestNewServer(t *testing.T) {
	st := setupTestStore(t)
	if srv := testServer(t, st); srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestAddAndSearchTools(t *testing.T) {
	st := setupTestStore(t)
	srv := testServer(t, st)

	result := callTool(t, srv, "palace_add", map[string]any{
		"content":   "orbital mechanics of small satellites",
		"title":     "Orbits",
		"file_type": "markdown",
	})
	if result.IsError {
		t.Fatalf("palace_add errored: %s", getTextContent(t, result))
	}
	var added struct {
		ID         string `json:"id"`
		Dimensions int    `json:"dimensions"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &added); err != nil {
		t.Fatalf("parsing add result: %v", err)
	}
	if added.ID == "" || added.Dimensions != 32 {
		t.Fatalf("unexpected add result: %+v", added)
	}

	callTool(t, srv, "palace_add", map[string]any{
		"content": "slow roasted tomato pasta sauce",
		"title":   "Pasta",
	})

	result = callTool(t, srv, "palace_search", map[string]any{
		"query": "orbital mechanics of small satellites",
	})
	if result.IsError {
		t.Fatalf("palace_search errored: %s", getTextContent(t, result))
	}
	var hits []struct {
		ID    string  `json:"id"`
		Title string  `json:"title"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &hits); err != nil {
		t.Fatalf("parsing search result: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected search results")
	}
	if hits[0].Title != "Orbits" {
		t.Fatalf("top hit = %q, want Orbits", hits[0].Title)
	}
}

func TestAddToolValidation(t *testing.T) {
	st := setupTestStore(t)
	srv := testServer(t, st)

	result := callTool(t, srv, "palace_add", map[string]any{"content": "   "})
	if !result.IsError {
		t.Fatal("expected error for blank content")
	}
}

func TestLayoutTool(t *testing.T) {
	st := setupTestStore(t)
	srv := testServer(t, st)
	ctx := context.Background()

	vectors := map[string][]float32{
		"a1": {10, 0, 0, 0.1},
		"a2": {10, 0, 0.1, 0},
		"b1": {0, 10, 0, 0.1},
		"b2": {0, 10, 0.1, 0},
	}
	for id, v := range vectors {
		if _, err := st.AddDocument(ctx, &store.Document{ID: id, Embedding: v}); err != nil {
			t.Fatalf("AddDocument: %v", err)
		}
	}

	result := callTool(t, srv, "palace_layout", map[string]any{})
	if result.IsError {
		t.Fatalf("palace_layout errored: %s", getTextContent(t, result))
	}
	var layout struct {
		Documents []struct {
			ID       string           `json:"id"`
			Position spatial.Position `json:"position"`
			Cluster  int              `json:"cluster"`
		} `json:"documents"`
		Clusters []spatial.ClusterSummary `json:"clusters"`
		Spread   float64                  `json:"spread"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &layout); err != nil {
		t.Fatalf("parsing layout: %v", err)
	}
	if len(layout.Documents) != 4 {
		t.Fatalf("got %d placed documents, want 4", len(layout.Documents))
	}
	if len(layout.Clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(layout.Clusters))
	}
	if layout.Spread <= 0 {
		t.Fatalf("spread = %v, want > 0", layout.Spread)
	}
}

func TestConnectionsTool(t *testing.T) {
	st := setupTestStore(t)
	srv := testServer(t, st)
	ctx := context.Background()

	vectors := map[string][]float32{
		"anchor": {1, 0, 0},
		"twin":   {1, 0, 0.01},
		"far":    {0, 1, 0},
	}
	for id, v := range vectors {
		if _, err := st.AddDocument(ctx, &store.Document{ID: id, Embedding: v}); err != nil {
			t.Fatalf("AddDocument: %v", err)
		}
	}

	result := callTool(t, srv, "palace_connections", map[string]any{"id": "anchor"})
	if result.IsError {
		t.Fatalf("palace_connections errored: %s", getTextContent(t, result))
	}
	var resp struct {
		DocumentID  string `json:"document_id"`
		Connections []struct {
			ID string `json:"id"`
		} `json:"connections"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &resp); err != nil {
		t.Fatalf("parsing connections: %v", err)
	}
	if len(resp.Connections) != 1 || resp.Connections[0].ID != "twin" {
		t.Fatalf("unexpected connections: %+v", resp.Connections)
	}

	result = callTool(t, srv, "palace_connections", map[string]any{"id": "missing"})
	if !result.IsError {
		t.Fatal("expected error for unknown document")
	}
}

func TestSuggestClustersTool(t *testing.T) {
	st := setupTestStore(t)
	srv := testServer(t, st)
	ctx := context.Background()

	for blob := 0; blob < 4; blob++ {
		for i := 0; i < 10; i++ {
			v := make([]float32, 8)
			v[blob] = 100 + float32(i)*0.01
			if _, err := st.AddDocument(ctx, &store.Document{Embedding: v}); err != nil {
				t.Fatalf("AddDocument: %v", err)
			}
		}
	}

	result := callTool(t, srv, "palace_suggest_clusters", map[string]any{})
	if result.IsError {
		t.Fatalf("palace_suggest_clusters errored: %s", getTextContent(t, result))
	}
	var resp struct {
		Suggested int `json:"suggested_clusters"`
		Documents int `json:"documents"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &resp); err != nil {
		t.Fatalf("parsing suggestion: %v", err)
	}
	if resp.Documents != 40 || resp.Suggested != 4 {
		t.Fatalf("unexpected suggestion: %+v", resp)
	}
}

func TestDeleteAndStatsTools(t *testing.T) {
	st := setupTestStore(t)
	srv := testServer(t, st)
	ctx := context.Background()

	if _, err := st.AddDocument(ctx, &store.Document{ID: "doomed", Embedding: []float32{1, 2}}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	result := callTool(t, srv, "palace_stats", map[string]any{})
	if result.IsError {
		t.Fatalf("palace_stats errored: %s", getTextContent(t, result))
	}
	var stats store.Stats
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &stats); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if stats.DocumentCount != 1 || stats.Dimensions != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	result = callTool(t, srv, "palace_delete", map[string]any{"id": "doomed"})
	if result.IsError {
		t.Fatalf("palace_delete errored: %s", getTextContent(t, result))
	}
	result = callTool(t, srv, "palace_delete", map[string]any{"id": "doomed"})
	if !result.IsError {
		t.Fatal("expected error deleting twice")
	}
}
