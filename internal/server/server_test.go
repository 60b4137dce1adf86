package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/palacelabs/palace/internal/embed"
	"github.com/palacelabs/palace/internal/spatial"
	"github.com/palacelabs/palace/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := New(Config{
		Store:    st,
		Embedder: embed.NewMock(32),
		Layout:   spatial.Config{ClusterMethod: spatial.ClusterKMeans, NClusters: 2},
	})
	return srv, st
}

func seedDocuments(t *testing.T, st *store.SQLiteStore, vectors map[string][]float32) {
	t.Helper()
	ctx := context.Background()
	for id, v := range vectors {
		if _, err := st.AddDocument(ctx, &store.Document{
			ID:        id,
			Title:     "Title " + id,
			FileType:  "text",
			Embedding: v,
		}); err != nil {
			t.Fatalf("AddDocument %s: %v", id, err)
		}
	}
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, "GET", "/health", nil)
	if rec.Code != 200 {
		t.Fatalf("health returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLayoutEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	// Two well-separated pairs so two clusters are unambiguous.
	seedDocuments(t, st, map[string][]float32{
		"a1": {10, 0, 0, 0.1},
		"a2": {10, 0, 0.1, 0},
		"b1": {0, 10, 0, 0.1},
		"b2": {0, 10, 0.1, 0},
	})

	rec := doRequest(t, srv, "GET", "/api/layout", nil)
	if rec.Code != 200 {
		t.Fatalf("layout returned %d: %s", rec.Code, rec.Body.String())
	}

	var resp LayoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding layout: %v", err)
	}
	if len(resp.Documents) != 4 {
		t.Fatalf("got %d documents, want 4", len(resp.Documents))
	}
	if len(resp.Clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(resp.Clusters))
	}
	if resp.Spread <= 0 {
		t.Fatalf("spread = %v, want > 0", resp.Spread)
	}
	for _, d := range resp.Documents {
		if d.ID == "" {
			t.Fatal("document missing id")
		}
	}
	// Connections reference document IDs, not indices.
	for _, c := range resp.Connections {
		if c.Source == "" || c.Target == "" || c.Source == c.Target {
			t.Fatalf("bad connection %+v", c)
		}
	}
}

func TestLayoutQueryOverrides(t *testing.T) {
	srv, st := newTestServer(t)
	seedDocuments(t, st, map[string][]float32{
		"a": {1, 0, 0}, "b": {0, 1, 0}, "c": {0, 0, 1},
	})

	rec := doRequest(t, srv, "GET", "/api/layout?cluster=kmeans&clusters=3&threshold=0.99", nil)
	if rec.Code != 200 {
		t.Fatalf("layout returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp LayoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding layout: %v", err)
	}
	if len(resp.Clusters) != 3 {
		t.Fatalf("got %d clusters, want 3 from query override", len(resp.Clusters))
	}
	if len(resp.Connections) != 0 {
		t.Fatalf("threshold 0.99 should suppress connections, got %d", len(resp.Connections))
	}

	if rec := doRequest(t, srv, "GET", "/api/layout?projection=bogus", nil); rec.Code != 400 {
		t.Fatalf("invalid projection returned %d, want 400", rec.Code)
	}
}

func TestAddAndGetDocument(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(AddDocumentRequest{
		Content:  "a note about gardening",
		Title:    "Garden",
		FileType: "markdown",
	})
	rec := doRequest(t, srv, "POST", "/api/documents", body)
	if rec.Code != 201 {
		t.Fatalf("add returned %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	id := created["id"]
	if id == "" {
		t.Fatal("no id returned")
	}

	rec = doRequest(t, srv, "GET", "/api/documents/"+id, nil)
	if rec.Code != 200 {
		t.Fatalf("get returned %d: %s", rec.Code, rec.Body.String())
	}
	var doc DocumentView
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decoding document: %v", err)
	}
	if doc.Title != "Garden" || doc.Content != "a note about gardening" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if !doc.Embedded {
		t.Fatal("document should be embedded via mock provider")
	}
}

func TestAddDocumentValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, "POST", "/api/documents", []byte(`{}`))
	if rec.Code != 400 {
		t.Fatalf("empty payload returned %d, want 400", rec.Code)
	}
	rec = doRequest(t, srv, "POST", "/api/documents", []byte(`{bad json`))
	if rec.Code != 400 {
		t.Fatalf("bad JSON returned %d, want 400", rec.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	srv, st := newTestServer(t)
	seedDocuments(t, st, map[string][]float32{"victim": {1, 2}})

	rec := doRequest(t, srv, "DELETE", "/api/documents/victim", nil)
	if rec.Code != 200 {
		t.Fatalf("delete returned %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, "GET", "/api/documents/victim", nil)
	if rec.Code != 404 {
		t.Fatalf("get after delete returned %d, want 404", rec.Code)
	}
	rec = doRequest(t, srv, "DELETE", "/api/documents/victim", nil)
	if rec.Code != 404 {
		t.Fatalf("double delete returned %d, want 404", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	// Store documents embedded with the same mock provider the server uses,
	// so the query text retrieves its own document first.
	mock := embed.NewMock(32)
	ctx := context.Background()
	texts := map[string]string{
		"cooking": "slow roasted tomato pasta sauce",
		"space":   "orbital mechanics of small satellites",
	}
	for id, text := range texts {
		vec, _ := mock.Embed(ctx, text)
		if _, err := st.AddDocument(ctx, &store.Document{ID: id, Content: text, Embedding: vec}); err != nil {
			t.Fatalf("AddDocument: %v", err)
		}
	}

	rec := doRequest(t, srv, "GET", "/api/search?q=orbital+mechanics+of+small+satellites", nil)
	if rec.Code != 200 {
		t.Fatalf("search returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []SearchView `json:"results"`
		Total   int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding search: %v", err)
	}
	if resp.Total == 0 {
		t.Fatal("expected search results")
	}
	if resp.Results[0].ID != "space" {
		t.Fatalf("top result = %s, want space", resp.Results[0].ID)
	}

	if rec := doRequest(t, srv, "GET", "/api/search", nil); rec.Code != 400 {
		t.Fatalf("missing q returned %d, want 400", rec.Code)
	}
}

func TestConnectionsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedDocuments(t, st, map[string][]float32{
		"anchor": {1, 0, 0},
		"twin":   {1, 0, 0.01},
		"far":    {0, 1, 0},
	})

	rec := doRequest(t, srv, "GET", "/api/documents/anchor/connections?threshold=0.8", nil)
	if rec.Code != 200 {
		t.Fatalf("connections returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		DocumentID  string       `json:"document_id"`
		Connections []SearchView `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding connections: %v", err)
	}
	if len(resp.Connections) != 1 || resp.Connections[0].ID != "twin" {
		t.Fatalf("unexpected connections: %+v", resp.Connections)
	}

	if rec := doRequest(t, srv, "GET", "/api/documents/nope/connections", nil); rec.Code != 404 {
		t.Fatalf("unknown document returned %d, want 404", rec.Code)
	}
}

func TestSuggestClustersEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	// Four tight, well-separated blobs.
	ctx := context.Background()
	for blob := 0; blob < 4; blob++ {
		for i := 0; i < 10; i++ {
			v := make([]float32, 8)
			v[blob] = 100 + float32(i)*0.01
			if _, err := st.AddDocument(ctx, &store.Document{
				ID: fmt.Sprintf("d-%d-%d", blob, i), Embedding: v,
			}); err != nil {
				t.Fatalf("AddDocument: %v", err)
			}
		}
	}

	rec := doRequest(t, srv, "GET", "/api/suggest-clusters", nil)
	if rec.Code != 200 {
		t.Fatalf("suggest returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Suggested int `json:"suggested_clusters"`
		Documents int `json:"documents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding suggest: %v", err)
	}
	if resp.Documents != 40 {
		t.Fatalf("documents = %d, want 40", resp.Documents)
	}
	if resp.Suggested != 4 {
		t.Fatalf("suggested = %d, want 4", resp.Suggested)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedDocuments(t, st, map[string][]float32{"only": {1, 2, 3}})

	rec := doRequest(t, srv, "GET", "/api/stats", nil)
	if rec.Code != 200 {
		t.Fatalf("stats returned %d: %s", rec.Code, rec.Body.String())
	}
	var stats store.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.DocumentCount != 1 || stats.Dimensions != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
