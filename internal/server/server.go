// Package server exposes the Palace HTTP API: document CRUD, semantic
// search, and the 3D layout endpoint consumed by visualization frontends.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/palacelabs/palace/internal/embed"
	"github.com/palacelabs/palace/internal/spatial"
	"github.com/palacelabs/palace/internal/store"
)

// Config holds settings for the API server.
type Config struct {
	Store    store.Store
	Embedder embed.Embedder // optional; POST /api/documents requires it when no embedding is supplied
	Layout   spatial.Config
	Port     int
}

// Server handles Palace API requests.
type Server struct {
	store    store.Store
	embedder embed.Embedder
	layout   spatial.Config
}

// New creates an API server.
func New(cfg Config) *Server {
	return &Server{
		store:    cfg.Store,
		embedder: cfg.Embedder,
		layout:   cfg.Layout,
	}
}

// Serve starts the API server on the configured port.
func Serve(cfg Config) error {
	s := New(cfg)
	addr := fmt.Sprintf(":%d", cfg.Port)
	fmt.Printf("🏛  Palace API: http://localhost%s\n", addr)
	fmt.Printf("   GET /api/layout returns the spatial arrangement of your documents.\n")
	return http.ListenAndServe(addr, s.Handler())
}

// Handler returns the route mux, exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/layout", s.handleLayout)
	mux.HandleFunc("/api/documents", s.handleDocuments)
	mux.HandleFunc("/api/documents/", s.handleDocumentByID)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/clusters", s.handleClusters)
	mux.HandleFunc("/api/suggest-clusters", s.handleSuggestClusters)
	mux.HandleFunc("/api/stats", s.handleStats)
	return mux
}

// LayoutDocument pairs a stored document with its computed placement.
type LayoutDocument struct {
	ID       string           `json:"id"`
	Title    string           `json:"title,omitempty"`
	FileType string           `json:"file_type,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
	Position spatial.Position `json:"position"`
	Cluster  int              `json:"cluster"`
}

// LayoutConnection is a connection edge keyed by document IDs.
type LayoutConnection struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Strength float64 `json:"strength"`
}

// LayoutCluster is a cluster summary keyed by document IDs.
type LayoutCluster struct {
	ID        int              `json:"id"`
	Center    spatial.Position `json:"center"`
	Size      int              `json:"size"`
	Documents []string         `json:"documents"`
}

// LayoutResponse is the full /api/layout payload.
type LayoutResponse struct {
	Documents   []LayoutDocument   `json:"documents"`
	Clusters    []LayoutCluster    `json:"clusters"`
	Connections []LayoutConnection `json:"connections"`
	Spread      float64            `json:"spread"`
	Projection  spatial.Resolution `json:"projection"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	setAPIHeaders(w)
	if _, err := s.store.Count(r.Context()); err != nil {
		writeJSON(w, 500, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	setAPIHeaders(w)
	if r.Method != http.MethodGet {
		writeJSON(w, 405, map[string]string{"error": "method not allowed"})
		return
	}

	cfg, err := s.layoutConfig(r)
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": err.Error()})
		return
	}

	docs, err := s.store.ListDocuments(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}

	spatialDocs := make([]spatial.Document, 0, len(docs))
	kept := make([]*store.Document, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) == 0 {
			continue
		}
		spatialDocs = append(spatialDocs, spatial.Document{
			ID:        d.ID,
			Embedding: d.Embedding,
			Metadata:  d.Metadata,
		})
		kept = append(kept, d)
	}

	organizer := spatial.NewOrganizer(cfg)
	layout, err := organizer.Organize(spatialDocs)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, 200, buildLayoutResponse(kept, layout, organizer.ProjectionResolution()))
}

func buildLayoutResponse(docs []*store.Document, layout *spatial.Layout, resolution spatial.Resolution) LayoutResponse {
	resp := LayoutResponse{
		Documents:   make([]LayoutDocument, len(docs)),
		Clusters:    make([]LayoutCluster, 0, len(layout.Clusters)),
		Connections: make([]LayoutConnection, 0, len(layout.Connections)),
		Spread:      layout.Spread,
		Projection:  resolution,
	}
	for i, d := range docs {
		resp.Documents[i] = LayoutDocument{
			ID:       d.ID,
			Title:    d.Title,
			FileType: d.FileType,
			Metadata: d.Metadata,
			Position: layout.Positions[i],
			Cluster:  int(layout.Labels[i]),
		}
	}
	for _, c := range layout.Clusters {
		ids := make([]string, len(c.MemberIndices))
		for j, idx := range c.MemberIndices {
			ids[j] = docs[idx].ID
		}
		resp.Clusters = append(resp.Clusters, LayoutCluster{
			ID: c.ID, Center: c.Center, Size: c.Size, Documents: ids,
		})
	}
	for _, conn := range layout.Connections {
		resp.Connections = append(resp.Connections, LayoutConnection{
			Source:   docs[conn.Source].ID,
			Target:   docs[conn.Target].ID,
			Strength: conn.Strength,
		})
	}
	return resp
}

// layoutConfig derives the layout configuration from server defaults plus
// per-request query overrides.
func (s *Server) layoutConfig(r *http.Request) (spatial.Config, error) {
	cfg := s.layout
	q := r.URL.Query()

	if v := q.Get("projection"); v != "" {
		method, err := spatial.ParseProjectionMethod(v)
		if err != nil {
			return cfg, err
		}
		cfg.ProjectionMethod = method
	}
	if v := q.Get("cluster"); v != "" {
		method, err := spatial.ParseClusterMethod(v)
		if err != nil {
			return cfg, err
		}
		cfg.ClusterMethod = method
	}
	if v := q.Get("clusters"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid clusters parameter %q", v)
		}
		cfg.NClusters = n
	}
	if v := q.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid threshold parameter %q", v)
		}
		cfg.ConnectionThreshold = f
	}
	return cfg, nil
}

// AddDocumentRequest is the POST /api/documents payload. When Embedding is
// omitted the server embeds Content with the configured provider.
type AddDocumentRequest struct {
	ID        string         `json:"id,omitempty"`
	Content   string         `json:"content"`
	Title     string         `json:"title,omitempty"`
	Filename  string         `json:"filename,omitempty"`
	FileType  string         `json:"file_type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	setAPIHeaders(w)
	switch r.Method {
	case http.MethodGet:
		docs, err := s.store.ListDocuments(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			writeJSON(w, 500, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, 200, map[string]any{
			"documents": documentViews(docs),
			"total":     len(docs),
		})
	case http.MethodPost:
		s.handleAddDocument(w, r)
	default:
		writeJSON(w, 405, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req AddDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, 400, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Content == "" && len(req.Embedding) == 0 {
		writeJSON(w, 400, map[string]string{"error": "content or embedding required"})
		return
	}

	embedding := req.Embedding
	if len(embedding) == 0 {
		if s.embedder == nil {
			writeJSON(w, 400, map[string]string{"error": "no embedding provider configured; supply an embedding"})
			return
		}
		var err error
		embedding, err = s.embedder.Embed(r.Context(), req.Content)
		if err != nil {
			writeJSON(w, 502, map[string]string{"error": "embedding failed: " + err.Error()})
			return
		}
	}

	id, err := s.store.AddDocument(r.Context(), &store.Document{
		ID:        req.ID,
		Content:   req.Content,
		Title:     req.Title,
		Filename:  req.Filename,
		FileType:  defaultString(req.FileType, "text"),
		Metadata:  req.Metadata,
		Embedding: embedding,
	})
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 201, map[string]string{"id": id})
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	setAPIHeaders(w)

	rest := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSON(w, 400, map[string]string{"error": "document id required"})
		return
	}

	if sub == "connections" {
		s.handleConnections(w, r, id)
		return
	}
	if sub != "" {
		writeJSON(w, 404, map[string]string{"error": "not found"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.store.GetDocument(r.Context(), id)
		if err != nil {
			writeJSON(w, 404, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, 200, documentView(doc, true))
	case http.MethodDelete:
		if err := s.store.DeleteDocument(r.Context(), id); err != nil {
			writeJSON(w, 404, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, 200, map[string]string{"deleted": id})
	default:
		writeJSON(w, 405, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSON(w, 405, map[string]string{"error": "method not allowed"})
		return
	}
	threshold := queryFloat(r, "threshold", spatial.DefaultConnectionThreshold)
	max := queryInt(r, "max", 5)

	results, err := s.store.Connections(r.Context(), id, threshold, max)
	if err != nil {
		writeJSON(w, 404, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{
		"document_id": id,
		"connections": searchViews(results),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	setAPIHeaders(w)
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, 400, map[string]string{"error": "q parameter required"})
		return
	}
	if s.embedder == nil {
		writeJSON(w, 400, map[string]string{"error": "no embedding provider configured"})
		return
	}

	limit := queryInt(r, "limit", 10)
	threshold := queryFloat(r, "threshold", 0)

	vec, err := s.embedder.Embed(r.Context(), query)
	if err != nil {
		writeJSON(w, 502, map[string]string{"error": "embedding failed: " + err.Error()})
		return
	}
	results, err := s.store.Search(r.Context(), vec, limit, threshold)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{
		"results": searchViews(results),
		"total":   len(results),
	})
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	setAPIHeaders(w)
	if r.Method != http.MethodGet {
		writeJSON(w, 405, map[string]string{"error": "method not allowed"})
		return
	}

	cfg, err := s.layoutConfig(r)
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": err.Error()})
		return
	}

	docs, err := s.store.ListDocuments(r.Context(), 0)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}

	spatialDocs := make([]spatial.Document, 0, len(docs))
	kept := make([]*store.Document, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) == 0 {
			continue
		}
		spatialDocs = append(spatialDocs, spatial.Document{ID: d.ID, Embedding: d.Embedding})
		kept = append(kept, d)
	}

	layout, err := spatial.NewOrganizer(cfg).Organize(spatialDocs)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}

	resp := buildLayoutResponse(kept, layout, spatial.Resolution{})
	writeJSON(w, 200, map[string]any{
		"clusters": resp.Clusters,
		"total":    len(resp.Clusters),
	})
}

func (s *Server) handleSuggestClusters(w http.ResponseWriter, r *http.Request) {
	setAPIHeaders(w)

	docs, err := s.store.ListDocuments(r.Context(), 0)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	embeddings := make([][]float32, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) > 0 {
			embeddings = append(embeddings, d.Embedding)
		}
	}
	suggested := spatial.SuggestClusterCount(embeddings, s.layout.Seed)
	writeJSON(w, 200, map[string]any{
		"suggested_clusters": suggested,
		"documents":          len(embeddings),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	setAPIHeaders(w)
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, stats)
}

// DocumentView is the JSON shape for a stored document. Embeddings are
// omitted from listings to keep payloads small.
type DocumentView struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Filename  string         `json:"filename,omitempty"`
	FileType  string         `json:"file_type,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedded  bool           `json:"embedded"`
	CreatedAt string         `json:"created_at"`
}

func documentView(d *store.Document, withContent bool) DocumentView {
	v := DocumentView{
		ID:        d.ID,
		Title:     d.Title,
		Filename:  d.Filename,
		FileType:  d.FileType,
		Metadata:  d.Metadata,
		Embedded:  len(d.Embedding) > 0,
		CreatedAt: d.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
	if withContent {
		v.Content = d.Content
	}
	return v
}

func documentViews(docs []*store.Document) []DocumentView {
	views := make([]DocumentView, len(docs))
	for i, d := range docs {
		views[i] = documentView(d, false)
	}
	return views
}

// SearchView pairs a document view with its similarity score.
type SearchView struct {
	DocumentView
	Score float64 `json:"score"`
}

func searchViews(results []*store.SearchResult) []SearchView {
	views := make([]SearchView, len(results))
	for i, r := range results {
		views[i] = SearchView{DocumentView: documentView(r.Document, false), Score: r.Score}
	}
	return views
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func setAPIHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	if v := r.URL.Query().Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
