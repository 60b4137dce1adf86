// Package mcp provides a Model Context Protocol server for Palace.
//
// It exposes the document collection (add, search, delete, connections)
// and the spatial layout engine (layout, cluster suggestion, stats) as
// MCP tools, plus collection statistics as an MCP resource. The stdio
// transport serves Claude Desktop, Cursor, and similar clients.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/palacelabs/palace/internal/embed"
	"github.com/palacelabs/palace/internal/spatial"
	"github.com/palacelabs/palace/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store    store.Store
	Version  string
	Embedder embed.Embedder // optional; palace_add and palace_search need it
	Layout   spatial.Config
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines.
// SQLite (even with WAL) supports only one writer at a time, and concurrent
// reads during writes can return stale results. A global mutex ensures
// correct ordering: adds complete before layouts see their data.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all Palace tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Palace",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerAddTool(s, cfg.Store, cfg.Embedder)
	registerSearchTool(s, cfg.Store, cfg.Embedder)
	registerLayoutTool(s, cfg.Store, cfg.Layout)
	registerConnectionsTool(s, cfg.Store)
	registerSuggestClustersTool(s, cfg.Store, cfg.Layout)
	registerDeleteTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)

	registerStatsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerAddTool(s *server.MCPServer, st store.Store, embedder embed.Embedder) {
	tool := mcp.NewTool("palace_add",
		mcp.WithDescription("Add a document to the Palace collection. The content is embedded and becomes part of the spatial layout."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The document text to store and embed"),
		),
		mcp.WithString("title",
			mcp.Description("Human-readable document title"),
		),
		mcp.WithString("file_type",
			mcp.Description("Document type tag (e.g. 'markdown', 'pdf', 'text'). Defaults to 'text'."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError("content is required"), nil
		}
		if strings.TrimSpace(content) == "" {
			return mcp.NewToolResultError("document content cannot be empty"), nil
		}
		content = strings.ReplaceAll(content, "\x00", "")

		if embedder == nil {
			return mcp.NewToolResultError("no embedding provider configured"), nil
		}

		title := ""
		if v, err := req.RequireString("title"); err == nil {
			title = v
		}
		fileType := "text"
		if v, err := req.RequireString("file_type"); err == nil && v != "" {
			fileType = v
		}

		vec, err := embedder.Embed(ctx, content)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("embedding error: %v", err)), nil
		}

		id, err := st.AddDocument(ctx, &store.Document{
			Content:   content,
			Title:     title,
			FileType:  fileType,
			Embedding: vec,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("add error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(map[string]any{
			"id":         id,
			"dimensions": len(vec),
			"message":    "Document stored and embedded",
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSearchTool(s *server.MCPServer, st store.Store, embedder embed.Embedder) {
	tool := mcp.NewTool("palace_search",
		mcp.WithDescription("Semantic search across the Palace collection. Returns documents ranked by cosine similarity to the query."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query string"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 10, max: 50)"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum similarity score in [0, 1] (default: 0)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}
		if embedder == nil {
			return mcp.NewToolResultError("no embedding provider configured"), nil
		}

		limit := 10
		if v, err := req.RequireFloat("limit"); err == nil && int(v) > 0 {
			limit = int(v)
			if limit > 50 {
				limit = 50
			}
		}
		threshold := 0.0
		if v, err := req.RequireFloat("threshold"); err == nil {
			threshold = v
		}

		vec, err := embedder.Embed(ctx, query)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("embedding error: %v", err)), nil
		}

		results, err := st.Search(ctx, vec, limit, threshold)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(searchSummaries(results), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerLayoutTool(s *server.MCPServer, st store.Store, layout spatial.Config) {
	tool := mcp.NewTool("palace_layout",
		mcp.WithDescription("Compute the 3D spatial layout of the collection: positions, clusters, and similarity connections for every embedded document."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("projection",
			mcp.Description("Projection method: pca, tsne, or umap (default from config)"),
			mcp.Enum("pca", "tsne", "umap"),
		),
		mcp.WithString("cluster",
			mcp.Description("Clustering method: kmeans or density (default from config)"),
			mcp.Enum("kmeans", "density", "hdbscan", "dbscan"),
		),
		mcp.WithNumber("clusters",
			mcp.Description("Cluster count for kmeans; 0 derives one automatically"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		cfg := layout
		if v, err := req.RequireString("projection"); err == nil && v != "" {
			method, err := spatial.ParseProjectionMethod(v)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			cfg.ProjectionMethod = method
		}
		if v, err := req.RequireString("cluster"); err == nil && v != "" {
			method, err := spatial.ParseClusterMethod(v)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			cfg.ClusterMethod = method
		}
		if v, err := req.RequireFloat("clusters"); err == nil && int(v) > 0 {
			cfg.NClusters = int(v)
		}

		docs, err := st.ListDocuments(ctx, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing documents: %v", err)), nil
		}

		spatialDocs := make([]spatial.Document, 0, len(docs))
		ids := make([]string, 0, len(docs))
		titles := make([]string, 0, len(docs))
		for _, d := range docs {
			if len(d.Embedding) == 0 {
				continue
			}
			spatialDocs = append(spatialDocs, spatial.Document{ID: d.ID, Embedding: d.Embedding})
			ids = append(ids, d.ID)
			titles = append(titles, d.Title)
		}

		organizer := spatial.NewOrganizer(cfg)
		result, err := organizer.Organize(spatialDocs)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("layout error: %v", err)), nil
		}

		type placedDoc struct {
			ID       string           `json:"id"`
			Title    string           `json:"title,omitempty"`
			Position spatial.Position `json:"position"`
			Cluster  int              `json:"cluster"`
		}
		placed := make([]placedDoc, len(ids))
		for i := range ids {
			placed[i] = placedDoc{
				ID:       ids[i],
				Title:    titles[i],
				Position: result.Positions[i],
				Cluster:  int(result.Labels[i]),
			}
		}

		type namedConnection struct {
			Source   string  `json:"source"`
			Target   string  `json:"target"`
			Strength float64 `json:"strength"`
		}
		connections := make([]namedConnection, len(result.Connections))
		for i, c := range result.Connections {
			connections[i] = namedConnection{
				Source:   ids[c.Source],
				Target:   ids[c.Target],
				Strength: c.Strength,
			}
		}

		data, _ := json.MarshalIndent(map[string]any{
			"documents":   placed,
			"clusters":    result.Clusters,
			"connections": connections,
			"spread":      result.Spread,
			"projection":  organizer.ProjectionResolution(),
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerConnectionsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("palace_connections",
		mcp.WithDescription("Find the documents most similar to a given one, above a similarity threshold. Self-matches are excluded."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Document id to find connections for"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum similarity in [0, 1] (default: 0.8)"),
		),
		mcp.WithNumber("max",
			mcp.Description("Maximum number of connections (default: 5)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}

		threshold := spatial.DefaultConnectionThreshold
		if v, err := req.RequireFloat("threshold"); err == nil {
			threshold = v
		}
		max := 5
		if v, err := req.RequireFloat("max"); err == nil && int(v) > 0 {
			max = int(v)
		}

		results, err := st.Connections(ctx, id, threshold, max)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("connections error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(map[string]any{
			"document_id": id,
			"connections": searchSummaries(results),
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSuggestClustersTool(s *server.MCPServer, st store.Store, layout spatial.Config) {
	tool := mcp.NewTool("palace_suggest_clusters",
		mcp.WithDescription("Suggest a cluster count for the collection using the elbow method over k-means inertia."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		docs, err := st.ListDocuments(ctx, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing documents: %v", err)), nil
		}
		embeddings := make([][]float32, 0, len(docs))
		for _, d := range docs {
			if len(d.Embedding) > 0 {
				embeddings = append(embeddings, d.Embedding)
			}
		}

		suggested := spatial.SuggestClusterCount(embeddings, layout.Seed)
		data, _ := json.MarshalIndent(map[string]any{
			"suggested_clusters": suggested,
			"documents":          len(embeddings),
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerDeleteTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("palace_delete",
		mcp.WithDescription("Delete a document from the collection by id."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Document id to delete"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}
		if err := st.DeleteDocument(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(map[string]string{"deleted": id}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("palace_stats",
		mcp.WithDescription("Get collection statistics: document count, embedding dimensions, file type breakdown, and database size."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"palace://stats",
		"Collection Statistics",
		mcp.WithResourceDescription("Document count, embedding dimensions, file type breakdown, and database size."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading stats resource: %w", err)
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

// searchSummary is the tool-facing shape of a search hit; embeddings are
// omitted to keep tool output readable.
type searchSummary struct {
	ID       string  `json:"id"`
	Title    string  `json:"title,omitempty"`
	FileType string  `json:"file_type,omitempty"`
	Content  string  `json:"content,omitempty"`
	Score    float64 `json:"score"`
}

func searchSummaries(results []*store.SearchResult) []searchSummary {
	out := make([]searchSummary, len(results))
	for i, r := range results {
		content := r.Document.Content
		if len(content) > 300 {
			content = content[:300] + "…"
		}
		out[i] = searchSummary{
			ID:       r.Document.ID,
			Title:    r.Document.Title,
			FileType: r.Document.FileType,
			Content:  content,
			Score:    r.Score,
		}
	}
	return out
}
