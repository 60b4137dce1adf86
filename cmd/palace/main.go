package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/palacelabs/palace/internal/config"
	"github.com/palacelabs/palace/internal/embed"
	"github.com/palacelabs/palace/internal/mcp"
	"github.com/palacelabs/palace/internal/server"
	"github.com/palacelabs/palace/internal/spatial"
	"github.com/palacelabs/palace/internal/store"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "add":
		err = runAdd(os.Args[2:])
	case "search":
		err = runSearch(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "organize":
		err = runOrganize(os.Args[2:])
	case "suggest-k":
		err = runSuggestK(os.Args[2:])
	case "connections":
		err = runConnections(os.Args[2:])
	case "delete":
		err = runDelete(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("palace %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliFlags collects the shared flags every subcommand understands plus
// that command's positional arguments.
type cliFlags struct {
	positional []string
	opts       config.ResolveOptions

	limit     string
	threshold string
	max       string
	port      string
	title     string
	fileType  string
	jsonOut   bool
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func(name string) (string, error) {
			i++
			if i >= len(args) {
				return "", fmt.Errorf("%s requires a value", name)
			}
			return args[i], nil
		}

		var err error
		switch arg {
		case "--db":
			f.opts.CLIDBPath, err = next(arg)
		case "--config":
			f.opts.ConfigPath, err = next(arg)
		case "--embed":
			f.opts.CLIEmbed, err = next(arg)
		case "--projection":
			f.opts.CLIProjection, err = next(arg)
		case "--cluster":
			f.opts.CLICluster, err = next(arg)
		case "--clusters":
			f.opts.CLINClusters, err = next(arg)
		case "--threshold":
			f.threshold, err = next(arg)
			f.opts.CLIThreshold = f.threshold
		case "--radius":
			f.opts.CLIRadius, err = next(arg)
		case "--seed":
			f.opts.CLISeed, err = next(arg)
		case "--limit":
			f.limit, err = next(arg)
		case "--max":
			f.max, err = next(arg)
		case "--port":
			f.port, err = next(arg)
		case "--title":
			f.title, err = next(arg)
		case "--type":
			f.fileType, err = next(arg)
		case "--json":
			f.jsonOut = true
		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown flag: %s", arg)
			}
			f.positional = append(f.positional, arg)
		}
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *cliFlags) resolve() (config.ResolvedConfig, error) {
	return config.ResolveConfig(f.opts)
}

func openStore(resolved config.ResolvedConfig) (*store.SQLiteStore, error) {
	return store.NewStore(store.Config{DBPath: resolved.DBPath.Value})
}

func openEmbedder(resolved config.ResolvedConfig) (embed.Embedder, error) {
	spec := resolved.EmbedProvider.Value
	if spec == "" {
		return nil, nil
	}
	cfg, err := embed.ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	if resolved.EmbedEndpoint.Value != "" {
		cfg.Endpoint = resolved.EmbedEndpoint.Value
	}
	if resolved.EmbedAPIKey.Value != "" {
		cfg.APIKey = resolved.EmbedAPIKey.Value
	}
	return embed.New(cfg)
}

func layoutConfig(resolved config.ResolvedConfig) (spatial.Config, error) {
	cfg := spatial.Config{
		NClusters:           resolved.NClusters.IntOr(0),
		ConnectionThreshold: resolved.ConnectionThreshold.FloatOr(spatial.DefaultConnectionThreshold),
		BoundingRadius:      resolved.BoundingRadius.FloatOr(spatial.DefaultBoundingRadius),
		Seed:                int64(resolved.Seed.IntOr(int(spatial.DefaultSeed))),
		Logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}
	if v := resolved.ProjectionMethod.Value; v != "" {
		method, err := spatial.ParseProjectionMethod(v)
		if err != nil {
			return cfg, err
		}
		cfg.ProjectionMethod = method
	}
	if v := resolved.ClusterMethod.Value; v != "" {
		method, err := spatial.ParseClusterMethod(v)
		if err != nil {
			return cfg, err
		}
		cfg.ClusterMethod = method
	}
	return cfg, nil
}

func runAdd(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.positional) == 0 {
		return fmt.Errorf("usage: palace add <file-or-text> [--title t] [--type markdown]")
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	embedder, err := openEmbedder(resolved)
	if err != nil {
		return err
	}
	if embedder == nil {
		return fmt.Errorf("no embedding provider configured (set --embed provider/model or PALACE_EMBED)")
	}

	ctx := context.Background()
	for _, input := range f.positional {
		doc := &store.Document{
			Title:    f.title,
			FileType: f.fileType,
		}
		if data, err := os.ReadFile(input); err == nil {
			doc.Content = string(data)
			doc.Filename = input
			if doc.FileType == "" {
				doc.FileType = fileTypeOf(input)
			}
		} else {
			doc.Content = input
			if doc.FileType == "" {
				doc.FileType = "text"
			}
		}

		doc.Embedding, err = embedder.Embed(ctx, doc.Content)
		if err != nil {
			return fmt.Errorf("embedding %q: %w", input, err)
		}
		id, err := s.AddDocument(ctx, doc)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s (%d dims)\n", id, len(doc.Embedding))
	}
	return nil
}

func runSearch(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.positional) == 0 {
		return fmt.Errorf("usage: palace search <query> [--limit n] [--threshold 0.5]")
	}
	query := strings.Join(f.positional, " ")

	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	embedder, err := openEmbedder(resolved)
	if err != nil {
		return err
	}
	if embedder == nil {
		return fmt.Errorf("no embedding provider configured")
	}

	ctx := context.Background()
	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}

	limit := config.ResolvedValue{Value: f.limit}.IntOr(10)
	threshold := config.ResolvedValue{Value: f.threshold}.FloatOr(0)
	results, err := s.Search(ctx, vec, limit, threshold)
	if err != nil {
		return err
	}

	if f.jsonOut {
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, r := range results {
		title := r.Document.Title
		if title == "" {
			title = r.Document.ID
		}
		fmt.Printf("%2d. [%.3f] %s\n", i+1, r.Score, title)
	}
	return nil
}

func runList(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	docs, err := s.ListDocuments(context.Background(), config.ResolvedValue{Value: f.limit}.IntOr(100))
	if err != nil {
		return err
	}
	if f.jsonOut {
		return printJSON(docs)
	}
	for _, d := range docs {
		title := d.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %-10s %s\n", d.ID, d.FileType, title)
	}
	fmt.Printf("%d document(s)\n", len(docs))
	return nil
}

func runOrganize(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg, err := layoutConfig(resolved)
	if err != nil {
		return err
	}

	docs, err := s.ListDocuments(context.Background(), 0)
	if err != nil {
		return err
	}
	spatialDocs := make([]spatial.Document, 0, len(docs))
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) == 0 {
			continue
		}
		spatialDocs = append(spatialDocs, spatial.Document{ID: d.ID, Embedding: d.Embedding})
		ids = append(ids, d.ID)
	}

	organizer := spatial.NewOrganizer(cfg)
	layout, err := organizer.Organize(spatialDocs)
	if err != nil {
		return err
	}

	if f.jsonOut {
		type placed struct {
			ID       string           `json:"id"`
			Position spatial.Position `json:"position"`
			Cluster  int              `json:"cluster"`
		}
		out := struct {
			Documents   []placed                 `json:"documents"`
			Clusters    []spatial.ClusterSummary `json:"clusters"`
			Connections []spatial.Connection     `json:"connections"`
			Spread      float64                  `json:"spread"`
			Projection  spatial.Resolution       `json:"projection"`
		}{
			Clusters:    layout.Clusters,
			Connections: layout.Connections,
			Spread:      layout.Spread,
			Projection:  organizer.ProjectionResolution(),
		}
		for i, id := range ids {
			out.Documents = append(out.Documents, placed{
				ID: id, Position: layout.Positions[i], Cluster: int(layout.Labels[i]),
			})
		}
		return printJSON(out)
	}

	res := organizer.ProjectionResolution()
	fmt.Printf("Organized %d documents (projection: %s", len(ids), res.Resolved)
	if res.Reason != "" {
		fmt.Printf(", requested %s: %s", res.Requested, res.Reason)
	}
	fmt.Printf(")\n")
	fmt.Printf("Clusters: %d   Connections: %d   Spread: %.2f\n",
		len(layout.Clusters), len(layout.Connections), layout.Spread)
	for _, c := range layout.Clusters {
		fmt.Printf("  cluster %d: %d document(s) centered at (%.2f, %.2f, %.2f)\n",
			c.ID, c.Size, c.Center.X, c.Center.Y, c.Center.Z)
	}
	noise := 0
	for _, l := range layout.Labels {
		if l.Noise() {
			noise++
		}
	}
	if noise > 0 {
		fmt.Printf("  noise: %d document(s)\n", noise)
	}
	return nil
}

func runSuggestK(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	docs, err := s.ListDocuments(context.Background(), 0)
	if err != nil {
		return err
	}
	embeddings := make([][]float32, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) > 0 {
			embeddings = append(embeddings, d.Embedding)
		}
	}

	seed := int64(resolved.Seed.IntOr(int(spatial.DefaultSeed)))
	suggested := spatial.SuggestClusterCount(embeddings, seed)
	if f.jsonOut {
		return printJSON(map[string]int{"suggested_clusters": suggested, "documents": len(embeddings)})
	}
	fmt.Printf("Suggested cluster count for %d documents: %d\n", len(embeddings), suggested)
	return nil
}

func runConnections(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.positional) != 1 {
		return fmt.Errorf("usage: palace connections <document-id> [--threshold 0.8] [--max 5]")
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	threshold := config.ResolvedValue{Value: f.threshold}.FloatOr(spatial.DefaultConnectionThreshold)
	max := config.ResolvedValue{Value: f.max}.IntOr(5)

	results, err := s.Connections(context.Background(), f.positional[0], threshold, max)
	if err != nil {
		return err
	}
	if f.jsonOut {
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("No connections above threshold.")
		return nil
	}
	for _, r := range results {
		title := r.Document.Title
		if title == "" {
			title = r.Document.ID
		}
		fmt.Printf("[%.3f] %s\n", r.Score, title)
	}
	return nil
}

func runDelete(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.positional) == 0 {
		return fmt.Errorf("usage: palace delete <document-id>...")
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	for _, id := range f.positional {
		if err := s.DeleteDocument(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", id)
	}
	return nil
}

func runStats(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats(context.Background())
	if err != nil {
		return err
	}
	if f.jsonOut {
		return printJSON(stats)
	}
	fmt.Printf("Documents:  %d\n", stats.DocumentCount)
	fmt.Printf("Dimensions: %d\n", stats.Dimensions)
	fmt.Printf("DB size:    %.1f KB\n", float64(stats.DBSizeBytes)/1024)
	for ft, n := range stats.FileTypes {
		fmt.Printf("  %-10s %d\n", ft, n)
	}
	return nil
}

func runServe(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	embedder, err := openEmbedder(resolved)
	if err != nil {
		return err
	}
	cfg, err := layoutConfig(resolved)
	if err != nil {
		return err
	}

	port := config.ResolvedValue{Value: f.port}.IntOr(8417)
	return server.Serve(server.Config{
		Store:    s,
		Embedder: embedder,
		Layout:   cfg,
		Port:     port,
	})
}

func runMCP(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	s, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer s.Close()

	embedder, err := openEmbedder(resolved)
	if err != nil {
		return err
	}
	cfg, err := layoutConfig(resolved)
	if err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.ServerConfig{
		Store:    s,
		Version:  version,
		Embedder: embedder,
		Layout:   cfg,
	})
	return mcpserver.ServeStdio(srv)
}

func runConfig(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := f.resolve()
	if err != nil {
		return err
	}
	return printJSON(resolved)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fileTypeOf(path string) string {
	switch {
	case strings.HasSuffix(path, ".md"), strings.HasSuffix(path, ".markdown"):
		return "markdown"
	case strings.HasSuffix(path, ".pdf"):
		return "pdf"
	case strings.HasSuffix(path, ".html"), strings.HasSuffix(path, ".htm"):
		return "html"
	case strings.HasSuffix(path, ".json"):
		return "json"
	default:
		return "text"
	}
}

func printUsage() {
	fmt.Printf(`palace %s — Spatial memory palace for your documents

Usage:
  palace <command> [arguments]

Commands:
  add <file-or-text>     Embed and store a document
  search <query>         Semantic search across the collection
  list                   List stored documents
  organize               Compute the 3D spatial layout
  suggest-k              Suggest a cluster count (elbow method)
  connections <id>       Show documents connected to one document
  delete <id>            Delete documents by id
  stats                  Show collection statistics
  serve                  Start the HTTP API (default port 8417)
  mcp                    Start the MCP server on stdio
  config                 Print the resolved configuration
  version                Print version

Common Flags:
  --db <path>            Database path (default ~/.palace/palace.db)
  --config <path>        Config file (default ~/.palace/config.yaml)
  --embed <prov/model>   Embedding provider (ollama, openai, openrouter, custom, local, mock)
  --projection <m>       Layout projection: pca, tsne, umap
  --cluster <m>          Clustering: kmeans, density
  --clusters <n>         Cluster count for kmeans (0 = auto)
  --threshold <t>        Connection similarity threshold (default 0.8)
  --json                 JSON output

Documentation:
  https://github.com/palacelabs/palace
`, version)
}
