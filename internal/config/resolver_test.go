package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `db_path: ~/.palace/from-config.db
embed:
  provider: ollama/nomic-embed-text
layout:
  projection: tsne
  cluster: kmeans
  n_clusters: 7
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PALACE_DB", "~/from-env.db")
	t.Setenv("PALACE_PROJECTION", "pca")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath:    cfgPath,
		CLIDBPath:     "~/from-cli.db",
		CLIProjection: "umap",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI {
		t.Fatalf("expected DB path source cli, got %s", resolved.DBPath.Source)
	}
	if resolved.ProjectionMethod.Source != SourceCLI || resolved.ProjectionMethod.Value != "umap" {
		t.Fatalf("expected projection from cli, got %+v", resolved.ProjectionMethod)
	}
	if resolved.ClusterMethod.Source != SourceConfig || resolved.ClusterMethod.Value != "kmeans" {
		t.Fatalf("expected cluster method from config, got %+v", resolved.ClusterMethod)
	}
	if resolved.NClusters.IntOr(0) != 7 {
		t.Fatalf("expected 7 clusters from config, got %+v", resolved.NClusters)
	}
	if resolved.EmbedProvider.Value != "ollama/nomic-embed-text" {
		t.Fatalf("unexpected embed provider: %+v", resolved.EmbedProvider)
	}
}

func TestResolveConfig_EnvOverridesConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `embed:
  provider: ollama/all-minilm
  api_key: config-key
layout:
  connection_threshold: 0.7
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PALACE_EMBED_API_KEY", "env-key")
	t.Setenv("PALACE_CONNECTION_THRESHOLD", "0.85")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.EmbedAPIKey.Value != "env-key" || resolved.EmbedAPIKey.Source != SourceEnv {
		t.Fatalf("expected env api key, got %+v", resolved.EmbedAPIKey)
	}
	if got := resolved.ConnectionThreshold.FloatOr(0); got != 0.85 {
		t.Fatalf("threshold = %v, want 0.85 from env", got)
	}
}

func TestResolveConfig_MissingFileIsNotAnError(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "nope.yaml"),
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.DBPath.Value != "" {
		t.Fatalf("expected empty db path, got %+v", resolved.DBPath)
	}
}

func TestResolvedValueParsers(t *testing.T) {
	if got := (ResolvedValue{Value: "42"}).IntOr(5); got != 42 {
		t.Fatalf("IntOr = %d, want 42", got)
	}
	if got := (ResolvedValue{}).IntOr(5); got != 5 {
		t.Fatalf("IntOr default = %d, want 5", got)
	}
	if got := (ResolvedValue{Value: "bogus"}).IntOr(5); got != 5 {
		t.Fatalf("IntOr unparseable = %d, want 5", got)
	}
	if got := (ResolvedValue{Value: "0.8"}).FloatOr(0.5); got != 0.8 {
		t.Fatalf("FloatOr = %v, want 0.8", got)
	}
	if got := (ResolvedValue{}).FloatOr(0.5); got != 0.5 {
		t.Fatalf("FloatOr default = %v, want 0.5", got)
	}
}

func TestExpandUserPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got := expandUserPath("~/.palace/palace.db")
	want := filepath.Join(home, ".palace", "palace.db")
	if got != want {
		t.Fatalf("expandUserPath = %q, want %q", got, want)
	}
	if got := expandUserPath("/abs/path.db"); got != "/abs/path.db" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
