// Package config resolves Palace settings from, in increasing priority,
// the YAML config file, PALACE_* environment variables, and CLI flags.
// Each resolved value remembers where it came from so `palace config`
// can explain the effective configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// IntOr parses the value as an integer, returning def when unset or
// unparseable.
func (v ResolvedValue) IntOr(def int) int {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// FloatOr parses the value as a float, returning def when unset or
// unparseable.
func (v ResolvedValue) FloatOr(def float64) float64 {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

type ResolveOptions struct {
	ConfigPath string

	CLIDBPath     string
	CLIEmbed      string
	CLIProjection string
	CLICluster    string
	CLINClusters  string
	CLIThreshold  string
	CLIRadius     string
	CLISeed       string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	ProjectionMethod    ResolvedValue `json:"projection_method"`
	ClusterMethod       ResolvedValue `json:"cluster_method"`
	NClusters           ResolvedValue `json:"n_clusters"`
	ConnectionThreshold ResolvedValue `json:"connection_threshold"`
	BoundingRadius      ResolvedValue `json:"bounding_radius"`
	Seed                ResolvedValue `json:"seed"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Embed  struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"embed"`
	Layout struct {
		Projection          string  `yaml:"projection"`
		Cluster             string  `yaml:"cluster"`
		NClusters           int     `yaml:"n_clusters"`
		ConnectionThreshold float64 `yaml:"connection_threshold"`
		BoundingRadius      float64 `yaml:"bounding_radius"`
		Seed                int64   `yaml:"seed"`
	} `yaml:"layout"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".palace", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		if key := strings.TrimSpace(cfg.Embed.APIKey); key != "" {
			out.EmbedAPIKey = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}

		apply(&out.ProjectionMethod, cfg.Layout.Projection, SourceConfig, path)
		apply(&out.ClusterMethod, cfg.Layout.Cluster, SourceConfig, path)
		if cfg.Layout.NClusters > 0 {
			apply(&out.NClusters, strconv.Itoa(cfg.Layout.NClusters), SourceConfig, path)
		}
		if cfg.Layout.ConnectionThreshold > 0 {
			apply(&out.ConnectionThreshold,
				strconv.FormatFloat(cfg.Layout.ConnectionThreshold, 'g', -1, 64), SourceConfig, path)
		}
		if cfg.Layout.BoundingRadius > 0 {
			apply(&out.BoundingRadius,
				strconv.FormatFloat(cfg.Layout.BoundingRadius, 'g', -1, 64), SourceConfig, path)
		}
		if cfg.Layout.Seed != 0 {
			apply(&out.Seed, strconv.FormatInt(cfg.Layout.Seed, 10), SourceConfig, path)
		}
	}

	applyEnv(&out.DBPath, "PALACE_DB")
	applyEnv(&out.DBPath, "PALACE_DB_PATH")

	applyEnv(&out.EmbedProvider, "PALACE_EMBED")
	applyEnv(&out.EmbedEndpoint, "PALACE_EMBED_ENDPOINT")
	if v := strings.TrimSpace(os.Getenv("PALACE_EMBED_API_KEY")); v != "" {
		out.EmbedAPIKey = ResolvedValue{Value: v, Source: SourceEnv, From: "PALACE_EMBED_API_KEY"}
	}

	applyEnv(&out.ProjectionMethod, "PALACE_PROJECTION")
	applyEnv(&out.ClusterMethod, "PALACE_CLUSTER")
	applyEnv(&out.NClusters, "PALACE_CLUSTERS")
	applyEnv(&out.ConnectionThreshold, "PALACE_CONNECTION_THRESHOLD")
	applyEnv(&out.BoundingRadius, "PALACE_RADIUS")
	applyEnv(&out.Seed, "PALACE_SEED")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.ProjectionMethod, opts.CLIProjection, SourceCLI, "--projection")
	apply(&out.ClusterMethod, opts.CLICluster, SourceCLI, "--cluster")
	apply(&out.NClusters, opts.CLINClusters, SourceCLI, "--clusters")
	apply(&out.ConnectionThreshold, opts.CLIThreshold, SourceCLI, "--threshold")
	apply(&out.BoundingRadius, opts.CLIRadius, SourceCLI, "--radius")
	apply(&out.Seed, opts.CLISeed, SourceCLI, "--seed")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
