// Package config resolves runtime configuration from CLI flags and
// environment variables (flags win), and builds the router pool layout the
// rest of the runtime is wired from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ghost/internal/router"
)

// Config is the fully-resolved runtime configuration for one process.
type Config struct {
	Host       string
	Port       int
	UpstreamURL string

	SwarmNodes  string
	WorkerNodes string
	VisualNodes string
	CodingNodes string

	Model          string
	Temperature    float64
	MaxContext     int
	APIKey         string
	DefaultDB      string
	SmartMemory    float64
	Anonymous      bool
	PerfectIt      bool
	NoMemory       bool
	Daemon         bool
	Debug          bool
	Verbose        bool

	GhostHome string
	TorProxy  string
}

// RegisterFlags attaches every CLI flag named in the runtime's external
// interface to cmd, with defaults that fall through to environment variables
// already loaded via godotenv at process start.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("host", "0.0.0.0", "HTTP listen host")
	f.Int("port", 8080, "HTTP listen port")
	f.String("upstream-url", "", "default OpenAI-compatible upstream base URL")
	f.String("swarm-nodes", "", "comma-separated url|model_label list for the swarm delegation pool")
	f.String("worker-nodes", "", "comma-separated url|model_label list for the worker pool")
	f.String("visual-nodes", "", "comma-separated url|model_label list for the vision pool")
	f.String("coding-nodes", "", "comma-separated url|model_label list for the coding pool")
	f.String("model", "", "default model label")
	f.Float64("temperature", 0.3, "base responder temperature")
	f.Int("max-context", 32000, "maximum context window in tokens")
	f.String("api-key", "", "API key required on the X-Ghost-Key header")
	f.String("default-db", "", "default postgres_admin connection string")
	f.Float64("smart-memory", 1.0, "smart memory extraction rate; 0.0 disables")
	f.Bool("anonymous", false, "route upstream calls through the configured SOCKS5 proxy")
	f.Bool("perfect-it", false, "enable the Perfection Protocol heuristic critic pass")
	f.Bool("no-memory", false, "disable long-term vector memory entirely")
	f.Bool("daemon", false, "run detached, logging to file instead of stdout")
	f.Bool("debug", false, "enable debug logging")
	f.Bool("verbose", false, "enable verbose logging")
}

// Load reads environment variables (after .env has been loaded by the
// caller) and overlays CLI flags, which always win over the environment.
func Load(cmd *cobra.Command) (Config, error) {
	_ = godotenv.Load()

	f := cmd.Flags()
	cfg := Config{
		GhostHome: envOr("GHOST_HOME", os.Getenv("HOME")+"/.ghost"),
		TorProxy:  os.Getenv("TOR_PROXY"),
	}

	cfg.Host, _ = f.GetString("host")
	cfg.Port, _ = f.GetInt("port")
	cfg.UpstreamURL, _ = f.GetString("upstream-url")
	cfg.SwarmNodes, _ = f.GetString("swarm-nodes")
	cfg.WorkerNodes, _ = f.GetString("worker-nodes")
	cfg.VisualNodes, _ = f.GetString("visual-nodes")
	cfg.CodingNodes, _ = f.GetString("coding-nodes")
	cfg.MaxContext, _ = f.GetInt("max-context")
	cfg.SmartMemory, _ = f.GetFloat64("smart-memory")
	cfg.Anonymous, _ = f.GetBool("anonymous")
	cfg.PerfectIt, _ = f.GetBool("perfect-it")
	cfg.NoMemory, _ = f.GetBool("no-memory")
	cfg.Daemon, _ = f.GetBool("daemon")
	cfg.Debug, _ = f.GetBool("debug")
	cfg.Verbose, _ = f.GetBool("verbose")

	cfg.Model = firstNonEmptyFlag(f, "model", os.Getenv("GHOST_MODEL"))
	cfg.APIKey = firstNonEmptyFlag(f, "api-key", os.Getenv("GHOST_API_KEY"))
	cfg.DefaultDB = firstNonEmptyFlag(f, "default-db", os.Getenv("GHOST_DEFAULT_DB"))

	temp, _ := f.GetFloat64("temperature")
	cfg.Temperature = temp

	if cfg.APIKey == "" {
		return cfg, fmt.Errorf("config: api key is required (--api-key or GHOST_API_KEY)")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmptyFlag(f interface{ GetString(string) (string, error) }, name, envFallback string) string {
	if v, err := f.GetString(name); err == nil && v != "" {
		return v
	}
	return envFallback
}

// NodeSpec is one parsed "url|model_label|backend" entry from a *-nodes
// flag. Backend defaults to "openai" when omitted, matching every
// OpenAI-compatible upstream (vLLM, llama.cpp server, LiteLLM, etc.).
type NodeSpec struct {
	URL     string
	Model   string
	Backend string
}

// ParseNodeList splits a comma-separated "url|model_label|backend,..." flag
// value. An entry missing the "|model_label" suffix gets an empty model
// label, meaning the router treats it as round-robin-only (no affinity
// matching). An entry missing "|backend" defaults to "openai".
func ParseNodeList(raw string) []NodeSpec {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []NodeSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, "|")
		spec := NodeSpec{URL: fields[0], Backend: "openai"}
		if len(fields) > 1 {
			spec.Model = fields[1]
		}
		if len(fields) > 2 && fields[2] != "" {
			spec.Backend = fields[2]
		}
		out = append(out, spec)
	}
	return out
}

// ClassList returns the auxiliary-pool Class->flag-value pairing the runtime
// wires its router pools from. ClassMain is built separately from
// UpstreamURL since it takes a single default node rather than a
// comma-separated list.
func (c Config) ClassList() map[router.Class]string {
	return map[router.Class]string{
		router.ClassWorker:  c.WorkerNodes,
		router.ClassVision:  c.VisualNodes,
		router.ClassCoding:  c.CodingNodes,
		router.ClassPlanner: c.WorkerNodes,
	}
}

// Addr joins the discrete Host and Port fields into a "host:port" address,
// for net.Listen.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
