package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const defaultHTTPAddr = ":8080"
const (
	defaultDBDriver      = "sqlite"
	defaultDBDSN         = "agentview.db"
	defaultCacheCapacity = 100
	defaultMaxAgents     = 4
)

type Config struct {
	HTTPAddr      string
	DBDriver      string
	DBDSN         string
	CacheCapacity int
	MaxAgents     int
	// AgentCmds maps an agent type to the command line that runs it,
	// parsed from AGENTVIEW_AGENT_CMDS ("claude=claude --stream,codex=codex run").
	AgentCmds map[string][]string
	// WebhookURLs receive every broadcast event as a JSON POST.
	WebhookURLs []string
}

func FromEnv() Config {
	addr := strings.TrimSpace(os.Getenv("AGENTVIEW_HTTP_ADDR"))
	if addr == "" {
		addr = defaultHTTPAddr
	}

	driver := strings.TrimSpace(os.Getenv("AGENTVIEW_DB_DRIVER"))
	if driver == "" {
		driver = defaultDBDriver
	}
	dsn := strings.TrimSpace(os.Getenv("AGENTVIEW_DB_DSN"))
	if dsn == "" {
		dsn = defaultDBDSN
	}

	cacheCapacity := parseIntEnv("AGENTVIEW_CACHE_CAPACITY", defaultCacheCapacity)
	maxAgents := parseIntEnv("AGENTVIEW_MAX_AGENTS", defaultMaxAgents)

	return Config{
		HTTPAddr:      addr,
		DBDriver:      strings.ToLower(driver),
		DBDSN:         dsn,
		CacheCapacity: cacheCapacity,
		MaxAgents:     maxAgents,
		AgentCmds:     parseAgentCmds(os.Getenv("AGENTVIEW_AGENT_CMDS")),
		WebhookURLs:   parseList(os.Getenv("AGENTVIEW_WEBHOOK_URLS")),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("AGENTVIEW_HTTP_ADDR must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("AGENTVIEW_DB_DRIVER must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("AGENTVIEW_DB_DSN must not be empty")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("AGENTVIEW_CACHE_CAPACITY must be > 0")
	}
	if c.MaxAgents < 0 {
		return fmt.Errorf("AGENTVIEW_MAX_AGENTS must be >= 0")
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("AGENTVIEW_WEBHOOK_URLS entry %q must be an http(s) url", u)
		}
	}
	return nil
}

func parseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// parseAgentCmds splits "name=command args,name2=command2" into a
// per-agent-type argv. Malformed entries are skipped.
func parseAgentCmds(raw string) map[string][]string {
	cmds := make(map[string][]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, command, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		argv := strings.Fields(command)
		if !ok || name == "" || len(argv) == 0 {
			continue
		}
		cmds[name] = argv
	}
	return cmds
}

func parseList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
