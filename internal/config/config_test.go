package config

import (
	"reflect"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"AGENTVIEW_HTTP_ADDR",
		"AGENTVIEW_DB_DRIVER",
		"AGENTVIEW_DB_DSN",
		"AGENTVIEW_CACHE_CAPACITY",
		"AGENTVIEW_MAX_AGENTS",
		"AGENTVIEW_AGENT_CMDS",
		"AGENTVIEW_WEBHOOK_URLS",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr: %q", cfg.HTTPAddr)
	}
	if cfg.DBDriver != "sqlite" || cfg.DBDSN != "agentview.db" {
		t.Fatalf("db defaults: driver=%q dsn=%q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.CacheCapacity != 100 || cfg.MaxAgents != 4 {
		t.Fatalf("numeric defaults: cache=%d agents=%d", cfg.CacheCapacity, cfg.MaxAgents)
	}
	if len(cfg.AgentCmds) != 0 || len(cfg.WebhookURLs) != 0 {
		t.Fatalf("expected empty cmds and webhooks: %v %v", cfg.AgentCmds, cfg.WebhookURLs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("AGENTVIEW_HTTP_ADDR", " :9090 ")
	t.Setenv("AGENTVIEW_DB_DRIVER", "Postgres")
	t.Setenv("AGENTVIEW_DB_DSN", "host=db user=agentview")
	t.Setenv("AGENTVIEW_CACHE_CAPACITY", "250")
	t.Setenv("AGENTVIEW_MAX_AGENTS", "0")
	t.Setenv("AGENTVIEW_AGENT_CMDS", "claude=claude --output-format stream-json, codex=codex run ,broken")
	t.Setenv("AGENTVIEW_WEBHOOK_URLS", "https://hooks.example.com/a, https://hooks.example.com/b")

	cfg := FromEnv()
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("HTTPAddr: %q", cfg.HTTPAddr)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("DBDriver not lowercased: %q", cfg.DBDriver)
	}
	if cfg.CacheCapacity != 250 || cfg.MaxAgents != 0 {
		t.Fatalf("numeric overrides: cache=%d agents=%d", cfg.CacheCapacity, cfg.MaxAgents)
	}

	wantCmds := map[string][]string{
		"claude": {"claude", "--output-format", "stream-json"},
		"codex":  {"codex", "run"},
	}
	if !reflect.DeepEqual(cfg.AgentCmds, wantCmds) {
		t.Fatalf("AgentCmds: %v", cfg.AgentCmds)
	}
	if !reflect.DeepEqual(cfg.WebhookURLs, []string{"https://hooks.example.com/a", "https://hooks.example.com/b"}) {
		t.Fatalf("WebhookURLs: %v", cfg.WebhookURLs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFromEnvIgnoresUnparseableNumbers(t *testing.T) {
	t.Setenv("AGENTVIEW_CACHE_CAPACITY", "lots")
	t.Setenv("AGENTVIEW_MAX_AGENTS", "")

	cfg := FromEnv()
	if cfg.CacheCapacity != 100 || cfg.MaxAgents != 4 {
		t.Fatalf("fallbacks: cache=%d agents=%d", cfg.CacheCapacity, cfg.MaxAgents)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.HTTPAddr = " " }},
		{"bad driver", func(c *Config) { c.DBDriver = "oracle" }},
		{"empty dsn", func(c *Config) { c.DBDSN = "" }},
		{"zero cache", func(c *Config) { c.CacheCapacity = 0 }},
		{"negative agents", func(c *Config) { c.MaxAgents = -1 }},
		{"bad webhook", func(c *Config) { c.WebhookURLs = []string{"ftp://nope"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				HTTPAddr:      ":8080",
				DBDriver:      "sqlite",
				DBDSN:         "agentview.db",
				CacheCapacity: 100,
				MaxAgents:     4,
			}
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
