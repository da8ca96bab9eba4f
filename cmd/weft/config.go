package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// MCPServerEntry configures one MCP tool server to spawn at startup.
type MCPServerEntry struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Config holds all weft server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string           `json:"db_path"`
	LogLevel     string           `json:"log_level"`
	AgentURL     string           `json:"agent_url"`
	AgentAPIKey  string           `json:"agent_api_key"`
	MCPServers   []MCPServerEntry `json:"mcp_servers,omitempty"`
	Scheduler    bool             `json:"scheduler"`
	WorkflowsDir string           `json:"workflows_dir"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(weftDir(), "weft.db"),
		LogLevel:     "info",
		Scheduler:    true,
		WorkflowsDir: filepath.Join(weftDir(), "workflows"),
	}
}

func weftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}

func settingsPath() string {
	return filepath.Join(weftDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("WEFT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WEFT_AGENT_URL"); v != "" {
		cfg.AgentURL = v
	}
	if v := os.Getenv("WEFT_AGENT_API_KEY"); v != "" {
		cfg.AgentAPIKey = v
	}
	if v := os.Getenv("WEFT_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("WEFT_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	// WEFT_MCP_SERVERS: comma-separated "id=command arg1 arg2" entries.
	if v := os.Getenv("WEFT_MCP_SERVERS"); v != "" {
		cfg.MCPServers = parseMCPServers(v)
	}

	return cfg
}

func parseMCPServers(raw string) []MCPServerEntry {
	var out []MCPServerEntry
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		id, cmdline, ok := strings.Cut(entry, "=")
		if !ok || id == "" || cmdline == "" {
			continue
		}
		parts := strings.Fields(cmdline)
		out = append(out, MCPServerEntry{
			ID:      strings.TrimSpace(id),
			Command: parts[0],
			Args:    parts[1:],
		})
	}
	return out
}
