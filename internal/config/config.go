// Package config defines the configuration types shared across mcp-router
// components: upstream server definitions, API clients, and process-level
// settings such as logging and data directories.
package config

import (
	"fmt"
	"strings"
)

// ServerType identifies how an upstream MCP server is reached.
type ServerType string

const (
	// ServerTypeLocal is a child process speaking MCP over stdio.
	ServerTypeLocal ServerType = "local"
	// ServerTypeRemote is a remote endpoint speaking MCP over SSE.
	ServerTypeRemote ServerType = "remote"
	// ServerTypeRemoteStreamable is a remote endpoint speaking streamable HTTP.
	ServerTypeRemoteStreamable ServerType = "remote-streamable"
)

// Status represents the runtime state of an upstream server.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// InputParam describes a named, typed, defaulted parameter that can be
// substituted into a local server's args and environment.
type InputParam struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ServerConfig is the persisted definition of an upstream MCP server.
// Runtime state (status, error message, logs) lives in the server manager,
// not here.
type ServerConfig struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Type               ServerType        `json:"type"`
	Command            string            `json:"command,omitempty"`
	Args               []string          `json:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	RemoteURL          string            `json:"remote_url,omitempty"`
	BearerToken        string            `json:"bearer_token,omitempty"`
	InputParams        []InputParam      `json:"input_params,omitempty"`
	AutoStart          bool              `json:"auto_start"`
	Disabled           bool              `json:"disabled"`
	LatestKnownVersion string            `json:"latest_known_version,omitempty"`
	ToolPermissions    map[string]bool   `json:"tool_permissions,omitempty"`
}

// Validate checks that the server definition is internally consistent.
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("server name is required")
	}
	switch s.Type {
	case ServerTypeLocal:
		if s.Command == "" {
			return fmt.Errorf("server %q: command is required for local servers", s.Name)
		}
	case ServerTypeRemote, ServerTypeRemoteStreamable:
		if s.RemoteURL == "" {
			return fmt.Errorf("server %q: remote_url is required for %s servers", s.Name, s.Type)
		}
		if !strings.HasPrefix(s.RemoteURL, "http://") && !strings.HasPrefix(s.RemoteURL, "https://") {
			return fmt.Errorf("server %q: remote_url must be an http(s) URL", s.Name)
		}
	default:
		return fmt.Errorf("server %q: unknown server type %q", s.Name, s.Type)
	}
	return nil
}

// ClientConfig is the persisted definition of an API client that talks to the
// router. Tokens are issued separately and reference a client by id.
type ClientConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable_console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	MaxSize       int    `json:"max_size" mapstructure:"max_size"` // megabytes
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max_age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json_format"`
}

// Config is the top-level process configuration loaded by the CLI.
type Config struct {
	DataDir string     `json:"data_dir" mapstructure:"data_dir"`
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// DefaultConfig returns the configuration used when no file or flags are given.
func DefaultConfig() *Config {
	return &Config{
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
	}
}
