package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; everything else is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true if any chunking, fan-out, or tuning value changed.
	PipelineChanged bool

	// RestartRequired names top-level sections whose changes only take effect
	// after a restart (e.g. "providers", "mcp", "server.listen_addr").
	RestartRequired []string
}

// HasChanges reports whether anything differs between the two configs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.PipelineChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Chat != new.Chat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	if !reflect.DeepEqual(old.MCP, new.MCP) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}
