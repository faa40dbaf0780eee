package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when coach.persona or coach.style_rules changed.
	PersonaChanged bool
	NewPersona     string
	NewStyleRules  string

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Coach.Persona != new.Coach.Persona || old.Coach.StyleRules != new.Coach.StyleRules {
		d.PersonaChanged = true
		d.NewPersona = new.Coach.Persona
		d.NewStyleRules = new.Coach.StyleRules
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Coach.CatalogPath != new.Coach.CatalogPath {
		d.RestartRequired = append(d.RestartRequired, "coach.catalog_path")
	}
	if old.Coach.SessionIdleTimeout != new.Coach.SessionIdleTimeout {
		d.RestartRequired = append(d.RestartRequired, "coach.session_idle_timeout")
	}

	return d
}

func sameProviders(a, b ProvidersConfig) bool {
	if !sameEntry(a.LLM, b.LLM) || !sameEntry(a.Oracle, b.Oracle) || !sameEntry(a.Embeddings, b.Embeddings) {
		return false
	}
	if len(a.LLMFallbacks) != len(b.LLMFallbacks) {
		return false
	}
	for i := range a.LLMFallbacks {
		if !sameEntry(a.LLMFallbacks[i], b.LLMFallbacks[i]) {
			return false
		}
	}
	return true
}

// sameEntry ignores Options; option changes are rare and not worth a deep
// comparison.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
