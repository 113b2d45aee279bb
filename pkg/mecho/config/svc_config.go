package config

import "time"

// ServiceConfig holds configuration for the memory service (cmd/mechosvc).
type ServiceConfig struct {
	// ListenAddr is the HTTP bind address (e.g. ":8787").
	ListenAddr string `yaml:"listen_addr"`

	// ModesRoot is the root directory holding one subdirectory per mode
	// (mecho.db, archival.db).
	ModesRoot string `yaml:"modes_root"`

	// Embedding configures the external embedding endpoint used for
	// archival upsert/search.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Delta configures the Delta Compiler's output budget.
	Delta DeltaConfig `yaml:"delta"`

	// Archival configures default search parameters.
	Archival ArchivalConfig `yaml:"archival"`

	Log LogConfig `yaml:"log"`
}

// EmbeddingConfig configures the external embedding HTTP client.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DeltaConfig bounds the Delta Compiler's per-prepare output.
type DeltaConfig struct {
	MaxXMLBytes int `yaml:"max_xml_bytes"`
}

// ArchivalConfig sets defaults for archival search.
type ArchivalConfig struct {
	DefaultTopK          int     `yaml:"default_top_k"`
	MaxTopK              int     `yaml:"max_top_k"`
	DefaultCandidateLimit int    `yaml:"default_candidate_limit"`
	MinScore             float64 `yaml:"min_score"`
}

// DefaultServiceConfig returns the memory service's baseline configuration.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		ListenAddr: ":8787",
		ModesRoot:  "./data/modes",
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    30 * time.Second,
		},
		Delta: DeltaConfig{
			MaxXMLBytes: 32 * 1024,
		},
		Archival: ArchivalConfig{
			DefaultTopK:           8,
			MaxTopK:               50,
			DefaultCandidateLimit: 600,
			MinScore:              0,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}
