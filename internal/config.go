package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Store drivers.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverQdrant   = "qdrant"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Auth    AuthConfig        `yaml:"auth"`
	Store   StoreConfig       `yaml:"store"`
	OpenAI  OpenAIConfig      `yaml:"openai"`
	Scraper ScraperConfig     `yaml:"scraper"`
	RAG     RAGConfig         `yaml:"rag"`
	Inbox   InboxConfig       `yaml:"inbox"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.App, &c.Auth, &c.Store, &c.OpenAI, &c.Scraper, &c.RAG, &c.Inbox,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	Name     string     `yaml:"name"`
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout bounds a whole response, including streamed answers.
	// Zero disables it.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.WriteTimeout, validation.Min(time.Duration(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): every request acts as OwnerID, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty and a
//     matching request acts as OwnerID.
type AuthConfig struct {
	Mode    string `yaml:"mode"`
	Token   string `yaml:"token"`
	OwnerID string `yaml:"owner_id"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
		validation.Field(&c.OwnerID, validation.Required),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// StoreConfig selects and configures the vector store backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	// Dimensions is the embedding width; Postgres and Qdrant size their
	// vector columns with it.
	Dimensions int `yaml:"dimensions"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required,
			validation.In(StoreDriverSQLite, StoreDriverPostgres, StoreDriverQdrant)),
		validation.Field(&c.Dimensions, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}
	switch c.Driver {
	case StoreDriverSQLite:
		return c.SQLite.Validate()
	case StoreDriverPostgres:
		return c.Postgres.Validate()
	default:
		return c.Qdrant.Validate()
	}
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// PostgresConfig holds the pgvector database connection.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Validate validates the Postgres configuration.
func (c *PostgresConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DSN, validation.Required),
	)
}

// QdrantConfig holds the Qdrant gRPC endpoint.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
}

// Validate validates the Qdrant configuration.
func (c *QdrantConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Collection, validation.Required),
	)
}

// OpenAIConfig configures the embedding and chat models.
type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	EmbeddingModel string  `yaml:"embedding_model"`
	ChatModel      string  `yaml:"chat_model"`
	Temperature    float64 `yaml:"temperature"`
}

// Validate validates the OpenAI configuration.
func (c *OpenAIConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.EmbeddingModel, validation.Required),
		validation.Field(&c.ChatModel, validation.Required),
		validation.Field(&c.Temperature, validation.Min(0.0), validation.Max(2.0)),
	)
}

// ScraperConfig configures the Firecrawl client.
type ScraperConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the scraper configuration.
func (c *ScraperConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// RAGConfig tunes chunking, retrieval and the similarity graph.
type RAGConfig struct {
	ChunkSize          int     `yaml:"chunk_size"`
	ChunkOverlap       int     `yaml:"chunk_overlap"`
	Candidates         int     `yaml:"candidates"`
	TopK               int     `yaml:"top_k"`
	EmbedConcurrency   int     `yaml:"embed_concurrency"`
	DocumentEmbedChars int     `yaml:"document_embed_chars"`
	GraphThreshold     float64 `yaml:"graph_threshold"`
	GraphStrategy      string  `yaml:"graph_strategy"`
	// GraphTrueMean averages chunk vectors arithmetically instead of by
	// repeated halving.
	GraphTrueMean bool `yaml:"graph_true_mean"`
}

// Validate validates the RAG configuration.
func (c *RAGConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ChunkSize, validation.Required, validation.Min(1)),
		validation.Field(&c.ChunkOverlap, validation.Min(0)),
		validation.Field(&c.Candidates, validation.Required, validation.Min(1)),
		validation.Field(&c.TopK, validation.Required, validation.Min(1)),
		validation.Field(&c.EmbedConcurrency, validation.Min(0)),
		validation.Field(&c.DocumentEmbedChars, validation.Min(0)),
		validation.Field(&c.GraphThreshold, validation.Min(-1.0), validation.Max(1.0)),
		validation.Field(&c.GraphStrategy, validation.Required, validation.In("document", "chunks")),
	); err != nil {
		return err
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("rag: chunk_overlap (%d) must be smaller than chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.TopK > c.Candidates {
		return fmt.Errorf("rag: top_k (%d) cannot exceed candidates (%d)", c.TopK, c.Candidates)
	}
	return nil
}

// InboxConfig configures the Markdown drop directory.
type InboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce"`
}

// Validate validates the inbox configuration.
func (c *InboxConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			Name:     "ansuz",
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:        8080,
				ReadTimeout: 30 * time.Second,
			},
		},
		Auth: AuthConfig{
			Mode:    AuthModeDisabled,
			OwnerID: "local",
		},
		Store: StoreConfig{
			Driver:     StoreDriverSQLite,
			SQLite:     SQLiteConfig{Path: "./ansuz.db"},
			Qdrant:     QdrantConfig{Host: "localhost", Port: 6334, Collection: "ansuz"},
			Dimensions: 1536,
		},
		OpenAI: OpenAIConfig{
			EmbeddingModel: "text-embedding-3-small",
			ChatModel:      "gpt-4o-mini",
			Temperature:    0.7,
		},
		Scraper: ScraperConfig{
			BaseURL: "https://api.firecrawl.dev",
			Timeout: 60 * time.Second,
		},
		RAG: RAGConfig{
			ChunkSize:          20000,
			ChunkOverlap:       200,
			Candidates:         15,
			TopK:               5,
			EmbedConcurrency:   4,
			DocumentEmbedChars: 24000,
			GraphThreshold:     0.6,
			GraphStrategy:      "chunks",
		},
		Inbox: InboxConfig{
			Dir:      "./inbox",
			Debounce: 300 * time.Millisecond,
		},
	}
}
