package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrNotConfigured marks a provider whose credentials or host are missing.
var ErrNotConfigured = errors.New("provider not configured")

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Chat        ChatConfig                `json:"chat" yaml:"chat"`
	Embedding   EmbeddingConfig           `json:"embedding" yaml:"embedding"`
	VectorStore VectorStoreConfig         `json:"vector_store" yaml:"vector_store"`
	Chunker     ChunkerConfig             `json:"chunker" yaml:"chunker"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" yaml:"server_address"`
	DatabaseType  string `json:"database_type" yaml:"database_type"`
	UploadDir     string `json:"upload_dir" yaml:"upload_dir"`
	// UploadTTL and UploadSweepInterval are minutes.
	UploadTTL           int `json:"upload_ttl" yaml:"upload_ttl"`
	UploadSweepInterval int `json:"upload_sweep_interval" yaml:"upload_sweep_interval"`
	WorkerQueueSize     int `json:"worker_queue_size" yaml:"worker_queue_size"`
	// WorkerIdleTimeout is seconds.
	WorkerIdleTimeout int `json:"worker_idle_timeout" yaml:"worker_idle_timeout"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type ChatConfig struct {
	Provider     string          `json:"provider" yaml:"provider"`
	Model        string          `json:"model" yaml:"model"`
	SystemPrompt string          `json:"system_prompt" yaml:"system_prompt"`
	Temperature  float32         `json:"temperature" yaml:"temperature"`
	WebSearch    bool            `json:"web_search" yaml:"web_search"`
	Search       SearchConfig    `json:"search" yaml:"search"`
	Retrieval    RetrievalConfig `json:"retrieval" yaml:"retrieval"`
}

// SearchConfig configures the web_search tool. DuckDuckGo needs no
// credentials; Google is tried first when both fields are set.
type SearchConfig struct {
	GoogleAPIKey   string `json:"google_api_key" yaml:"google_api_key"`
	GoogleEngineID string `json:"google_engine_id" yaml:"google_engine_id"`
	RatePerMinute  int    `json:"rate_per_minute" yaml:"rate_per_minute"`
}

const (
	// RetrievalModePrompt stuffs matching excerpts into the system prompt.
	RetrievalModePrompt = "prompt"
	// RetrievalModeTool lets the model call document_search itself.
	RetrievalModeTool = "tool"
)

type RetrievalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Mode    string `json:"mode" yaml:"mode"`
	TopK    int    `json:"top_k" yaml:"top_k"`
}

type EmbeddingConfig struct {
	Type        string `json:"type" yaml:"type"`
	Model       string `json:"model" yaml:"model"`
	BaseURL     string `json:"base_url" yaml:"base_url"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	TimeoutSecs int    `json:"timeout_secs" yaml:"timeout_secs"`
}

type VectorStoreConfig struct {
	Type      string         `json:"type" yaml:"type"`
	Namespace string         `json:"namespace" yaml:"namespace"`
	Pinecone  PineconeConfig `json:"pinecone" yaml:"pinecone"`
	Qdrant    QdrantConfig   `json:"qdrant" yaml:"qdrant"`
}

type PineconeConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	IndexHost string `json:"index_host" yaml:"index_host"`
	IndexName string `json:"index_name" yaml:"index_name"`
}

type QdrantConfig struct {
	URL         string `json:"url" yaml:"url"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	TimeoutSecs int    `json:"timeout_secs" yaml:"timeout_secs"`
}

type ChunkerConfig struct {
	MaxChars int `json:"max_chars" yaml:"max_chars"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file is not an error: defaults plus environment overrides are used.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	dbType := cfg.BasicConfig.DatabaseType
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}
	if isSQLite(dbType) && dbCfg.DSN != ":memory:" && !strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
		cfg.Databases[dbType] = dbCfg
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	if cfg.Databases == nil {
		cfg.Databases = make(map[string]DatabaseConfig)
	}

	if v := os.Getenv("BOTGPT_DB"); v != "" {
		cfg.BasicConfig.DatabaseType = v
	}

	gemini := cfg.Providers["gemini"]
	setString(&gemini.APIKey, "GOOGLE_API_KEY")
	setString(&gemini.Model, "GENAI_MODEL")
	cfg.Providers["gemini"] = gemini

	openai := cfg.Providers["openai"]
	setString(&openai.APIKey, "OPENAI_API_KEY")
	cfg.Providers["openai"] = openai

	setString(&cfg.Chat.Search.GoogleAPIKey, "GOOGLE_API_KEY")
	setString(&cfg.Chat.Search.GoogleEngineID, "GOOGLE_SEARCH_ENGINE_ID")

	claude := cfg.Providers["claude"]
	setString(&claude.APIKey, "ANTHROPIC_API_KEY")
	cfg.Providers["claude"] = claude

	mysql := cfg.Databases["mysql"]
	setString(&mysql.Host, "DB_HOST")
	setInt(&mysql.Port, "DB_PORT")
	setString(&mysql.Username, "DB_USER")
	setString(&mysql.Password, "DB_PASSWORD")
	setString(&mysql.DBName, "DB_NAME")
	cfg.Databases["mysql"] = mysql

	setString(&cfg.Embedding.Model, "OPENAI_EMBED_MODEL")
	setString(&cfg.VectorStore.Pinecone.APIKey, "PINECONE_API_KEY")
	setString(&cfg.VectorStore.Pinecone.IndexHost, "PINECONE_INDEX_HOST")
	setString(&cfg.VectorStore.Pinecone.IndexName, "PINECONE_INDEX_NAME")
	setString(&cfg.VectorStore.Namespace, "PINECONE_NAMESPACE")

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		host, port, ok := strings.Cut(addr, ":")
		cfg.Redis.Enabled = true
		cfg.Redis.Host = host
		if ok {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Redis.Port = p
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	basic := &cfg.BasicConfig
	if basic.ServerAddress == "" {
		basic.ServerAddress = ":8090"
	}
	if basic.DatabaseType == "" || isSQLite(basic.DatabaseType) {
		basic.DatabaseType = "sqlite3"
	}
	if basic.UploadDir == "" {
		basic.UploadDir = "./data/uploads"
	}
	if basic.UploadTTL <= 0 {
		basic.UploadTTL = 60
	}
	if basic.UploadSweepInterval <= 0 {
		basic.UploadSweepInterval = 30
	}
	if basic.WorkerQueueSize <= 0 {
		basic.WorkerQueueSize = 16
	}
	if basic.WorkerIdleTimeout <= 0 {
		basic.WorkerIdleTimeout = 300
	}

	if sqlite, ok := cfg.Databases["sqlite3"]; !ok || sqlite.DSN == "" {
		sqlite.DSN = "botgpt.db"
		cfg.Databases["sqlite3"] = sqlite
	}
	mysql := cfg.Databases["mysql"]
	if mysql.Host == "" {
		mysql.Host = "localhost"
	}
	if mysql.Port == 0 {
		mysql.Port = 3306
	}
	if mysql.Username == "" {
		mysql.Username = "root"
	}
	if mysql.DBName == "" {
		mysql.DBName = "bot_gpt"
	}
	if mysql.Params == "" {
		mysql.Params = "parseTime=true&charset=utf8mb4"
	}
	cfg.Databases["mysql"] = mysql

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "127.0.0.1"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	chat := &cfg.Chat
	if chat.Provider == "" {
		chat.Provider = "gemini"
	}
	if chat.Temperature == 0 {
		chat.Temperature = 0.3
	}
	if chat.Retrieval.TopK <= 0 {
		chat.Retrieval.TopK = 4
	}
	if chat.Retrieval.Mode != RetrievalModeTool {
		chat.Retrieval.Mode = RetrievalModePrompt
	}
	if chat.Search.RatePerMinute <= 0 {
		chat.Search.RatePerMinute = 5
	}
	gemini := cfg.Providers["gemini"]
	if gemini.Model == "" {
		gemini.Model = "gemini-2.5-flash-lite"
		cfg.Providers["gemini"] = gemini
	}

	emb := &cfg.Embedding
	if emb.Type == "" {
		emb.Type = "openai"
	}
	if emb.Type == "openai" {
		if emb.Model == "" {
			emb.Model = "text-embedding-3-small"
		}
		if emb.APIKey == "" {
			emb.APIKey = cfg.Providers["openai"].APIKey
		}
	}
	if emb.Type == "genai" {
		if emb.Model == "" {
			emb.Model = "text-embedding-004"
		}
		if emb.APIKey == "" {
			emb.APIKey = cfg.Providers["gemini"].APIKey
		}
	}
	if emb.TimeoutSecs <= 0 {
		emb.TimeoutSecs = 30
	}

	vs := &cfg.VectorStore
	if vs.Type == "" {
		vs.Type = "pinecone"
	}
	if vs.Namespace == "" {
		vs.Namespace = "botgpt"
	}
	if vs.Qdrant.TimeoutSecs <= 0 {
		vs.Qdrant.TimeoutSecs = 15
	}

	if cfg.Chunker.MaxChars <= 0 {
		cfg.Chunker.MaxChars = 1000
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func isSQLite(dbType string) bool {
	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
