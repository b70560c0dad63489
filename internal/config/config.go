// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf = Default()

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Tika      TikaConfig      `mapstructure:"tika"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port            string `mapstructure:"port"`
	Mode            string `mapstructure:"mode"`
	MaxUploadMB     int64  `mapstructure:"max_upload_mb"`
	StreamByDefault bool   `mapstructure:"stream_by_default"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DocumentsConfig 描述默认文档（野战手册 PDF 与表单字段 CSV）的来源。
type DocumentsConfig struct {
	Source               string `mapstructure:"source"` // local | minio
	DefaultPDF           string `mapstructure:"default_pdf"`
	DefaultCSV           string `mapstructure:"default_csv"`
	ExtractCacheTTLHours int    `mapstructure:"extract_cache_ttl_hours"`
}

// ChunkingConfig 分别配置 PDF 与 CSV 的切块参数。
type ChunkingConfig struct {
	PDF SplitterConfig `mapstructure:"pdf"`
	CSV SplitterConfig `mapstructure:"csv"`
}

// SplitterConfig 对应一个递归切块器的参数，长度以字符（rune）计。
type SplitterConfig struct {
	ChunkSize    int      `mapstructure:"chunk_size"`
	ChunkOverlap int      `mapstructure:"chunk_overlap"`
	Separators   []string `mapstructure:"separators"`
}

// RetrievalConfig 存储检索编排相关的配置。
type RetrievalConfig struct {
	TopK                 int          `mapstructure:"top_k"`
	DisplayContextLength int          `mapstructure:"display_context_length"`
	CSVKeywords          []string     `mapstructure:"csv_keywords"`
	Memory               MemoryConfig `mapstructure:"memory"`
}

// MemoryConfig 配置请求级的记忆上下文。
type MemoryConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	ContextWindow int  `mapstructure:"context_window"`
	MaxTokens     int  `mapstructure:"max_tokens"`
	MaxAgeMinutes int  `mapstructure:"max_age_minutes"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider       string `mapstructure:"provider"` // openai | gemini
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	Dimensions     int    `mapstructure:"dimensions"`
	BatchSize      int    `mapstructure:"batch_size"`
	Concurrency    int    `mapstructure:"concurrency"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider       string              `mapstructure:"provider"` // openai | gemini
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
	Prompt         LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统角色与失败时的兜底文案。
type LLMPromptConfig struct {
	SystemRole   string `mapstructure:"system_role"`
	ApologyText  string `mapstructure:"apology_text"`
	NoResultText string `mapstructure:"no_result_text"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL      string `mapstructure:"server_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，Endpoint 为空表示不启用。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
	ArchiveUploads  bool   `mapstructure:"archive_uploads"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置，DSN 为空表示不记录查询日志到数据库。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置，Addr 为空表示不启用提取缓存。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储 Kafka 相关的配置，Brokers 为空表示不启用。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// Default 返回一份可直接运行的默认配置。
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080", Mode: "release", MaxUploadMB: 50, StreamByDefault: true},
		Log:    LogConfig{Level: "info", Format: "json"},
		Documents: DocumentsConfig{
			Source:               "local",
			DefaultPDF:           "public/FM-5-0.pdf",
			DefaultCSV:           "public/template_fields.csv",
			ExtractCacheTTLHours: 24,
		},
		Chunking: ChunkingConfig{
			PDF: SplitterConfig{
				ChunkSize:    1500,
				ChunkOverlap: 300,
				Separators:   []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ": ", ", ", " ", ""},
			},
			CSV: SplitterConfig{
				ChunkSize:    1000,
				ChunkOverlap: 200,
				Separators:   []string{"\n\n", "\n", ".", "!", "?", ",", " ", ""},
			},
		},
		Retrieval: RetrievalConfig{
			TopK:                 5,
			DisplayContextLength: 500,
			CSVKeywords: []string{
				"field", "form", "template", "award", "achievement", "bullet",
				"input", "required", "mandatory", "optional", "section", "column",
				"header", "data", "entry", "fill", "complete", "submit",
			},
			Memory: MemoryConfig{Enabled: true, ContextWindow: 5, MaxTokens: 4000, MaxAgeMinutes: 60},
		},
		Embedding: EmbeddingConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-large",
			BatchSize:      64,
			Concurrency:    4,
			TimeoutSeconds: 60,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4",
			TimeoutSeconds: 120,
			Prompt: LLMPromptConfig{
				SystemRole: "You are an administrative NCO in the US Army. You are tasked with providing information " +
					"about the Army Field Manual (FM) 5-0 and the form fields for the FM 5-0. Provide detailed, concise, " +
					"and accurate information based on the provided context. When explaining processes, break them down " +
					"into clear, sequential steps.",
				ApologyText:  "I'm sorry, I couldn't generate an answer right now. Please try again later.",
				NoResultText: "No relevant context found.",
			},
		},
		Tika:  TikaConfig{ServerURL: "http://localhost:9998", TimeoutSeconds: 120},
		MinIO: MinIOConfig{BucketName: "doctrine-agent"},
		Kafka: KafkaConfig{Topic: "agent-query-log", GroupID: "doctrine-agent-query-log"},
	}
}

// Load 读取 .env 与 YAML 配置文件，叠加到默认配置之上；文件不存在时只使用默认值与环境变量。
func Load(configPath string) (Config, error) {
	// .env 可选，不存在时忽略
	_ = godotenv.Load()

	cfg := Default()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return cfg, fmt.Errorf("读取配置文件失败: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("检查配置文件失败: %w", err)
		}
	}

	// 凭据类配置允许只通过环境变量提供
	for _, key := range []string{"embedding.api_key", "llm.api_key", "minio.access_key_id", "minio.secret_access_key", "database.mysql.dsn"} {
		_ = v.BindEnv(key)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	applyProviderKeys(&cfg)
	return cfg, nil
}

// Init 初始化配置加载，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// applyProviderKeys 在未显式配置时回退到服务商约定的环境变量。
func applyProviderKeys(cfg *Config) {
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = providerKey(cfg.Embedding.Provider)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = providerKey(cfg.LLM.Provider)
	}
}

func providerKey(provider string) string {
	if provider == "gemini" {
		return os.Getenv("GEMINI_API_KEY")
	}
	return os.Getenv("OPENAI_API_KEY")
}
