package xtier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// 默认配置值。
const (
	DefaultTTL            = 5 * time.Minute
	DefaultSchemaVersion  = "1.0"
	DefaultMaxMemoryBytes = 50 * 1024 * 1024
	DefaultMaxItems       = 10000
	DefaultSweepInterval  = 5 * time.Minute
)

// Config 定义 Manager 的配置。
// 零值字段在 New 中替换为默认值，负值视为无效配置。
type Config struct {
	// TTL 未显式指定时的条目存活时间。默认 5 分钟。
	TTL time.Duration `koanf:"ttl"`

	// SchemaVersion 未显式指定时的数据版本。默认 "1.0"。
	SchemaVersion string `koanf:"schema_version"`

	// Tags 未显式指定时附加的标签。默认为空。
	Tags []string `koanf:"tags"`

	// Storage 未显式指定时额外写入的持久层。默认只写内存层。
	Storage Kind `koanf:"-"`

	// MaxMemoryBytes 内存层字节预算。默认 50MB。
	MaxMemoryBytes int64 `koanf:"max_memory_bytes"`

	// MaxItems 内存层条目数预算。默认 10000。
	MaxItems int `koanf:"max_items"`

	// SweepInterval 后台清扫间隔。默认 5 分钟，按秒取整，最小 1 秒。
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// Session 会话层配置，仅供命令行等装配代码使用。
	Session SessionConfig `koanf:"session"`

	// Origin 源级持久层配置，仅供命令行等装配代码使用。
	Origin OriginConfig `koanf:"origin"`
}

// SessionConfig 会话层装配配置。
type SessionConfig struct {
	// Dir 会话根目录，为空表示不启用会话层。
	Dir string `koanf:"dir"`
	// ID 会话标识，为空时由装配方决定。
	ID string `koanf:"id"`
	// QuotaBytes 会话配额，0 表示不限制。
	QuotaBytes int64 `koanf:"quota_bytes"`
}

// OriginConfig 源级持久层装配配置。
type OriginConfig struct {
	// Addr Redis 地址，为空表示不启用源级持久层。
	Addr string `koanf:"addr"`
	// DB Redis 数据库编号。
	DB int `koanf:"db"`
	// Prefix key 前缀。
	Prefix string `koanf:"prefix"`
	// Timeout 单次操作超时。
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		TTL:            DefaultTTL,
		SchemaVersion:  DefaultSchemaVersion,
		Storage:        KindMemory,
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		MaxItems:       DefaultMaxItems,
		SweepInterval:  DefaultSweepInterval,
	}
}

// withDefaults 校验配置并填充零值字段。
func (c Config) withDefaults() (Config, error) {
	if c.TTL < 0 || c.MaxMemoryBytes < 0 || c.MaxItems < 0 || c.SweepInterval < 0 {
		return c, fmt.Errorf("%w: negative ttl, budget or sweep interval", ErrInvalidConfig)
	}
	if c.Storage > KindOrigin {
		return c, fmt.Errorf("%w: %w: %s", ErrInvalidConfig, ErrUnknownKind, c.Storage)
	}
	d := DefaultConfig()
	if c.TTL == 0 {
		c.TTL = d.TTL
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = d.SchemaVersion
	}
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if c.MaxItems == 0 {
		c.MaxItems = d.MaxItems
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	c.Tags = normalizeTags(c.Tags)
	return c, nil
}

// =============================================================================
// 配置加载
// =============================================================================

// Format 定义配置文件格式。
type Format string

// 支持的配置格式。
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// LoadConfig 从文件加载配置，根据扩展名识别格式（.yaml/.yml 或 .json）。
// 文件中缺失的字段保持默认值。
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("%w: empty config path", ErrInvalidConfig)
	}

	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	default:
		return Config{}, fmt.Errorf("%w: unknown config extension %q", ErrInvalidConfig, filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return ParseConfig(data, format)
}

// ParseConfig 从字节数据解析配置。空数据返回默认配置。
//
// 时长字段使用 Go duration 字符串（如 "5m"、"1500ms"）。
// storage 接受 memory、session、tab-persistent、origin、origin-persistent。
func ParseConfig(data []byte, format Format) (Config, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return Config{}, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, format)
	}

	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return Config{}, fmt.Errorf("%w: parse: %w", ErrInvalidConfig, err)
		}
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal: %w", ErrInvalidConfig, err)
	}

	kind, err := ParseKind(k.String("storage"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.Storage = kind

	return cfg, nil
}
