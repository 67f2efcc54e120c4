package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Storage StorageConfig
	Blob    BlobConfig
	Engine  EngineConfig
	Index   IndexConfig
	Worker  WorkerConfig
	Search  SearchConfig
	Upload  UploadConfig
	Audit   AuditConfig
	Log     LogConfig
}

type ServerConfig struct {
	Addr      string
	Port      int
	APIToken  string
	RateLimit float64
	RateBurst int
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Queue     string
	KeyPrefix string
}

type StorageConfig struct {
	DataDir string
}

type BlobConfig struct {
	Backend   string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type EngineConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	VisionModel string
	EmbedModel  string
}

type IndexConfig struct {
	Path      string
	Dimension int
}

type WorkerConfig struct {
	Count             int
	DequeueTimeout    time.Duration
	JobTimeout        time.Duration
	VisibilityTimeout time.Duration
	ReapInterval      time.Duration
}

type SearchConfig struct {
	Oversampling int
	MaxLimit     int
	CacheSize    int
}

type UploadConfig struct {
	MaxSize        int
	InlineMaxBytes int
}

type AuditConfig struct {
	StuckAfter time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// ListenAddr is the host:port the API server binds.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

// IndexPath is the index file, defaulting to a file in the data dir.
func (c Config) IndexPath() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.Storage.DataDir, "memories.idx")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:      "127.0.0.1",
			Port:      8000,
			RateLimit: 10,
			RateBurst: 20,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Queue:     "jobs",
			KeyPrefix: "eye",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Blob: BlobConfig{
			Backend:  "local",
			Endpoint: "localhost:9000",
			Bucket:   "eye-memories",
		},
		Engine: EngineConfig{
			Provider:    "ollama",
			BaseURL:     "http://localhost:11434",
			VisionModel: "llava",
			EmbedModel:  "all-minilm",
		},
		Index: IndexConfig{
			Dimension: 384,
		},
		Worker: WorkerConfig{
			Count:             2,
			DequeueTimeout:    5 * time.Second,
			JobTimeout:        5 * time.Minute,
			VisibilityTimeout: 10 * time.Minute,
			ReapInterval:      30 * time.Second,
		},
		Search: SearchConfig{
			Oversampling: 2,
			MaxLimit:     100,
			CacheSize:    1000,
		},
		Upload: UploadConfig{
			MaxSize:        10 << 20,
			InlineMaxBytes: 256 << 10,
		},
		Audit: AuditConfig{
			StuckAfter: 30 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "eyemem-data"
		}
	}
	return filepath.Join(dir, "eyemem")
}

// DefaultPath is the config file used when none is given:
// $XDG_CONFIG_HOME/eyemem/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "eyemem", "config.yaml")
}

// Load reads configuration from defaults, the YAML config file at path
// (DefaultPath when empty; a missing file is not an error) and EYEMEM_*
// environment variables, in increasing order of precedence.
//
// Secrets are read from the environment only.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	v, err := readFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := defaults()
	for _, s := range specs {
		if s.secret {
			if raw, ok := os.LookupEnv(s.env); ok && raw != "" {
				s.apply(&cfg, raw)
			}
			continue
		}
		if err := v.BindEnv(s.key, s.env); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", s.env, err)
		}
		if !v.IsSet(s.key) {
			continue
		}
		val, err := s.read(v)
		if err != nil {
			return Config{}, err
		}
		s.apply(&cfg, val)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Index.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count))
	}
	if c.Worker.VisibilityTimeout <= c.Worker.JobTimeout {
		errs = append(errs, fmt.Errorf("worker.visibility_timeout (%s) must exceed worker.job_timeout (%s)", c.Worker.VisibilityTimeout, c.Worker.JobTimeout))
	}
	if c.Search.Oversampling < 1 {
		errs = append(errs, fmt.Errorf("search.oversampling must be at least 1, got %d", c.Search.Oversampling))
	}
	if c.Redis.Queue == "" || c.Redis.KeyPrefix == "" {
		errs = append(errs, errors.New("redis.queue and redis.key_prefix must be set"))
	}
	if !slices.Contains([]string{"local", "minio"}, c.Blob.Backend) {
		errs = append(errs, fmt.Errorf("blob.backend %q: want local or minio", c.Blob.Backend))
	}
	if !slices.Contains([]string{"ollama", "openai", "offline"}, c.Engine.Provider) {
		errs = append(errs, fmt.Errorf("engine.provider %q: want ollama, openai or offline", c.Engine.Provider))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
