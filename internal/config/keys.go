package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func str(key, env string, secret bool, apply func(*Config, string), extract func(Config) string) keySpec {
	return keySpec{
		key: key, typ: kString, env: env, secret: secret,
		apply:   func(cfg *Config, v any) { apply(cfg, v.(string)) },
		extract: func(cfg Config) any { return extract(cfg) },
	}
}

func integer(key, env string, apply func(*Config, int), extract func(Config) int) keySpec {
	return keySpec{
		key: key, typ: kInt, env: env,
		apply:   func(cfg *Config, v any) { apply(cfg, v.(int)) },
		extract: func(cfg Config) any { return extract(cfg) },
	}
}

func duration(key, env string, apply func(*Config, time.Duration), extract func(Config) time.Duration) keySpec {
	return keySpec{
		key: key, typ: kDuration, env: env,
		apply:   func(cfg *Config, v any) { apply(cfg, v.(time.Duration)) },
		extract: func(cfg Config) any { return extract(cfg) },
	}
}

var specs = []keySpec{
	str("server.addr", "EYEMEM_SERVER_ADDR", false,
		func(c *Config, v string) { c.Server.Addr = v }, func(c Config) string { return c.Server.Addr }),
	integer("server.port", "EYEMEM_SERVER_PORT",
		func(c *Config, v int) { c.Server.Port = v }, func(c Config) int { return c.Server.Port }),
	str("server.api_token", "EYEMEM_SERVER_API_TOKEN", true,
		func(c *Config, v string) { c.Server.APIToken = v }, func(c Config) string { return c.Server.APIToken }),
	{
		key: "server.rate_limit", typ: kFloat, env: "EYEMEM_SERVER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Server.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Server.RateLimit },
	},
	integer("server.rate_burst", "EYEMEM_SERVER_RATE_BURST",
		func(c *Config, v int) { c.Server.RateBurst = v }, func(c Config) int { return c.Server.RateBurst }),

	str("redis.addr", "EYEMEM_REDIS_ADDR", false,
		func(c *Config, v string) { c.Redis.Addr = v }, func(c Config) string { return c.Redis.Addr }),
	str("redis.password", "EYEMEM_REDIS_PASSWORD", true,
		func(c *Config, v string) { c.Redis.Password = v }, func(c Config) string { return c.Redis.Password }),
	integer("redis.db", "EYEMEM_REDIS_DB",
		func(c *Config, v int) { c.Redis.DB = v }, func(c Config) int { return c.Redis.DB }),
	str("redis.queue", "EYEMEM_REDIS_QUEUE", false,
		func(c *Config, v string) { c.Redis.Queue = v }, func(c Config) string { return c.Redis.Queue }),
	str("redis.key_prefix", "EYEMEM_REDIS_KEY_PREFIX", false,
		func(c *Config, v string) { c.Redis.KeyPrefix = v }, func(c Config) string { return c.Redis.KeyPrefix }),

	str("storage.data_dir", "EYEMEM_STORAGE_DATA_DIR", false,
		func(c *Config, v string) { c.Storage.DataDir = v }, func(c Config) string { return c.Storage.DataDir }),

	str("blob.backend", "EYEMEM_BLOB_BACKEND", false,
		func(c *Config, v string) { c.Blob.Backend = v }, func(c Config) string { return c.Blob.Backend }),
	str("blob.endpoint", "EYEMEM_BLOB_ENDPOINT", false,
		func(c *Config, v string) { c.Blob.Endpoint = v }, func(c Config) string { return c.Blob.Endpoint }),
	str("blob.access_key", "EYEMEM_BLOB_ACCESS_KEY", false,
		func(c *Config, v string) { c.Blob.AccessKey = v }, func(c Config) string { return c.Blob.AccessKey }),
	str("blob.secret_key", "EYEMEM_BLOB_SECRET_KEY", true,
		func(c *Config, v string) { c.Blob.SecretKey = v }, func(c Config) string { return c.Blob.SecretKey }),
	str("blob.bucket", "EYEMEM_BLOB_BUCKET", false,
		func(c *Config, v string) { c.Blob.Bucket = v }, func(c Config) string { return c.Blob.Bucket }),
	{
		key: "blob.use_ssl", typ: kBool, env: "EYEMEM_BLOB_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Blob.UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Blob.UseSSL },
	},

	str("engine.provider", "EYEMEM_ENGINE_PROVIDER", false,
		func(c *Config, v string) { c.Engine.Provider = v }, func(c Config) string { return c.Engine.Provider }),
	str("engine.base_url", "EYEMEM_ENGINE_BASE_URL", false,
		func(c *Config, v string) { c.Engine.BaseURL = v }, func(c Config) string { return c.Engine.BaseURL }),
	str("engine.api_key", "EYEMEM_ENGINE_API_KEY", true,
		func(c *Config, v string) { c.Engine.APIKey = v }, func(c Config) string { return c.Engine.APIKey }),
	str("engine.vision_model", "EYEMEM_ENGINE_VISION_MODEL", false,
		func(c *Config, v string) { c.Engine.VisionModel = v }, func(c Config) string { return c.Engine.VisionModel }),
	str("engine.embed_model", "EYEMEM_ENGINE_EMBED_MODEL", false,
		func(c *Config, v string) { c.Engine.EmbedModel = v }, func(c Config) string { return c.Engine.EmbedModel }),

	str("index.path", "EYEMEM_INDEX_PATH", false,
		func(c *Config, v string) { c.Index.Path = v }, func(c Config) string { return c.Index.Path }),
	integer("index.dimension", "EYEMEM_INDEX_DIMENSION",
		func(c *Config, v int) { c.Index.Dimension = v }, func(c Config) int { return c.Index.Dimension }),

	integer("worker.count", "EYEMEM_WORKER_COUNT",
		func(c *Config, v int) { c.Worker.Count = v }, func(c Config) int { return c.Worker.Count }),
	duration("worker.dequeue_timeout", "EYEMEM_WORKER_DEQUEUE_TIMEOUT",
		func(c *Config, v time.Duration) { c.Worker.DequeueTimeout = v }, func(c Config) time.Duration { return c.Worker.DequeueTimeout }),
	duration("worker.job_timeout", "EYEMEM_WORKER_JOB_TIMEOUT",
		func(c *Config, v time.Duration) { c.Worker.JobTimeout = v }, func(c Config) time.Duration { return c.Worker.JobTimeout }),
	duration("worker.visibility_timeout", "EYEMEM_WORKER_VISIBILITY_TIMEOUT",
		func(c *Config, v time.Duration) { c.Worker.VisibilityTimeout = v }, func(c Config) time.Duration { return c.Worker.VisibilityTimeout }),
	duration("worker.reap_interval", "EYEMEM_WORKER_REAP_INTERVAL",
		func(c *Config, v time.Duration) { c.Worker.ReapInterval = v }, func(c Config) time.Duration { return c.Worker.ReapInterval }),

	integer("search.oversampling", "EYEMEM_SEARCH_OVERSAMPLING",
		func(c *Config, v int) { c.Search.Oversampling = v }, func(c Config) int { return c.Search.Oversampling }),
	integer("search.max_limit", "EYEMEM_SEARCH_MAX_LIMIT",
		func(c *Config, v int) { c.Search.MaxLimit = v }, func(c Config) int { return c.Search.MaxLimit }),
	integer("search.cache_size", "EYEMEM_SEARCH_CACHE_SIZE",
		func(c *Config, v int) { c.Search.CacheSize = v }, func(c Config) int { return c.Search.CacheSize }),

	integer("upload.max_size", "EYEMEM_UPLOAD_MAX_SIZE",
		func(c *Config, v int) { c.Upload.MaxSize = v }, func(c Config) int { return c.Upload.MaxSize }),
	integer("upload.inline_max_bytes", "EYEMEM_UPLOAD_INLINE_MAX_BYTES",
		func(c *Config, v int) { c.Upload.InlineMaxBytes = v }, func(c Config) int { return c.Upload.InlineMaxBytes }),

	duration("audit.stuck_after", "EYEMEM_AUDIT_STUCK_AFTER",
		func(c *Config, v time.Duration) { c.Audit.StuckAfter = v }, func(c Config) time.Duration { return c.Audit.StuckAfter }),

	str("log.level", "EYEMEM_LOG_LEVEL", false,
		func(c *Config, v string) { c.Log.Level = v }, func(c Config) string { return c.Log.Level }),
	str("log.format", "EYEMEM_LOG_FORMAT", false,
		func(c *Config, v string) { c.Log.Format = v }, func(c Config) string { return c.Log.Format }),
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// read returns the typed value of s from v.
func (s keySpec) read(v *viper.Viper) (any, error) {
	raw := v.Get(s.key)
	val, err := s.parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config key %s: %w", s.key, err)
	}
	return val, nil
}

func (s keySpec) parse(raw any) (any, error) {
	switch s.typ {
	case kString:
		return cast.ToStringE(raw)
	case kInt:
		return cast.ToIntE(raw)
	case kBool:
		return cast.ToBoolE(raw)
	case kFloat:
		return cast.ToFloat64E(raw)
	case kDuration:
		if str, ok := raw.(string); ok {
			if _, err := strconv.Atoi(str); err == nil {
				return nil, fmt.Errorf("duration %q needs a unit, e.g. %ss", str, str)
			}
		}
		return cast.ToDurationE(raw)
	}
	return nil, fmt.Errorf("unsupported key type %d", s.typ)
}
