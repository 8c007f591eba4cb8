package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                    string
	Environment             string
	LogLevel                string
	DatabasePath            string
	DBMaxOpenConns          int
	DBMaxIdleConns          int
	DBQueryTimeout          time.Duration
	LRUCacheSize            int
	RedisURL                string
	RedisTLS                bool
	RedisUsername           string
	RedisPassword           Secret
	RedisTimeout            time.Duration
	Vector                  VectorCfg
	Embedding               EmbeddingCfg
	Search                  SearchCfg
	PublicIndexCap          int
	Reindex                 ReindexCfg
	IdentityHeader          string
	DevIdentity             string
	RateLimit               RateLimitCfg
	MaxPasteSize            int64
	TrustedProxies          []string
	AllowedOrigins          []string
	MetricsUser             string
	MetricsPass             Secret
	ContextTimeout          time.Duration
	EmbeddingKeyFromSecrets bool
	EmbeddingSecretName     string
}

type VectorCfg struct {
	Addrs      []string
	Password   Secret
	Index      string
	Dimensions int
}

type EmbeddingCfg struct {
	BaseURL  string
	Model    string
	APIKey   Secret
	CacheTTL time.Duration
	Timeout  time.Duration
}

type SearchCfg struct {
	TopK           int
	ScoreThreshold float64
}

type ReindexCfg struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

// fileDefaults holds optional values read from CONFIG_FILE. Environment
// variables always take precedence over them.
var fileDefaults map[string]string

func Load() (*Cfg, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		defaults, err := readFileDefaults(path)
		if err != nil {
			return nil, err
		}
		fileDefaults = defaults
	} else {
		fileDefaults = nil
	}

	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "pastel.db")
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	c.Vector.Addrs = getSlice("VECTOR_ADDRS", []string{})
	c.Vector.Password = NewSecret(getEnv("VECTOR_PASSWORD", ""))
	c.Vector.Index = getEnv("VECTOR_INDEX", "pastes_idx")
	c.Vector.Dimensions, err = getInt("VECTOR_DIMENSIONS", 768)
	if err != nil {
		return nil, err
	}

	c.Embedding.BaseURL = getEnv("EMBEDDING_BASE_URL", "https://api.openai.com/v1")
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", "text-embedding-3-small")
	c.Embedding.APIKey = NewSecret(getEnv("EMBEDDING_API_KEY", ""))
	c.EmbeddingKeyFromSecrets = getEnv("EMBEDDING_API_KEY_FROM_SECRETS", "false") == "true"
	c.EmbeddingSecretName = getEnv("EMBEDDING_SECRET_NAME", "EMBEDDING_API_KEY")
	c.Embedding.CacheTTL, err = getDuration("EMBEDDING_CACHE_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.Embedding.Timeout, err = getDuration("EMBEDDING_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	c.Search.TopK, err = getInt("SEARCH_TOP_K", 10)
	if err != nil {
		return nil, err
	}
	c.Search.ScoreThreshold, err = getFloat("SEARCH_SCORE_THRESHOLD", 0.6)
	if err != nil {
		return nil, err
	}
	c.PublicIndexCap, err = getInt("PUBLIC_INDEX_CAP", 100)
	if err != nil {
		return nil, err
	}

	c.Reindex.Workers, err = getInt("REINDEX_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	c.Reindex.QueueSize, err = getInt("REINDEX_QUEUE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.Reindex.Timeout, err = getDuration("REINDEX_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	c.IdentityHeader = getEnv("IDENTITY_HEADER", "Cf-Access-Authenticated-User-Email")
	c.DevIdentity = getEnv("DEV_IDENTITY", "dev-user@example.com")

	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.Environment {
	case "development", "test", "staging", "production":
	default:
		return fmt.Errorf("ENVIRONMENT %q is not one of development, test, staging, production", c.Environment)
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.DatabasePath != ":memory:" && !strings.HasPrefix(c.DatabasePath, "file:") {
		workDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		absWorkDir, err := filepath.Abs(workDir)
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		absDBPath, err := filepath.Abs(c.DatabasePath)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_PATH: %w", err)
		}
		if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
			return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
		}
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.Vector.Dimensions <= 0 {
		return errors.New("VECTOR_DIMENSIONS must be positive")
	}
	if c.Vector.Index == "" {
		return errors.New("VECTOR_INDEX is required")
	}
	if c.Search.TopK <= 0 || c.Search.TopK > 100 {
		return errors.New("SEARCH_TOP_K must be between 1 and 100")
	}
	if c.Search.ScoreThreshold < -1 || c.Search.ScoreThreshold > 1 {
		return errors.New("SEARCH_SCORE_THRESHOLD must be within [-1, 1]")
	}
	if c.PublicIndexCap <= 0 {
		return errors.New("PUBLIC_INDEX_CAP must be positive")
	}
	if c.Reindex.Workers <= 0 {
		return errors.New("REINDEX_WORKERS must be positive")
	}
	if c.Reindex.QueueSize <= 0 {
		return errors.New("REINDEX_QUEUE_SIZE must be positive")
	}
	if c.IdentityHeader == "" {
		return errors.New("IDENTITY_HEADER is required")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if len(c.Vector.Addrs) == 0 {
			return errors.New("VECTOR_ADDRS is required in production")
		}
		if c.Embedding.APIKey.Value() == "" && !c.EmbeddingKeyFromSecrets {
			return errors.New("EMBEDDING_API_KEY or EMBEDDING_API_KEY_FROM_SECRETS is required in production")
		}
	}
	return nil
}

func (c *Cfg) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Vector.Password.Wipe()
	c.Embedding.APIKey.Wipe()
}

// readFileDefaults flattens a YAML document into upper-case env-style keys:
// {vector: {addrs: [a, b]}} becomes VECTOR_ADDRS=a,b.
func readFileDefaults(path string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	out := make(map[string]string)
	flatten("", doc, out)
	return out, nil
}

func flatten(prefix string, node map[string]interface{}, out map[string]string) {
	for k, v := range node {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if v, ok := fileDefaults[key]; ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
