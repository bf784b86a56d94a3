// Package config loads service configuration from YAML with environment
// overrides for secrets.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"proofmint/internal/screening"
	"proofmint/internal/valuation"
)

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // must cover OCR, estimate and mint confirmation
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SetDefaults sets reasonable default values for the server.
func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
		warn("server.addr not set, defaulting to %s", c.Addr)
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // logrus level name
	Format string `yaml:"format"` // text or json
}

// SetDefaults sets reasonable default values for logging.
func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// Validate checks logging settings.
func (c *LogConfig) Validate() error {
	if c.Format != "text" && c.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Format)
	}
	return nil
}

// PolicyConfig holds the business rules. Ratio and cooldown have no defaults.
type PolicyConfig struct {
	ConversionRatio   string        `yaml:"conversion_ratio"` // USD per token, decimal string
	MaxMintCap        string        `yaml:"max_mint_cap"`     // tokens, decimal string
	DisplayDecimals   *int32        `yaml:"display_decimals"`
	TokenDecimals     *int32        `yaml:"token_decimals"`
	Cooldown          time.Duration `yaml:"cooldown"`
	DenyList          []string      `yaml:"deny_list"`
	MaxProofBytes     int           `yaml:"max_proof_bytes"`
	MaxDescriptionLen int           `yaml:"max_description_len"`
}

// SetDefaults sets defaults for optional policy fields.
func (c *PolicyConfig) SetDefaults() {
	if c.MaxMintCap == "" {
		c.MaxMintCap = "100"
		warn("policy.max_mint_cap not set, defaulting to %s", c.MaxMintCap)
	}
	if c.DisplayDecimals == nil {
		v := int32(6)
		c.DisplayDecimals = &v
	}
	if c.TokenDecimals == nil {
		v := int32(18)
		c.TokenDecimals = &v
	}
	if len(c.DenyList) == 0 {
		c.DenyList = append([]string(nil), screening.DefaultTerms...)
	}
	if c.MaxProofBytes == 0 {
		c.MaxProofBytes = 10 << 20
	}
	if c.MaxDescriptionLen == 0 {
		c.MaxDescriptionLen = 2000
	}
}

// Validate checks the policy.
func (c *PolicyConfig) Validate() error {
	if c.ConversionRatio == "" {
		return errors.New("policy.conversion_ratio is required")
	}
	if c.Cooldown <= 0 {
		return errors.New("policy.cooldown is required and must be positive")
	}
	if _, err := c.ConversionPolicy(); err != nil {
		return err
	}
	return nil
}

// ConversionPolicy parses the decimal fields into a valuation policy.
func (c *PolicyConfig) ConversionPolicy() (valuation.ConversionPolicy, error) {
	ratio, err := decimal.NewFromString(c.ConversionRatio)
	if err != nil {
		return valuation.ConversionPolicy{}, fmt.Errorf("policy.conversion_ratio: %w", err)
	}
	maxCap, err := decimal.NewFromString(c.MaxMintCap)
	if err != nil {
		return valuation.ConversionPolicy{}, fmt.Errorf("policy.max_mint_cap: %w", err)
	}

	p := valuation.ConversionPolicy{Ratio: ratio, Cap: maxCap}
	if c.DisplayDecimals != nil {
		p.DisplayDecimals = *c.DisplayDecimals
	}
	if c.TokenDecimals != nil {
		p.TokenDecimals = *c.TokenDecimals
	}
	if err := p.Validate(); err != nil {
		return valuation.ConversionPolicy{}, fmt.Errorf("policy: %w", err)
	}
	return p, nil
}

// TimeoutConfig bounds each external call independently.
type TimeoutConfig struct {
	LockWait time.Duration `yaml:"lock_wait"`
	OCR      time.Duration `yaml:"ocr"`
	Estimate time.Duration `yaml:"estimate"`
	Mint     time.Duration `yaml:"mint"`
	Publish  time.Duration `yaml:"publish"`
}

// SetDefaults sets reasonable default values for timeouts.
func (c *TimeoutConfig) SetDefaults() {
	if c.LockWait == 0 {
		c.LockWait = 30 * time.Second
	}
	if c.OCR == 0 {
		c.OCR = 30 * time.Second
	}
	if c.Estimate == 0 {
		c.Estimate = 20 * time.Second
	}
	if c.Mint == 0 {
		c.Mint = 2 * time.Minute
	}
	if c.Publish == 0 {
		c.Publish = 5 * time.Second
	}
}

// LockTTLMargin is the headroom a lock TTL needs beyond MaxLockHold.
const LockTTLMargin = 30 * time.Second

// MaxLockHold is the longest a submission holds its wallet lock before the
// ledger append: waiting for the fingerprint lock, then OCR, estimate and mint.
func (c TimeoutConfig) MaxLockHold() time.Duration {
	return c.LockWait + c.OCR + c.Estimate + c.Mint
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend     string `yaml:"backend"` // file, postgres or memory
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"max_conns"`
}

// SetDefaults sets reasonable default values for the ledger.
func (c *LedgerConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "file"
		warn("ledger.backend not set, defaulting to %s", c.Backend)
	}
	if c.Backend == "file" && c.Path == "" {
		c.Path = "data/ledger.jsonl"
		warn("ledger.path not set, defaulting to %s", c.Path)
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
}

// Validate checks the ledger backend settings.
func (c *LedgerConfig) Validate() error {
	switch c.Backend {
	case "file", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("ledger.postgres_dsn (or POSTGRES_DSN) is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Backend)
	}
	return nil
}

// LockConfig selects the admission lock backend.
type LockConfig struct {
	Backend       string        `yaml:"backend"` // local or redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	CacheSize     int           `yaml:"cache_size"`
}

// SetDefaults sets reasonable default values for locking.
func (c *LockConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "local"
	}
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	if c.CacheSize == 0 {
		c.CacheSize = 10000
	}
}

// Validate checks the lock settings.
func (c *LockConfig) Validate() error {
	switch c.Backend {
	case "local":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("locks.redis_addr (or REDIS_ADDR) is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown locks.backend %q", c.Backend)
	}
	if c.CacheSize < 0 {
		return errors.New("locks.cache_size must not be negative")
	}
	return nil
}

// OCRConfig selects the text extractor.
type OCRConfig struct {
	Backend    string `yaml:"backend"` // tesseract, genai or static
	Endpoint   string `yaml:"endpoint"`
	Language   string `yaml:"language"`
	MaxRetries int    `yaml:"max_retries"`
	StaticText string `yaml:"static_text"`
}

// SetDefaults sets reasonable default values for OCR.
func (c *OCRConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "tesseract"
	}
	if c.Backend == "tesseract" && c.Endpoint == "" {
		c.Endpoint = "http://localhost:8884/tesseract"
		warn("ocr.endpoint not set, defaulting to %s", c.Endpoint)
	}
	if c.Language == "" {
		c.Language = "eng"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// EstimatorConfig selects the value estimator.
type EstimatorConfig struct {
	Backend        string `yaml:"backend"` // genai or static
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	StaticResponse string `yaml:"static_response"`
}

// SetDefaults sets reasonable default values for the estimator.
func (c *EstimatorConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "genai"
	}
	if c.Model == "" {
		c.Model = valuation.DefaultModel
	}
}

// ChainConfig selects the mint gateway.
type ChainConfig struct {
	Backend          string `yaml:"backend"` // evm or stub
	RPCURL           string `yaml:"rpc_url"`
	ChainID          int64  `yaml:"chain_id"`
	ContractAddress  string `yaml:"contract_address"`
	MinterPrivateKey string `yaml:"-"` // MINTER_PRIVATE_KEY only
}

// SetDefaults sets reasonable default values for the chain.
func (c *ChainConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "evm"
	}
}

// Validate checks the chain settings.
func (c *ChainConfig) Validate() error {
	switch c.Backend {
	case "stub":
	case "evm":
		if c.RPCURL == "" || c.ContractAddress == "" || c.ChainID == 0 {
			return errors.New("chain.rpc_url, chain.contract_address and chain.chain_id are required for the evm backend")
		}
		if c.MinterPrivateKey == "" {
			return errors.New("MINTER_PRIVATE_KEY is required for the evm backend")
		}
	default:
		return fmt.Errorf("unknown chain.backend %q", c.Backend)
	}
	return nil
}

// KafkaConfig enables the record stream.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	RequiredAcks string        `yaml:"required_acks"`
	Async        bool          `yaml:"async"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Validate checks the Kafka settings.
func (c *KafkaConfig) Validate() error {
	if c.Enabled && (len(c.Brokers) == 0 || c.Topic == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	return nil
}

// AuditConfig enables the ClickHouse mirror when a DSN is set.
type AuditConfig struct {
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
}

// FeedConfig enables the WebSocket feed.
type FeedConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PingInterval time.Duration `yaml:"ping_interval"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Policy    PolicyConfig    `yaml:"policy"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Locks     LockConfig      `yaml:"locks"`
	OCR       OCRConfig       `yaml:"ocr"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Chain     ChainConfig     `yaml:"chain"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Audit     AuditConfig     `yaml:"audit"`
	Feed      FeedConfig      `yaml:"feed"`
}

// Load reads path (optional), applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MINTER_PRIVATE_KEY"); ok {
		c.Chain.MinterPrivateKey = v
	}
	if v, ok := lookup("GEMINI_API_KEY"); ok {
		c.Estimator.APIKey = v
	}
	if v, ok := lookup("POSTGRES_DSN"); ok {
		c.Ledger.PostgresDSN = v
	}
	if v, ok := lookup("CLICKHOUSE_DSN"); ok {
		c.Audit.ClickhouseDSN = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		c.Locks.RedisAddr = v
	}
	if v, ok := lookup("RPC_URL"); ok {
		c.Chain.RPCURL = v
	}
	if v, ok := lookup("CONTRACT_ADDRESS"); ok {
		c.Chain.ContractAddress = v
	}
	if v, ok := lookup("CHAIN_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID: %w", err)
		}
		c.Chain.ChainID = id
	}
	return nil
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Log.SetDefaults()
	c.Policy.SetDefaults()
	c.Timeouts.SetDefaults()
	c.Ledger.SetDefaults()
	c.Locks.SetDefaults()
	c.OCR.SetDefaults()
	c.Estimator.SetDefaults()
	c.Chain.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	if err := c.Locks.Validate(); err != nil {
		return err
	}
	if c.Locks.Backend == "redis" {
		// Redis locks are not renewed and must outlive the longest hold.
		if hold := c.Timeouts.MaxLockHold(); c.Locks.TTL < hold+LockTTLMargin {
			return fmt.Errorf("locks.ttl (%s) must be at least %s: lock_wait+ocr+estimate+mint is %s plus a %s margin for the ledger append",
				c.Locks.TTL, hold+LockTTLMargin, hold, LockTTLMargin)
		}
	}
	switch c.OCR.Backend {
	case "tesseract", "static":
	case "genai":
		if c.Estimator.APIKey == "" {
			return errors.New("GEMINI_API_KEY is required for the genai OCR backend")
		}
	default:
		return fmt.Errorf("unknown ocr.backend %q", c.OCR.Backend)
	}
	switch c.Estimator.Backend {
	case "static":
	case "genai":
		if c.Estimator.APIKey == "" {
			return errors.New("estimator.api_key (or GEMINI_API_KEY) is required for the genai estimator")
		}
	default:
		return fmt.Errorf("unknown estimator.backend %q", c.Estimator.Backend)
	}
	if err := c.Chain.Validate(); err != nil {
		return err
	}
	return c.Kafka.Validate()
}

func warn(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}
