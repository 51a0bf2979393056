package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"txindexer/internal/errors"
	"txindexer/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 TXINDEX_CHAIN_API_KEY
const EnvPrefix = "TXINDEX"

// Config 主配置
type Config struct {
	Chain    *ChainConfig       `mapstructure:"chain"`
	Token    *TokenConfig       `mapstructure:"token"`
	Price    *PriceConfig       `mapstructure:"price"`
	Indexer  *IndexerConfig     `mapstructure:"indexer"`
	Output   *OutputConfig      `mapstructure:"output"`
	Progress *ProgressConfig    `mapstructure:"progress"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
	API      *APIConfig         `mapstructure:"api"`
}

// ChainConfig 链上数据接口配置
type ChainConfig struct {
	APIURL     string        `mapstructure:"api_url"`
	Path       string        `mapstructure:"path"`
	APIKey     string        `mapstructure:"api_key"`
	KeysFile   string        `mapstructure:"keys_file"`
	MaxRPS     float64       `mapstructure:"max_rps"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheDir   string        `mapstructure:"cache_dir"`
}

// TokenConfig 固定代币与相关合约
type TokenConfig struct {
	Contract         string `mapstructure:"contract"`
	Decimals         int    `mapstructure:"decimals"`
	StakingPool      string `mapstructure:"staking_pool"`
	Rewards          string `mapstructure:"rewards"`
	NodeRewardSender string `mapstructure:"node_reward_sender"`
}

// PriceConfig 价格接口配置
type PriceConfig struct {
	PrimaryURL     string        `mapstructure:"primary_url"`
	FallbackURL    string        `mapstructure:"fallback_url"`
	PrimaryAPIKey  string        `mapstructure:"primary_api_key"`
	FallbackAPIKey string        `mapstructure:"fallback_api_key"`
	Currency       string        `mapstructure:"currency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
	WideTimeout    time.Duration `mapstructure:"wide_timeout"`
	CacheDir       string        `mapstructure:"cache_dir"`
}

// IndexerConfig 索引配置
type IndexerConfig struct {
	Workers           int      `mapstructure:"workers"`
	QueueSize         int      `mapstructure:"queue_size"`
	DefaultStartBlock uint64   `mapstructure:"default_start_block"`
	OpenEndBlock      uint64   `mapstructure:"open_end_block"`
	AddressesFile     string   `mapstructure:"addresses_file"`
	KnownAddresses    []string `mapstructure:"known_addresses"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PostgresConfig Postgres配置
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string          `mapstructure:"format"`
	Directory string          `mapstructure:"directory"`
	Kafka     *KafkaConfig    `mapstructure:"kafka"`
	Postgres  *PostgresConfig `mapstructure:"postgres"`
}

// ProgressConfig 运行历史配置
type ProgressConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// APIConfig 控制面配置
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// 支持的输出格式
var supportedFormats = map[string]bool{"json": true, "csv": true, "kafka": true, "postgres": true}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &ChainConfig{
			APIURL:     "https://api.etherscan.io",
			Path:       "/api",
			KeysFile:   "keys.json",
			MaxRPS:     2.0,
			MaxRetries: 4,
			Timeout:    20 * time.Second,
			CacheDir:   "cache",
		},
		Token: &TokenConfig{
			Contract:         "0x8e0eef788350f40255d86dfe8d91ec0ad3a4547f",
			Decimals:         18,
			StakingPool:      "0x634daeecf243c844263d206e1dcf68f310e6bb19",
			Rewards:          "0x6876e661ae0f740c9132b7b8f26f7d245cfc62c1",
			NodeRewardSender: "0xd0b2a999de3302a74a8ac9c9c8bd7e37a984eb01",
		},
		Price: &PriceConfig{
			PrimaryURL:  "https://api.coingecko.com/api/v3",
			FallbackURL: "https://min-api.cryptocompare.com",
			Currency:    "usd",
			MaxRetries:  4,
			Timeout:     20 * time.Second,
			WideTimeout: 25 * time.Second,
			CacheDir:    "prices",
		},
		Indexer: &IndexerConfig{
			Workers:           4,
			QueueSize:         256,
			DefaultStartBlock: 20800000,
			OpenEndBlock:      99999999,
			AddressesFile:     "data.json",
		},
		Output: &OutputConfig{
			Format:    "json",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "classified_transactions",
			},
			Postgres: &PostgresConfig{
				Table: "classified_transactions",
			},
		},
		Progress: &ProgressConfig{
			Enabled: true,
			DBPath:  "./data/runs.db",
		},
		Logging: logging.DefaultLogConfig(),
		API: &APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}

// setDefaults 把默认配置注册到 viper，环境变量覆盖依赖这些键
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("chain.api_url", c.Chain.APIURL)
	v.SetDefault("chain.path", c.Chain.Path)
	v.SetDefault("chain.api_key", c.Chain.APIKey)
	v.SetDefault("chain.keys_file", c.Chain.KeysFile)
	v.SetDefault("chain.max_rps", c.Chain.MaxRPS)
	v.SetDefault("chain.max_retries", c.Chain.MaxRetries)
	v.SetDefault("chain.timeout", c.Chain.Timeout)
	v.SetDefault("chain.cache_dir", c.Chain.CacheDir)

	v.SetDefault("token.contract", c.Token.Contract)
	v.SetDefault("token.decimals", c.Token.Decimals)
	v.SetDefault("token.staking_pool", c.Token.StakingPool)
	v.SetDefault("token.rewards", c.Token.Rewards)
	v.SetDefault("token.node_reward_sender", c.Token.NodeRewardSender)

	v.SetDefault("price.primary_url", c.Price.PrimaryURL)
	v.SetDefault("price.fallback_url", c.Price.FallbackURL)
	v.SetDefault("price.primary_api_key", c.Price.PrimaryAPIKey)
	v.SetDefault("price.fallback_api_key", c.Price.FallbackAPIKey)
	v.SetDefault("price.currency", c.Price.Currency)
	v.SetDefault("price.max_retries", c.Price.MaxRetries)
	v.SetDefault("price.timeout", c.Price.Timeout)
	v.SetDefault("price.wide_timeout", c.Price.WideTimeout)
	v.SetDefault("price.cache_dir", c.Price.CacheDir)

	v.SetDefault("indexer.workers", c.Indexer.Workers)
	v.SetDefault("indexer.queue_size", c.Indexer.QueueSize)
	v.SetDefault("indexer.default_start_block", c.Indexer.DefaultStartBlock)
	v.SetDefault("indexer.open_end_block", c.Indexer.OpenEndBlock)
	v.SetDefault("indexer.addresses_file", c.Indexer.AddressesFile)
	v.SetDefault("indexer.known_addresses", c.Indexer.KnownAddresses)

	v.SetDefault("output.format", c.Output.Format)
	v.SetDefault("output.directory", c.Output.Directory)
	v.SetDefault("output.kafka.brokers", c.Output.Kafka.Brokers)
	v.SetDefault("output.kafka.topic", c.Output.Kafka.Topic)
	v.SetDefault("output.postgres.dsn", c.Output.Postgres.DSN)
	v.SetDefault("output.postgres.table", c.Output.Postgres.Table)

	v.SetDefault("progress.enabled", c.Progress.Enabled)
	v.SetDefault("progress.db_path", c.Progress.DBPath)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.output", c.Logging.Output)

	v.SetDefault("api.host", c.API.Host)
	v.SetDefault("api.port", c.API.Port)
}

// LoadConfig 加载配置：.env → 默认值 → YAML文件（可选） → TXINDEX_ 环境变量
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, GetDefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if config.Chain.APIKey == "" {
		key, err := ReadAPIKey(config.Chain.KeysFile)
		if err != nil {
			return nil, err
		}
		config.Chain.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ReadAPIKey 从 {"etherscan_api_key": "..."} 文件读取密钥，文件不存在时返回空
func ReadAPIKey(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("读取密钥文件失败: %w", err)
	}
	var keys struct {
		EtherscanAPIKey string `json:"etherscan_api_key"`
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		return "", fmt.Errorf("解析密钥文件失败: %w", err)
	}
	return strings.TrimSpace(keys.EtherscanAPIKey), nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewIndexError(errors.ErrorTypeConfig, errors.SeverityCritical,
			errors.ErrConfigInvalid.Code, fmt.Sprintf(format, args...)).WithComponent("config")
	}

	if c.Chain == nil || c.Token == nil || c.Price == nil || c.Indexer == nil ||
		c.Output == nil || c.Progress == nil || c.Logging == nil || c.API == nil {
		return invalid("缺少配置分区")
	}

	if c.Chain.APIURL == "" {
		return invalid("chain.api_url 不能为空")
	}
	if c.Chain.MaxRPS <= 0 {
		return invalid("chain.max_rps 必须为正数: %v", c.Chain.MaxRPS)
	}
	if c.Chain.MaxRetries <= 0 || c.Price.MaxRetries <= 0 {
		return invalid("重试次数必须为正数")
	}
	if c.Price.PrimaryURL == "" || c.Price.FallbackURL == "" {
		return invalid("价格接口地址不能为空")
	}
	switch strings.ToLower(c.Price.Currency) {
	case "usd", "gbp":
	default:
		return invalid("不支持的法币: %s", c.Price.Currency)
	}
	if c.Indexer.Workers <= 0 {
		return invalid("indexer.workers 必须为正数: %d", c.Indexer.Workers)
	}
	if c.Indexer.OpenEndBlock < c.Indexer.DefaultStartBlock {
		return invalid("indexer.open_end_block 早于 default_start_block")
	}
	if c.Token.Decimals < 0 || c.Token.Decimals > 36 {
		return invalid("token.decimals 超出范围: %d", c.Token.Decimals)
	}

	for name, addr := range map[string]string{
		"token.contract":           c.Token.Contract,
		"token.staking_pool":       c.Token.StakingPool,
		"token.rewards":            c.Token.Rewards,
		"token.node_reward_sender": c.Token.NodeRewardSender,
	} {
		if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
			return invalid("%s 不是有效地址: %q", name, addr)
		}
	}

	format := strings.ToLower(c.Output.Format)
	if !supportedFormats[format] {
		return invalid("不支持的输出格式: %s", c.Output.Format)
	}
	if format == "kafka" && (c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 || c.Output.Kafka.Topic == "") {
		return invalid("kafka 输出需要 brokers 和 topic")
	}
	if format == "postgres" && (c.Output.Postgres == nil || c.Output.Postgres.DSN == "") {
		return invalid("postgres 输出需要 dsn")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return invalid("api.port 超出范围: %d", c.API.Port)
	}
	return nil
}
