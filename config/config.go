package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Observ   ObservabilityConfig
	Ledger   LedgerConfig
	Client   ClientConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig selects the journal backend. An empty URL disables it.
type DatabaseConfig struct {
	Driver string
	URL    string
}

// RedisConfig configures transaction tracking. An empty Addr keeps
// tracking in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TxTTL    time.Duration
}

// KafkaConfig configures the event bus. No brokers means events are
// projected straight from the node.
type KafkaConfig struct {
	Brokers       []string
	TopicLedger   string
	ConsumerGroup string
}

type ObservabilityConfig struct {
	JaegerEndpoint   string
	PrometheusPort   string
	LogLevel         string
	TraceSampleRatio float64
}

// LedgerConfig describes the hosted network and its block producer
type LedgerConfig struct {
	ChainID          string
	ChainName        string
	RPCURLs          []string
	ExplorerURLs     []string
	CurrencyName     string
	CurrencySymbol   string
	CurrencyDecimals int
	BlockInterval    time.Duration
	MaxTxPerBlock    int
	MempoolSize      int
	GenesisBalance   uint64
}

// ClientConfig configures the signing session used by the gateway
type ClientConfig struct {
	KeyFiles        []string
	WalletChainID   string
	FinalityTimeout time.Duration
}

func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DATABASE_DRIVER", "sqlite"),
			URL:    getEnv("DATABASE_URL", ":memory:"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TxTTL:    getEnvDuration("REDIS_TX_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvSlice("KAFKA_BROKERS", nil),
			TopicLedger:   getEnv("KAFKA_TOPIC_LEDGER_EVENTS", "ledger-events"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "farm-ledger-projector"),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			PrometheusPort:   getEnv("PROMETHEUS_PORT", "9090"),
			LogLevel:         getEnv("LOG_LEVEL", ""),
			TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		},
		Ledger: LedgerConfig{
			ChainID:          getEnv("CHAIN_ID", "296"),
			ChainName:        getEnv("CHAIN_NAME", "Hedera Testnet"),
			RPCURLs:          getEnvSlice("CHAIN_RPC_URLS", []string{"https://testnet.hashio.io/api"}),
			ExplorerURLs:     getEnvSlice("CHAIN_EXPLORER_URLS", []string{"https://hashscan.io/testnet"}),
			CurrencyName:     getEnv("CHAIN_CURRENCY_NAME", "HBAR"),
			CurrencySymbol:   getEnv("CHAIN_CURRENCY_SYMBOL", "HBAR"),
			CurrencyDecimals: getEnvInt("CHAIN_CURRENCY_DECIMALS", 18),
			BlockInterval:    getEnvDuration("BLOCK_INTERVAL", 2*time.Second),
			MaxTxPerBlock:    getEnvInt("MAX_TX_PER_BLOCK", 100),
			MempoolSize:      getEnvInt("MEMPOOL_SIZE", 1000),
			GenesisBalance:   getEnvUint("GENESIS_BALANCE", 10_000_000_000_000_000_000),
		},
		Client: ClientConfig{
			KeyFiles:        getEnvSlice("WALLET_KEY_FILES", []string{"wallet.pem"}),
			WalletChainID:   getEnv("WALLET_CHAIN_ID", "1"),
			FinalityTimeout: getEnvDuration("FINALITY_TIMEOUT", 30*time.Second),
		},
	}

	log.Printf("Config loaded: env=%s, port=%s, chain=%s", cfg.Server.Env, cfg.Server.Port, cfg.Ledger.ChainID)
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getEnvUint(key string, defaultVal uint64) uint64 {
	if v, err := strconv.ParseUint(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

// getEnvSlice splits a comma-separated value, dropping blanks
func getEnvSlice(key string, defaultVal []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
