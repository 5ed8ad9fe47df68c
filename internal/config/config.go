package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Server struct {
	Port string `mapstructure:"port"`
}

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type Kafka struct {
	BrokerURL         string      `mapstructure:"broker-url"`
	NotificationTopic string      `mapstructure:"notification-topic"`
	Writer            KafkaWriter `mapstructure:"writer"`
}

type Alipay struct {
	AppID           string `mapstructure:"app-id"`
	PrivateKey      string `mapstructure:"private-key"`
	AlipayPublicKey string `mapstructure:"alipay-public-key"`
	GatewayURL      string `mapstructure:"gateway-url"`
}

type Wechat struct {
	AppID      string `mapstructure:"app-id"`
	MchID      string `mapstructure:"mch-id"`
	APIKey     string `mapstructure:"api-key"`
	GatewayURL string `mapstructure:"gateway-url"`
	CertFile   string `mapstructure:"cert-file"`
	KeyFile    string `mapstructure:"key-file"`
}

type Provisioning struct {
	AuthURL      string `mapstructure:"auth-url"`
	BaseURL      string `mapstructure:"base-url"`
	ClientID     string `mapstructure:"client-id"`
	ClientSecret string `mapstructure:"client-secret"`
	TimeoutMs    int    `mapstructure:"timeout-ms"`
	MaxRetries   int    `mapstructure:"max-retries"`
}

type Order struct {
	// CallbackBaseURL is the public base URL providers deliver webhooks to.
	CallbackBaseURL string `mapstructure:"callback-base-url"`
	ExpiryMinutes   int    `mapstructure:"expiry-minutes"`
	SweepIntervalS  int    `mapstructure:"sweep-interval-s"`
}

type Jobs struct {
	PollingIntervalMs int `mapstructure:"polling-interval-ms"`
	FetchSize         int `mapstructure:"fetch-size"`
	RetryDelayMs      int `mapstructure:"retry-delay-ms"`
	LeaseSeconds      int `mapstructure:"lease-seconds"`
	MaxAttempts       int `mapstructure:"max-attempts"`
}

type Auth struct {
	JWTSecret string `mapstructure:"jwt-secret"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Server       Server       `mapstructure:"server"`
	Database     Database     `mapstructure:"database"`
	Redis        Redis        `mapstructure:"redis"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Alipay       Alipay       `mapstructure:"alipay"`
	Wechat       Wechat       `mapstructure:"wechat"`
	Provisioning Provisioning `mapstructure:"provisioning"`
	Order        Order        `mapstructure:"order"`
	Jobs         Jobs         `mapstructure:"jobs"`
	Auth         Auth         `mapstructure:"auth"`
	Metrics      Metrics      `mapstructure:"metrics"`
	Logs         Logs         `mapstructure:"logs"`
}

func (o Order) ExpiryWindow() time.Duration {
	if o.ExpiryMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(o.ExpiryMinutes) * time.Minute
}

func (o Order) SweepInterval() time.Duration {
	if o.SweepIntervalS <= 0 {
		return time.Minute
	}
	return time.Duration(o.SweepIntervalS) * time.Second
}

func LoadConfig(path string) (*Config, error) {
	// .env is optional; values there feed the env overrides below.
	_ = godotenv.Load()

	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
