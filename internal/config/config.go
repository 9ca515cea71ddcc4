package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "GRAVITY"
	defaultLogLevel           = "info"
	defaultDatabasePath       = "gravity-peer.db"
	defaultBrokerURL          = "http://127.0.0.1:9000"
	defaultBrokerAddress      = "0.0.0.0:9000"
	defaultLeaseTTLSeconds    = 60
	defaultMaxAddresses       = 10000
	defaultPeerListenAddress  = "0.0.0.0:7070"
	defaultClaimAttempts      = 3
	defaultClaimDelayMillis   = 0
	defaultAPIAddress         = "127.0.0.1:7071"
	defaultBrokerRetryMax     = 3
	defaultHandshakeTimeoutMs = 10000
)

// PeerConfig captures runtime configuration for a peer.
type PeerConfig struct {
	LogLevel         string
	DatabasePath     string
	BrokerURL        string
	BrokerRetryMax   int
	ListenAddress    string
	AdvertiseURL     string
	ClaimAttempts    uint
	ClaimDelay       time.Duration
	HandshakeTimeout time.Duration
	APIAddress       string
}

// BrokerConfig captures runtime configuration for the address broker.
type BrokerConfig struct {
	LogLevel      string
	Address       string
	SigningSecret string
	LeaseTTL      time.Duration
	MaxAddresses  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("broker.url", defaultBrokerURL)
	configViper.SetDefault("broker.retry_max", defaultBrokerRetryMax)
	configViper.SetDefault("broker.address", defaultBrokerAddress)
	configViper.SetDefault("broker.lease_ttl_seconds", defaultLeaseTTLSeconds)
	configViper.SetDefault("broker.max_addresses", defaultMaxAddresses)
	configViper.SetDefault("peer.listen_address", defaultPeerListenAddress)
	configViper.SetDefault("peer.advertise_url", "")
	configViper.SetDefault("peer.claim_attempts", defaultClaimAttempts)
	configViper.SetDefault("peer.claim_delay_ms", defaultClaimDelayMillis)
	configViper.SetDefault("peer.handshake_timeout_ms", defaultHandshakeTimeoutMs)
	configViper.SetDefault("api.address", defaultAPIAddress)
}

// LoadPeer parses peer configuration from viper.
func LoadPeer(configViper *viper.Viper) (PeerConfig, error) {
	cfg := PeerConfig{
		LogLevel:         configViper.GetString("log.level"),
		DatabasePath:     configViper.GetString("database.path"),
		BrokerURL:        configViper.GetString("broker.url"),
		BrokerRetryMax:   configViper.GetInt("broker.retry_max"),
		ListenAddress:    configViper.GetString("peer.listen_address"),
		AdvertiseURL:     configViper.GetString("peer.advertise_url"),
		ClaimAttempts:    configViper.GetUint("peer.claim_attempts"),
		ClaimDelay:       time.Duration(configViper.GetInt("peer.claim_delay_ms")) * time.Millisecond,
		HandshakeTimeout: time.Duration(configViper.GetInt("peer.handshake_timeout_ms")) * time.Millisecond,
		APIAddress:       configViper.GetString("api.address"),
	}

	if err := cfg.validate(); err != nil {
		return PeerConfig{}, err
	}

	return cfg, nil
}

// LoadBroker parses broker configuration from viper.
func LoadBroker(configViper *viper.Viper) (BrokerConfig, error) {
	cfg := BrokerConfig{
		LogLevel:      configViper.GetString("log.level"),
		Address:       configViper.GetString("broker.address"),
		SigningSecret: configViper.GetString("broker.signing_secret"),
		LeaseTTL:      time.Duration(configViper.GetInt("broker.lease_ttl_seconds")) * time.Second,
		MaxAddresses:  configViper.GetInt("broker.max_addresses"),
	}

	if err := cfg.validate(); err != nil {
		return BrokerConfig{}, err
	}

	return cfg, nil
}

func (c PeerConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BrokerURL) == "" {
		return fmt.Errorf("broker.url is required")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("peer.listen_address is required")
	}
	if c.ClaimAttempts == 0 {
		return fmt.Errorf("peer.claim_attempts must be positive")
	}
	if c.ClaimDelay < 0 {
		return fmt.Errorf("peer.claim_delay_ms must not be negative")
	}
	if strings.TrimSpace(c.APIAddress) == "" {
		return fmt.Errorf("api.address is required")
	}
	return nil
}

func (c BrokerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("broker.signing_secret is required")
	}
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("broker.address is required")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("broker.lease_ttl_seconds must be positive")
	}
	if c.MaxAddresses <= 0 {
		return fmt.Errorf("broker.max_addresses must be positive")
	}
	return nil
}
