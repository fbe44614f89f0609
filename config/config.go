package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// P2P holds the UDP presence protocol settings.
type P2P struct {
	ListenPort       int      `toml:"ListenPort"`
	BroadcastPort    int      `toml:"BroadcastPort"`
	PresenceInterval int      `toml:"PresenceIntervalSeconds"`
	PeerExpiry       int      `toml:"PeerExpirySeconds"`
	CleanupInterval  int      `toml:"CleanupIntervalSeconds"`
	PeerstorePath    string   `toml:"PeerstorePath"`
	RateLimitPerSec  float64  `toml:"RateLimitPerSecond"`
	AdvertiseAddress string   `toml:"AdvertiseAddress"`
	BroadcastTargets []string `toml:"BroadcastTargets"`
}

// Registry holds node-registry policy settings.
type Registry struct {
	OfflineThreshold int  `toml:"OfflineThresholdSeconds"`
	ReconcileInterval int `toml:"ReconcileIntervalSeconds"`
	AutoRegisterP2P  bool `toml:"AutoRegisterP2P"`
	RequireAuth      bool `toml:"RequireAuth"`
}

// Escrow holds settlement policy settings. CommunityShareBps is immutable
// after startup.
type Escrow struct {
	CommunityShareBps        uint32 `toml:"CommunityShareBps"`
	CommunityFundDestination string `toml:"CommunityFundDestination"`
}

// Scheduler holds task scheduling settings.
type Scheduler struct {
	WatchdogPeriod int `toml:"WatchdogPeriodSeconds"`
	TimeoutGrace   int `toml:"TimeoutGraceSeconds"`
	Workers        int `toml:"Workers"`
}

// Chain holds chain-adapter settings. EthPrivateKey is a hex-encoded
// secp256k1 key; when empty the ETH adapter runs read-only.
type Chain struct {
	AllowStubs    bool              `toml:"AllowStubs"`
	EthEndpoint   string            `toml:"EthEndpoint"`
	EthPrivateKey string            `toml:"EthPrivateKey"`
	Endpoints     map[string]string `toml:"Endpoints"`
}

// API holds the HTTP surface settings.
type API struct {
	ListenAddress   string `toml:"ListenAddress"`
	AuthTokenSecret string `toml:"AuthTokenSecret"`
	OTLPEndpoint    string `toml:"OTLPEndpoint"`
}

// Log holds logging settings.
type Log struct {
	Path       string `toml:"Path"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	Env        string `toml:"Env"`
}

// Config is the daemon configuration loaded from TOML.
type Config struct {
	NodeID              string    `toml:"NodeID"`
	StorePath           string    `toml:"StorePath"`
	SupportedCurrencies []string  `toml:"SupportedCurrencies"`
	Capabilities        []string  `toml:"Capabilities"`
	CapabilityFile      string    `toml:"CapabilityFile"`
	P2P                 P2P       `toml:"p2p"`
	Registry            Registry  `toml:"registry"`
	Escrow              Escrow    `toml:"escrow"`
	Scheduler           Scheduler `toml:"scheduler"`
	Chain               Chain     `toml:"chain"`
	API                 API       `toml:"api"`
	Log                 Log       `toml:"log"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		StorePath:           "duxnet.db",
		SupportedCurrencies: []string{"FLOP", "BTC", "ETH", "USDT", "BNB", "XRP", "SOL", "ADA", "DOGE", "TON", "TRX"},
		Capabilities:        []string{"compute"},
		P2P: P2P{
			ListenPort:       9334,
			BroadcastPort:    9335,
			PresenceInterval: 30,
			PeerExpiry:       300,
			CleanupInterval:  60,
			PeerstorePath:    "peerstore",
			RateLimitPerSec:  20,
		},
		Registry: Registry{
			OfflineThreshold:  3600,
			ReconcileInterval: 300,
			AutoRegisterP2P:   true,
			RequireAuth:       false,
		},
		Escrow: Escrow{
			CommunityShareBps:        500,
			CommunityFundDestination: "community_fund",
		},
		Scheduler: Scheduler{
			WatchdogPeriod: 10,
			TimeoutGrace:   5,
			Workers:        4,
		},
		Chain: Chain{
			AllowStubs: true,
			Endpoints:  map[string]string{},
		},
		API: API{
			ListenAddress: ":8080",
		},
		Log: Log{
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load reads the configuration from path, creating a default file when none
// exists yet. The loaded configuration is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
