package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Engine struct {
	// Admin may pause and unpause the engine.
	Admin string
	// Escrow holds cards while they are listed or under auction.
	Escrow string

	MinAuctionDuration time.Duration
	MaxAuctionDuration time.Duration
	// ExtensionWindow is the anti-sniping window: a bid landing inside it
	// pushes the auction end out to now + ExtensionWindow.
	ExtensionWindow time.Duration
	// IncrementBps is the minimum outbid increment in basis points.
	IncrementBps int64
}

type Node struct {
	DataDir string
	APIAddr string
	// GossipListen is the libp2p listen multiaddr. Empty disables gossip.
	GossipListen string
	// GossipBootstrap are peer multiaddrs to dial on startup.
	GossipBootstrap []string
	LogFile         string
}

type Config struct {
	Engine Engine
	Node   Node
}

func Default() Config {
	return Config{
		Engine: Engine{
			Admin:              "0x0000000000000000000000000000000000000001",
			Escrow:             "0x00000000000000000000000000000000000000Ee",
			MinAuctionDuration: time.Minute,
			MaxAuctionDuration: 30 * 24 * time.Hour,
			ExtensionWindow:    5 * time.Minute,
			IncrementBps:       500,
		},
		Node: Node{
			DataDir: "data",
			APIAddr: ":8080",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Engine.Admin = getEnv("ENGINE_ADMIN", cfg.Engine.Admin)
	cfg.Engine.Escrow = getEnv("ENGINE_ESCROW", cfg.Engine.Escrow)

	if v := os.Getenv("AUCTION_MIN_DURATION_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MinAuctionDuration = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("AUCTION_MAX_DURATION_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxAuctionDuration = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("AUCTION_EXTENSION_WINDOW_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Engine.ExtensionWindow = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("AUCTION_INCREMENT_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.IncrementBps = bps
		}
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.GossipListen = getEnv("GOSSIP_LISTEN", cfg.Node.GossipListen)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)

	if peers := os.Getenv("GOSSIP_BOOTSTRAP"); peers != "" {
		// Example: "/ip4/1.2.3.4/tcp/4001/p2p/Qm...,/ip4/5.6.7.8/tcp/4001/p2p/Qm..."
		cfg.Node.GossipBootstrap = strings.Split(peers, ",")
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
