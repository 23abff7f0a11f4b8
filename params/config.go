package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Role string

const (
	RoleSequencer Role = "sequencer"
	RoleFollower  Role = "follower"
)

type Node struct {
	Role    Role
	DataDir string
	LogFile string
	Verbose bool
	// MinBlockTime paces the sequencer. Every tx in a block observes the block
	// timestamp, so this is also the resolution of order prices.
	MinBlockTime    time.Duration
	MaxBlockBytes   int64
	SkipEmptyBlocks bool
	// BLSSeed derives the sequencer's block signing key. It is only read
	// when Role is RoleSequencer.
	BLSSeed string
	// SequencerPubkey is the hex BLS public key blocks must be signed with.
	// Required on followers.
	SequencerPubkey string
	// DevFeederTPS enables the devnet traffic generator. Zero disables it.
	DevFeederTPS int
}

type Chain struct {
	ChainID uint64
	// Custody is the holder that owns escrowed funds in the ledger.
	Custody string
	// Genesis balances, each "token:holder:amount" with a decimal amount.
	Genesis []string
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type P2P struct {
	Listen    string
	Bootstrap []string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Config struct {
	Node  Node
	Chain Chain
	API   API
	P2P   P2P
	Kafka Kafka
}

func Default() Config {
	return Config{
		Node: Node{
			Role:            RoleSequencer,
			DataDir:         "./data",
			MinBlockTime:    1 * time.Second,
			MaxBlockBytes:   1 << 20,
			SkipEmptyBlocks: true,
			BLSSeed:         "lazybook-devnet-sequencer",
		},
		Chain: Chain{
			ChainID: 1337,
			Custody: "0x00000000000000000000000000000000000b00c5",
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		P2P: P2P{
			Listen: "/ip4/0.0.0.0/tcp/4001",
		},
		Kafka: Kafka{
			Topic: "lazybook.events",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if role := os.Getenv("NODE_ROLE"); role != "" {
		cfg.Node.Role = Role(role)
	}
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if v := os.Getenv("VERBOSE"); v != "" {
		cfg.Node.Verbose = v == "true"
	}
	if ms := getEnvInt("BLOCK_TIME_MS"); ms > 0 {
		cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
	}
	if n := getEnvInt("MAX_BLOCK_BYTES"); n > 0 {
		cfg.Node.MaxBlockBytes = int64(n)
	}
	if v := os.Getenv("SKIP_EMPTY_BLOCKS"); v != "" {
		cfg.Node.SkipEmptyBlocks = v == "true"
	}
	if cfg.Node.Role == RoleSequencer {
		cfg.Node.BLSSeed = getEnv("BLS_SEED", cfg.Node.BLSSeed)
	} else {
		cfg.Node.BLSSeed = ""
	}
	cfg.Node.SequencerPubkey = getEnv("SEQUENCER_PUBKEY", cfg.Node.SequencerPubkey)
	cfg.Node.DevFeederTPS = getEnvInt("DEV_FEEDER_TPS")

	if id := getEnvInt("CHAIN_ID"); id > 0 {
		cfg.Chain.ChainID = uint64(id)
	}
	cfg.Chain.Custody = getEnv("CUSTODY_ADDRESS", cfg.Chain.Custody)
	if alloc := splitList(os.Getenv("GENESIS_ALLOC")); len(alloc) > 0 {
		cfg.Chain.Genesis = alloc
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := splitList(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.API.CORSOrigins = origins
	}

	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	if peers := splitList(os.Getenv("P2P_BOOTSTRAP")); len(peers) > 0 {
		cfg.P2P.Bootstrap = peers
	}

	cfg.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
