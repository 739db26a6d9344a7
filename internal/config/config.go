package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FailurePolicy decides what happens to the pool key of a pending
// transaction whose settlement failed.
type FailurePolicy string

const (
	// FailurePolicyDelete removes every key of a batch; failures are
	// recorded as unresolved losses.
	FailurePolicyDelete FailurePolicy = "delete"
	// FailurePolicyRetain keeps the keys of records that failed to decrypt
	// or execute so the next batch picks them up again.
	FailurePolicyRetain FailurePolicy = "retain"
)

type DKG struct {
	Binary    string
	NumNodes  int
	StartNode int
}

type Ledger struct {
	Binary        string
	StartNode     int
	PrivateKey    string
	OutputLog     string
	PollInterval  time.Duration
	SettleTimeout time.Duration
}

type MPC struct {
	Dir        string
	NumPlayers int
	NumRounds  int
	Key        string
}

type Settlement struct {
	PoolKeyAttempts int
	FailurePolicy   FailurePolicy
	Interval        time.Duration
	LeaseTTL        time.Duration
}

type HTTP struct {
	Addr      string
	RateLimit float64
	RateBurst int
}

type Log struct {
	Level     string
	File      string
	ErrorFile string
	Console   bool
}

// Config is built once at startup and handed to every constructor.
type Config struct {
	NodeConfigDir       string
	CollaboratorTimeout time.Duration
	DatabasePath        string

	DKG        DKG
	Ledger     Ledger
	MPC        MPC
	Settlement Settlement
	HTTP       HTTP
	Log        Log
}

// Default returns the configuration used when no environment overrides it.
func Default() Config {
	return Config{
		NodeConfigDir:       "/tmp",
		CollaboratorTimeout: 30 * time.Second,
		DatabasePath:        "persistent.db",
		DKG: DKG{
			Binary:    "dkgcli",
			NumNodes:  3,
			StartNode: 1,
		},
		Ledger: Ledger{
			Binary:        "memcoin",
			StartNode:     1,
			PrivateKey:    "dela/private.key",
			OutputLog:     "dela/outputs/dela_outputs.txt",
			PollInterval:  100 * time.Millisecond,
			SettleTimeout: 5 * time.Second,
		},
		MPC: MPC{
			Dir:        "mpspdz",
			NumPlayers: 3,
			NumRounds:  133,
		},
		Settlement: Settlement{
			PoolKeyAttempts: 5,
			FailurePolicy:   FailurePolicyDelete,
			LeaseTTL:        2 * time.Minute,
		},
		HTTP: HTTP{
			Addr:      ":8080",
			RateLimit: 20,
			RateBurst: 40,
		},
		Log: Log{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads envFile (if it exists) into the process environment and builds
// a validated Config from it.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, starting from Default.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	p := parser{getenv: getenv}

	c.NodeConfigDir = p.str("NODE_CONFIG_DIR", c.NodeConfigDir)
	c.CollaboratorTimeout = p.duration("COLLABORATOR_TIMEOUT", c.CollaboratorTimeout)
	c.DatabasePath = p.str("DATABASE_PATH", c.DatabasePath)

	c.DKG.Binary = p.str("DKG_BINARY", c.DKG.Binary)
	c.DKG.NumNodes = p.integer("DKG_NUM_NODES", c.DKG.NumNodes)
	c.DKG.StartNode = p.integer("DKG_START_NODE", c.DKG.StartNode)

	c.Ledger.Binary = p.str("DELA_BINARY", c.Ledger.Binary)
	c.Ledger.StartNode = p.integer("DELA_START_NODE", c.Ledger.StartNode)
	c.Ledger.PrivateKey = p.str("DELA_PRIVATE_KEY", c.Ledger.PrivateKey)
	c.Ledger.OutputLog = p.str("DELA_OUTPUT_LOG", c.Ledger.OutputLog)
	c.Ledger.PollInterval = p.duration("LEDGER_POLL_INTERVAL", c.Ledger.PollInterval)
	c.Ledger.SettleTimeout = p.duration("LEDGER_SETTLE_TIMEOUT", c.Ledger.SettleTimeout)

	c.MPC.Dir = p.str("MPC_DIR", c.MPC.Dir)
	c.MPC.NumPlayers = p.integer("MPC_NUM_PLAYERS", c.MPC.NumPlayers)
	c.MPC.NumRounds = p.integer("MPC_NUM_ROUNDS", c.MPC.NumRounds)
	c.MPC.Key = p.str("MPC_KEY", c.MPC.Key)

	c.Settlement.PoolKeyAttempts = p.integer("POOL_KEY_ATTEMPTS", c.Settlement.PoolKeyAttempts)
	c.Settlement.FailurePolicy = FailurePolicy(strings.ToLower(p.str("SETTLEMENT_FAILURE_POLICY", string(c.Settlement.FailurePolicy))))
	c.Settlement.Interval = p.duration("SETTLEMENT_INTERVAL", c.Settlement.Interval)
	c.Settlement.LeaseTTL = p.duration("SETTLEMENT_LEASE_TTL", c.Settlement.LeaseTTL)

	c.HTTP.Addr = p.str("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.RateLimit = p.float("HTTP_RATE_LIMIT", c.HTTP.RateLimit)
	c.HTTP.RateBurst = p.integer("HTTP_RATE_BURST", c.HTTP.RateBurst)

	c.Log.Level = p.str("LOG_LEVEL", c.Log.Level)
	c.Log.File = p.str("LOG_FILE", c.Log.File)
	c.Log.ErrorFile = p.str("LOG_ERROR_FILE", c.Log.ErrorFile)
	c.Log.Console = p.boolean("LOG_CONSOLE", c.Log.Console)

	if p.err != nil {
		return Config{}, p.err
	}

	if c.MPC.Key == "" {
		key, err := randomKey()
		if err != nil {
			return Config{}, err
		}
		c.MPC.Key = key
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c Config) Validate() error {
	switch {
	case c.DKG.NumNodes <= 0:
		return errors.New("DKG_NUM_NODES must be positive")
	case c.MPC.NumPlayers <= 1:
		return errors.New("MPC_NUM_PLAYERS must be at least 2")
	case c.MPC.NumRounds <= 0:
		return errors.New("MPC_NUM_ROUNDS must be positive")
	case c.CollaboratorTimeout <= 0:
		return errors.New("COLLABORATOR_TIMEOUT must be positive")
	case c.Ledger.PollInterval <= 0:
		return errors.New("LEDGER_POLL_INTERVAL must be positive")
	case c.Ledger.SettleTimeout < c.Ledger.PollInterval:
		return errors.New("LEDGER_SETTLE_TIMEOUT must not be shorter than LEDGER_POLL_INTERVAL")
	case c.Settlement.PoolKeyAttempts <= 0:
		return errors.New("POOL_KEY_ATTEMPTS must be positive")
	case c.Settlement.LeaseTTL < time.Second:
		return errors.New("SETTLEMENT_LEASE_TTL must be at least 1s")
	case c.Settlement.Interval < 0:
		return errors.New("SETTLEMENT_INTERVAL must not be negative")
	case c.HTTP.RateLimit <= 0 || c.HTTP.RateBurst <= 0:
		return errors.New("HTTP_RATE_LIMIT and HTTP_RATE_BURST must be positive")
	}

	switch c.Settlement.FailurePolicy {
	case FailurePolicyDelete, FailurePolicyRetain:
	default:
		return fmt.Errorf("unknown SETTLEMENT_FAILURE_POLICY %q", c.Settlement.FailurePolicy)
	}

	return nil
}

// NodeConfig returns the per-node configuration directory passed to the
// collaborator CLIs as --config.
func (c Config) NodeConfig(node int) string {
	return fmt.Sprintf("%s/node%d", strings.TrimRight(c.NodeConfigDir, "/"), node)
}

// randomKey draws the 128-bit MiMC PRF key used by the hash committee.
func randomKey() (string, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	k, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("drawing mpc key: %w", err)
	}
	return k.String(), nil
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, fallback string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (p *parser) integer(key string, fallback int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) boolean(key string, fallback bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return d
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parsing %s: %w", key, err)
	}
}
