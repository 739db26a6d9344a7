// Package mpc is the gateway to the hash committee. It secret-shares a
// pre-hash of a name among the players and runs the multi-party MiMC PRF
// over the shares to obtain the identity hash.
package mpc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ticketing/internal/collaborator"
	"ticketing/internal/config"
	"ticketing/internal/logger"
)

const (
	gatewayName  = "mpc"
	digestMarker = "Encrypted Message: "
	program      = "prf_mimc_mine"
	protocol     = "mascot"
)

type Gateway struct {
	dir          string
	players      int
	rounds       int
	key          string
	timeout      time.Duration
	runner       collaborator.Runner
	observer     collaborator.Observer
	coefficients Coefficients

	// the players read their inputs from fixed file names
	mu sync.Mutex
}

type Option func(*Gateway)

// WithCoefficients replaces the random source of the sharing polynomial.
func WithCoefficients(c Coefficients) Option {
	return func(g *Gateway) { g.coefficients = c }
}

func New(cfg config.Config, runner collaborator.Runner, observer collaborator.Observer, opts ...Option) *Gateway {
	if observer == nil {
		observer = collaborator.NopObserver()
	}
	g := &Gateway{
		dir:          cfg.MPC.Dir,
		players:      cfg.MPC.NumPlayers,
		rounds:       cfg.MPC.NumRounds,
		key:          cfg.MPC.Key,
		timeout:      cfg.CollaboratorTimeout,
		runner:       runner,
		observer:     observer,
		coefficients: RandomCoefficients,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Hash returns the committee's digest of name.
func (g *Gateway) Hash(ctx context.Context, name string) (digest string, err error) {
	started := time.Now()
	defer func() { g.observer.ObserveCall(gatewayName, "hash", time.Since(started), err) }()

	if strings.TrimSpace(name) == "" {
		return "", collaborator.Malformed("hash", "empty name")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	logger.Debug("mpc: sharing input...", zap.Int("players", g.players))
	if err := g.writeShares(name); err != nil {
		return "", err
	}
	logger.Debug("mpc: sharing input... done")

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	script, err := filepath.Abs(filepath.Join(g.dir, "Scripts", "compile-run.py"))
	if err != nil {
		return "", collaborator.Unavailable("hash", err)
	}

	cmd := collaborator.Command{
		Dir:  g.dir,
		Name: script,
		Args: []string{"-E", protocol, program, strconv.Itoa(g.players), strconv.Itoa(g.rounds), g.key},
	}

	logger.Debug("mpc: running computation...")
	out, err := g.runner.Run(ctx, cmd)
	if err != nil {
		logger.Warn("mpc: computation failed", zap.Error(err))
		return "", err
	}
	logger.Debug("mpc: running computation... done")

	return ParseDigest(out)
}

func (g *Gateway) writeShares(name string) error {
	shares, err := Split(PreHash(name), g.players, g.coefficients)
	if err != nil {
		return collaborator.Malformed("hash", "%v", err)
	}

	dataDir := filepath.Join(g.dir, "Player-Data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return collaborator.Unavailable("hash", err)
	}

	for i, share := range shares {
		path := filepath.Join(dataDir, fmt.Sprintf("Input-P%d-0", i))
		if err := os.WriteFile(path, []byte(share.Y.String()), 0o600); err != nil {
			return collaborator.Unavailable("hash", err)
		}
	}
	return nil
}

var digestNoise = strings.NewReplacer(" ", "", "-", "", "[", "", "]", "", ",", "")

// ParseDigest extracts the digest from the first "Encrypted Message: " line
// of the computation's output.
func ParseDigest(out string) (string, error) {
	for _, line := range collaborator.SplitOutput(out) {
		_, after, found := strings.Cut(line, digestMarker)
		if !found {
			continue
		}
		digest := digestNoise.Replace(strings.TrimSpace(after))
		if digest == "" {
			return "", collaborator.Malformed("hash", "empty digest")
		}
		return digest, nil
	}
	return "", collaborator.Malformed("hash", "no digest line in output")
}
