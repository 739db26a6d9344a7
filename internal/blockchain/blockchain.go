// Package blockchain is the gateway to the ledger. Commands are submitted to
// a ledger node through its CLI; their results are read back from the node's
// shared output log.
package blockchain

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"ticketing/internal/collaborator"
	"ticketing/internal/config"
	"ticketing/internal/logger"
)

const gatewayName = "ledger"

const (
	valueContract = "go.dedis.ch/dela.Value"
	eventContract = "go.dedis.ch/dela.Event"
)

type Gateway struct {
	binary     string
	nodeConfig string
	privateKey string
	timeout    time.Duration
	runner     collaborator.Runner
	output     collaborator.LogSource
	waiter     collaborator.Waiter
	observer   collaborator.Observer

	// one command in flight per gateway, so a result line is never
	// attributed to a concurrent command with the same tag
	mu sync.Mutex
}

func New(cfg config.Config, runner collaborator.Runner, output collaborator.LogSource, clk clockwork.Clock, observer collaborator.Observer) *Gateway {
	if observer == nil {
		observer = collaborator.NopObserver()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Gateway{
		binary:     cfg.Ledger.Binary,
		nodeConfig: cfg.NodeConfig(cfg.Ledger.StartNode),
		privateKey: cfg.Ledger.PrivateKey,
		timeout:    cfg.CollaboratorTimeout,
		runner:     runner,
		output:     output,
		waiter: collaborator.Waiter{
			Clock:    clk,
			Interval: cfg.Ledger.PollInterval,
			Timeout:  cfg.Ledger.SettleTimeout,
		},
		observer: observer,
	}
}

// call describes one contract command and how to recognise its result.
type call struct {
	op       string
	contract string
	command  string
	args     []string
	tag      string
	arity    collaborator.Arity
	// match rejects result lines that belong to another command
	match func(collaborator.Record) bool
}

// submit adds a transaction to the node's pool and waits for its result line
// to show up in the output log.
func (g *Gateway) submit(ctx context.Context, c call) (fields []string, err error) {
	started := time.Now()
	defer func() { g.observer.ObserveCall(gatewayName, c.op, time.Since(started), err) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	offset, err := g.waiter.Offset(g.output)
	if err != nil {
		return nil, collaborator.Unavailable(c.op, err)
	}

	args := []string{
		"--config", g.nodeConfig, "pool", "add",
		"--key", g.privateKey,
		"--args", "go.dedis.ch/dela.ContractArg", "--args", c.contract,
	}
	for _, arg := range c.args {
		args = append(args, "--args", arg)
	}
	args = append(args, "--args", "value:command", "--args", c.command)

	logger.Debug("ledger: submitting transaction...", zap.String("op", c.op))
	if _, err := g.runner.Run(ctx, collaborator.Command{Name: g.binary, Args: args}); err != nil {
		logger.Warn("ledger: submission failed", zap.String("op", c.op), zap.Error(err))
		return nil, err
	}

	rec, err := g.waiter.Await(ctx, c.op, g.output, offset, func(lines []string) (collaborator.Record, bool) {
		return collaborator.FindLast(lines, c.tag, c.match)
	})
	if err != nil {
		logger.Warn("ledger: no result", zap.String("op", c.op), zap.Error(err))
		return nil, err
	}
	logger.Debug("ledger: submitting transaction... done", zap.String("op", c.op), zap.String("status", string(rec.Status)))

	return c.arity.Check(c.op, rec)
}

// checkArg refuses arguments that would corrupt the result line format.
func checkArg(op, name, value string) error {
	if value == "" {
		return collaborator.Malformed(op, "%s is empty", name)
	}
	if strings.ContainsAny(value, ";\n\r \t") || strings.Contains(value, "//") {
		return collaborator.Malformed(op, "%s contains a reserved character", name)
	}
	return nil
}

// fieldIs reports whether rec carries want at index i.
func fieldIs(rec collaborator.Record, i int, want string) bool {
	return i < len(rec.Fields) && rec.Fields[i] == want
}
