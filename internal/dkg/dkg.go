// Package dkg is the gateway to the threshold-encryption committee. It
// drives the committee's CLI for encryption, decryption and the issuance and
// verification of master and event credentials.
package dkg

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ticketing/internal/collaborator"
	"ticketing/internal/config"
	"ticketing/internal/logger"
)

const gatewayName = "dkg"

// Credential is a committee-issued token together with one signature per
// committee member, in committee order.
type Credential struct {
	Credential string
	Signatures []string
}

type Gateway struct {
	binary        string
	nodeConfig    string
	committeeSize int
	timeout       time.Duration
	runner        collaborator.Runner
	observer      collaborator.Observer
}

func New(cfg config.Config, runner collaborator.Runner, observer collaborator.Observer) *Gateway {
	if observer == nil {
		observer = collaborator.NopObserver()
	}
	return &Gateway{
		binary:        cfg.DKG.Binary,
		nodeConfig:    cfg.NodeConfig(cfg.DKG.StartNode),
		committeeSize: cfg.DKG.NumNodes,
		timeout:       cfg.CollaboratorTimeout,
		runner:        runner,
		observer:      observer,
	}
}

// CommitteeSize is the number of signatures every credential must carry.
func (g *Gateway) CommitteeSize() int {
	return g.committeeSize
}

// run executes one dkg subcommand under the collaborator timeout.
func (g *Gateway) run(ctx context.Context, op string, args ...string) (out string, err error) {
	started := time.Now()
	defer func() { g.observer.ObserveCall(gatewayName, op, time.Since(started), err) }()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := collaborator.Command{
		Name: g.binary,
		Args: append([]string{"--config", g.nodeConfig, "dkg", op}, args...),
	}

	logger.Debug("dkg: running command...", zap.String("op", op))
	out, err = g.runner.Run(ctx, cmd)
	if err != nil {
		logger.Warn("dkg: command failed", zap.String("op", op), zap.Error(err))
		return "", err
	}
	logger.Debug("dkg: running command... done", zap.String("op", op))
	return out, nil
}
