package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ticketing/internal/blockchain"
	"ticketing/internal/logger"
)

type Contracts interface {
	Resell(ctx context.Context, publicKey string, numTickets int, price float64) (blockchain.Receipt, error)
	Rebuy(ctx context.Context, publicKey string, numTickets int, price float64, eventCredential string) (blockchain.Receipt, error)
	Delete(ctx context.Context, key string) error
}

// Executor runs decrypted secondary transactions against the event contract.
type Executor struct {
	contracts Contracts
}

func NewExecutor(contracts Contracts) *Executor {
	return &Executor{contracts: contracts}
}

// Execute dispatches tx to the matching contract command and, once the
// command committed, removes poolKey from the pending pool. The returned
// bool reports whether the key was removed.
func (e *Executor) Execute(ctx context.Context, poolKey string, tx Transaction) (blockchain.Receipt, bool, error) {
	var (
		receipt blockchain.Receipt
		err     error
	)

	switch tx.Type {
	case Rebuy:
		receipt, err = e.contracts.Rebuy(ctx, tx.PublicKey, tx.NumTickets, tx.Price, tx.EventCredential)
	case Resell:
		receipt, err = e.contracts.Resell(ctx, tx.PublicKey, tx.NumTickets, tx.Price)
	default:
		return blockchain.Receipt{}, false, fmt.Errorf("%w: unknown type %q", ErrMalformedTransaction, tx.Type)
	}
	if err != nil {
		return blockchain.Receipt{}, false, err
	}

	if err := e.contracts.Delete(ctx, poolKey); err != nil {
		logger.Error("executed transaction is still pending", zap.String("key", poolKey), zap.Error(err))
		return receipt, false, nil
	}
	return receipt, true, nil
}
