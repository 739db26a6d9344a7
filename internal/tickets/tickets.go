// Package tickets implements the ticket operations a user can request.
// Every operation on an event is authorized first; buy and use go straight
// to the event contract, resell and rebuy go through the pending pool.
package tickets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ticketing/internal/blockchain"
	"ticketing/internal/credential"
	"ticketing/internal/logger"
	"ticketing/internal/settlement"
	"ticketing/internal/storage"
)

type Authorizer interface {
	Authorize(ctx context.Context, userID, eventName string) (credential.Authorization, error)
}

type EventContract interface {
	Buy(ctx context.Context, publicKey string, numTickets int, payment float64, eventCredential string) (blockchain.Receipt, error)
	UseTicket(ctx context.Context, publicKey string, numTickets int, eventCredential string) (blockchain.Ack, error)
	HandleResales(ctx context.Context, publicKey string) (blockchain.Ack, error)
	ReadEvent(ctx context.Context) (blockchain.EventState, error)
	InitEvent(ctx context.Context, spec blockchain.EventSpec) (blockchain.Ack, error)
}

type Market interface {
	Submit(ctx context.Context, auth credential.Authorization, txType settlement.TxType, numTickets int, price float64) (string, error)
	Settle(ctx context.Context) (settlement.BatchReport, error)
}

type Users interface {
	GetUser(id string) (*storage.User, error)
}

type Service struct {
	auth     Authorizer
	contract EventContract
	market   Market
	users    Users
}

func NewService(auth Authorizer, contract EventContract, market Market, users Users) *Service {
	return &Service{auth: auth, contract: contract, market: market, users: users}
}

func (s *Service) Buy(ctx context.Context, userID, eventName string, numTickets int, payment float64) (blockchain.Receipt, error) {
	auth, err := s.auth.Authorize(ctx, userID, eventName)
	if err != nil {
		return blockchain.Receipt{}, err
	}

	receipt, err := s.contract.Buy(ctx, auth.PublicKey, numTickets, payment, auth.EventCredential)
	if err != nil {
		return blockchain.Receipt{}, fmt.Errorf("buying tickets: %w", err)
	}

	logger.Info("tickets bought", zap.String("user", userID), zap.String("event", eventName), zap.Int("tickets", receipt.NumTickets))
	return receipt, nil
}

func (s *Service) UseTicket(ctx context.Context, userID, eventName string, numTickets int) (blockchain.Ack, error) {
	auth, err := s.auth.Authorize(ctx, userID, eventName)
	if err != nil {
		return blockchain.Ack{}, err
	}

	ack, err := s.contract.UseTicket(ctx, auth.PublicKey, numTickets, auth.EventCredential)
	if err != nil {
		return blockchain.Ack{}, fmt.Errorf("using tickets: %w", err)
	}
	return ack, nil
}

// Resell places a resale offer in the pending pool and returns its pool key.
func (s *Service) Resell(ctx context.Context, userID, eventName string, numTickets int, price float64) (string, error) {
	return s.submit(ctx, settlement.Resell, userID, eventName, numTickets, price)
}

// Rebuy places a rebuy order in the pending pool and returns its pool key.
func (s *Service) Rebuy(ctx context.Context, userID, eventName string, numTickets int, price float64) (string, error) {
	return s.submit(ctx, settlement.Rebuy, userID, eventName, numTickets, price)
}

func (s *Service) submit(ctx context.Context, txType settlement.TxType, userID, eventName string, numTickets int, price float64) (string, error) {
	auth, err := s.auth.Authorize(ctx, userID, eventName)
	if err != nil {
		return "", err
	}
	return s.market.Submit(ctx, auth, txType, numTickets, price)
}

func (s *Service) Settle(ctx context.Context) (settlement.BatchReport, error) {
	return s.market.Settle(ctx)
}

// HandleResales asks the event contract to match resale offers with rebuy
// orders on behalf of the user.
func (s *Service) HandleResales(ctx context.Context, userID string) (blockchain.Ack, error) {
	user, err := s.users.GetUser(userID)
	if err != nil {
		return blockchain.Ack{}, err
	}
	return s.contract.HandleResales(ctx, user.PublicKey)
}

func (s *Service) ReadEvent(ctx context.Context) (blockchain.EventState, error) {
	return s.contract.ReadEvent(ctx)
}

// InitEvent creates an event owned by the user.
func (s *Service) InitEvent(ctx context.Context, userID string, spec blockchain.EventSpec) (blockchain.Ack, error) {
	user, err := s.users.GetUser(userID)
	if err != nil {
		return blockchain.Ack{}, err
	}
	spec.PublicKey = user.PublicKey
	return s.contract.InitEvent(ctx, spec)
}
