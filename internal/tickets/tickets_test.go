package tickets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ticketing/internal/blockchain"
	"ticketing/internal/credential"
	"ticketing/internal/settlement"
	"ticketing/internal/storage"
)

type fakeAuthorizer struct {
	err   error
	calls []string
}

func (a *fakeAuthorizer) Authorize(_ context.Context, userID, eventName string) (credential.Authorization, error) {
	a.calls = append(a.calls, userID+"@"+eventName)
	if a.err != nil {
		return credential.Authorization{}, a.err
	}
	return credential.Authorization{UserID: userID, PublicKey: "pk-" + userID, EventName: eventName, EventCredential: "EC1"}, nil
}

type fakeContract struct {
	calls []string
}

func (c *fakeContract) Buy(_ context.Context, publicKey string, numTickets int, payment float64, eventCredential string) (blockchain.Receipt, error) {
	c.calls = append(c.calls, "buy:"+publicKey+":"+eventCredential)
	return blockchain.Receipt{TxCount: "1", Event: "concert1", NumTickets: numTickets, Amount: payment}, nil
}

func (c *fakeContract) UseTicket(_ context.Context, publicKey string, numTickets int, eventCredential string) (blockchain.Ack, error) {
	c.calls = append(c.calls, "use:"+publicKey)
	return blockchain.Ack{TxCount: "2", Event: "concert1"}, nil
}

func (c *fakeContract) HandleResales(_ context.Context, publicKey string) (blockchain.Ack, error) {
	c.calls = append(c.calls, "handle:"+publicKey)
	return blockchain.Ack{TxCount: "3", Event: "concert1"}, nil
}

func (c *fakeContract) ReadEvent(context.Context) (blockchain.EventState, error) {
	return blockchain.EventState{EventName: "concert1"}, nil
}

func (c *fakeContract) InitEvent(_ context.Context, spec blockchain.EventSpec) (blockchain.Ack, error) {
	c.calls = append(c.calls, "init:"+spec.PublicKey+":"+spec.Name)
	return blockchain.Ack{TxCount: "0", Event: spec.Name}, nil
}

type fakeMarket struct {
	submitted []settlement.Transaction
}

func (m *fakeMarket) Submit(_ context.Context, auth credential.Authorization, txType settlement.TxType, numTickets int, price float64) (string, error) {
	m.submitted = append(m.submitted, settlement.Transaction{Type: txType, EventName: auth.EventName, PublicKey: auth.PublicKey, NumTickets: numTickets, Price: price, EventCredential: auth.EventCredential})
	return settlement.PoolKeyPrefix + "1", nil
}

func (m *fakeMarket) Settle(context.Context) (settlement.BatchReport, error) {
	return settlement.BatchReport{BatchID: "b1"}, nil
}

type fakeUsers struct{}

func (fakeUsers) GetUser(id string) (*storage.User, error) {
	if id != "u1" {
		return nil, storage.ErrUserNotFound
	}
	return &storage.User{ID: id, PublicKey: "pk-u1"}, nil
}

func TestOperationsAreAuthorizedFirst(t *testing.T) {
	auth := &fakeAuthorizer{}
	contract := &fakeContract{}
	market := &fakeMarket{}
	s := NewService(auth, contract, market, fakeUsers{})
	ctx := context.Background()

	receipt, err := s.Buy(ctx, "u1", "concert1", 2, 20)
	require.NoError(t, err)
	require.Equal(t, 2, receipt.NumTickets)

	_, err = s.UseTicket(ctx, "u1", "concert1", 1)
	require.NoError(t, err)

	key, err := s.Resell(ctx, "u1", "concert1", 1, 25)
	require.NoError(t, err)
	require.Equal(t, settlement.PoolKeyPrefix+"1", key)

	_, err = s.Rebuy(ctx, "u1", "concert1", 1, 25)
	require.NoError(t, err)

	require.Equal(t, []string{"u1@concert1", "u1@concert1", "u1@concert1", "u1@concert1"}, auth.calls)
	require.Equal(t, []string{"buy:pk-u1:EC1", "use:pk-u1"}, contract.calls)
	require.Equal(t, []settlement.TxType{settlement.Resell, settlement.Rebuy}, []settlement.TxType{market.submitted[0].Type, market.submitted[1].Type})
}

func TestUnauthorizedOperationsDoNothing(t *testing.T) {
	auth := &fakeAuthorizer{err: credential.ErrNotAuthorized}
	contract := &fakeContract{}
	market := &fakeMarket{}
	s := NewService(auth, contract, market, fakeUsers{})
	ctx := context.Background()

	_, err := s.Buy(ctx, "u1", "concert1", 1, 10)
	require.ErrorIs(t, err, credential.ErrNotAuthorized)
	_, err = s.UseTicket(ctx, "u1", "concert1", 1)
	require.ErrorIs(t, err, credential.ErrNotAuthorized)
	_, err = s.Resell(ctx, "u1", "concert1", 1, 10)
	require.ErrorIs(t, err, credential.ErrNotAuthorized)
	_, err = s.Rebuy(ctx, "u1", "concert1", 1, 10)
	require.ErrorIs(t, err, credential.ErrNotAuthorized)

	require.Empty(t, contract.calls)
	require.Empty(t, market.submitted)
}

func TestEventAdministration(t *testing.T) {
	contract := &fakeContract{}
	s := NewService(&fakeAuthorizer{}, contract, &fakeMarket{}, fakeUsers{})
	ctx := context.Background()

	_, err := s.HandleResales(ctx, "u1")
	require.NoError(t, err)

	ack, err := s.InitEvent(ctx, "u1", blockchain.EventSpec{PublicKey: "ignored", Name: "concert1", NumTickets: 10, Price: 5})
	require.NoError(t, err)
	require.Equal(t, "concert1", ack.Event)
	require.Equal(t, []string{"handle:pk-u1", "init:pk-u1:concert1"}, contract.calls)

	_, err = s.HandleResales(ctx, "nobody")
	require.ErrorIs(t, err, storage.ErrUserNotFound)

	state, err := s.ReadEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, "concert1", state.EventName)

	report, err := s.Settle(ctx)
	require.NoError(t, err)
	require.Equal(t, "b1", report.BatchID)
}
