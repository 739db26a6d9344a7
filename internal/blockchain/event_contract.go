package blockchain

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"ticketing/internal/collaborator"
)

var (
	transferArity  = collaborator.Arity{Success: 4, Error: 2, ReasonField: 1}
	ackArity       = collaborator.Arity{Success: 2, Error: 2, ReasonField: 1}
	readEventArity = collaborator.Arity{Success: 3, Error: 2, ReasonField: 1, GreedyLast: true}
	initArity      = collaborator.Arity{Success: 7, Error: 2, ReasonField: 1}
)

// Receipt is the result of a command that moves tickets against a payment.
type Receipt struct {
	TxCount    string
	Event      string
	NumTickets int
	Amount     float64
}

// Ack is the result of a command that only reports the event it ran on.
type Ack struct {
	TxCount string
	Event   string
}

// EventSpec describes a new event.
type EventSpec struct {
	PublicKey      string
	Name           string
	NumTickets     int
	Price          float64
	MaxResalePrice float64
	ResaleRoyalty  float64
}

type Owner struct {
	PublicKey  string `json:"pk"`
	NumTickets string `json:"num_tickets"`
}

type Order struct {
	PublicKey  string `json:"pk"`
	NumTickets string `json:"num_tickets"`
	Price      string `json:"price"`
}

type Balance struct {
	PublicKey string `json:"pk"`
	Balance   string `json:"balance"`
}

// EventState is the contract's view of an event, as reported by
// READEVENTCONTRACT.
type EventState struct {
	TxCount        string    `json:"-"`
	EventName      string    `json:"event_name"`
	NumTickets     string    `json:"num_tickets"`
	NumTicketsLeft string    `json:"num_tickets_left"`
	Price          string    `json:"price"`
	MaxResalePrice string    `json:"max_resale_price"`
	ResaleRoyalty  string    `json:"resale_royalty"`
	Owners         []Owner   `json:"owners"`
	Resellers      []Order   `json:"resellers"`
	Rebuyers       []Order   `json:"rebuyers"`
	UsersBalance   []Balance `json:"users_balance"`
}

// Buy purchases numTickets on the primary market.
func (g *Gateway) Buy(ctx context.Context, publicKey string, numTickets int, payment float64, eventCredential string) (Receipt, error) {
	return g.transfer(ctx, "buy", "BUY", "EVENTCONTRACT_BUYOUTPUT", numTickets, payment, []string{
		"value:buyPK", publicKey,
		"value:buyNumTickets", strconv.Itoa(numTickets),
		"value:buyPayment", formatAmount(payment),
		"value:buyEventCredential", eventCredential,
	})
}

// Resell offers numTickets for resale at price per ticket.
func (g *Gateway) Resell(ctx context.Context, publicKey string, numTickets int, price float64) (Receipt, error) {
	return g.transfer(ctx, "resell", "RESELL", "EVENTCONTRACT_RESELLOUTPUT", numTickets, price, []string{
		"value:resellPK", publicKey,
		"value:resellNumTickets", strconv.Itoa(numTickets),
		"value:resellPrice", formatAmount(price),
	})
}

// Rebuy places an order for numTickets resold tickets at price per ticket.
func (g *Gateway) Rebuy(ctx context.Context, publicKey string, numTickets int, price float64, eventCredential string) (Receipt, error) {
	return g.transfer(ctx, "rebuy", "REBUY", "EVENTCONTRACT_REBUYOUTPUT", numTickets, price, []string{
		"value:rebuyPK", publicKey,
		"value:rebuyNumTickets", strconv.Itoa(numTickets),
		"value:rebuyPrice", formatAmount(price),
		"value:rebuyEventCredential", eventCredential,
	})
}

// UseTicket redeems numTickets held by publicKey.
func (g *Gateway) UseTicket(ctx context.Context, publicKey string, numTickets int, eventCredential string) (Ack, error) {
	if err := checkTransfer("use_ticket", publicKey, numTickets, 0); err != nil {
		return Ack{}, err
	}
	if err := checkArg("use_ticket", "event credential", eventCredential); err != nil {
		return Ack{}, err
	}

	fields, err := g.submit(ctx, call{
		op:       "use_ticket",
		contract: eventContract,
		command:  "USETICKET",
		args: []string{
			"value:useTicketPK", publicKey,
			"value:useTicketNumTickets", strconv.Itoa(numTickets),
			"value:useTicketEventCredential", eventCredential,
		},
		tag:   "EVENTCONTRACT_USETICKETOUTPUT",
		arity: ackArity,
	})
	if err != nil {
		return Ack{}, err
	}
	return Ack{TxCount: fields[0], Event: fields[1]}, nil
}

// HandleResales matches open resale offers with rebuy orders.
func (g *Gateway) HandleResales(ctx context.Context, publicKey string) (Ack, error) {
	if err := checkArg("handle_resales", "public key", publicKey); err != nil {
		return Ack{}, err
	}

	fields, err := g.submit(ctx, call{
		op:       "handle_resales",
		contract: eventContract,
		command:  "HANDLERESALES",
		args:     []string{"value:handleResalesPK", publicKey},
		tag:      "EVENTCONTRACT_HANDLERESALESOUTPUT",
		arity:    ackArity,
	})
	if err != nil {
		return Ack{}, err
	}
	return Ack{TxCount: fields[0], Event: fields[1]}, nil
}

// ReadEvent returns the contract state of the event.
func (g *Gateway) ReadEvent(ctx context.Context) (EventState, error) {
	fields, err := g.submit(ctx, call{
		op:       "read_event",
		contract: eventContract,
		command:  "READEVENTCONTRACT",
		tag:      "EVENTCONTRACT_READEVENTOUTPUT",
		arity:    readEventArity,
		// the node logs every result twice; only the plain copy carries
		// unescaped JSON
		match: func(rec collaborator.Record) bool {
			if rec.Status != collaborator.StatusSuccess || len(rec.Fields) < 3 {
				return true
			}
			var raw json.RawMessage
			return json.Unmarshal([]byte(strings.Join(rec.Fields[2:], ";")), &raw) == nil
		},
	})
	if err != nil {
		return EventState{}, err
	}

	var state EventState
	if err := json.Unmarshal([]byte(fields[2]), &state); err != nil {
		return EventState{}, collaborator.Malformed("read_event", "event data: %v", err)
	}
	state.TxCount = fields[0]
	if state.EventName == "" {
		state.EventName = fields[1]
	}
	return state, nil
}

// InitEvent creates the event on the contract.
func (g *Gateway) InitEvent(ctx context.Context, spec EventSpec) (Ack, error) {
	if err := checkArg("init", "name", spec.Name); err != nil {
		return Ack{}, err
	}
	if err := checkTransfer("init", spec.PublicKey, spec.NumTickets, spec.Price); err != nil {
		return Ack{}, err
	}
	if spec.MaxResalePrice < 0 || spec.ResaleRoyalty < 0 {
		return Ack{}, collaborator.Malformed("init", "resale terms must not be negative")
	}

	fields, err := g.submit(ctx, call{
		op:       "init",
		contract: eventContract,
		command:  "INIT",
		args: []string{
			"value:initPK", spec.PublicKey,
			"value:initName", spec.Name,
			"value:initNumTickets", strconv.Itoa(spec.NumTickets),
			"value:initPrice", formatAmount(spec.Price),
			"value:initMaxResalePrice", formatAmount(spec.MaxResalePrice),
			"value:initResaleRoyalty", formatAmount(spec.ResaleRoyalty),
		},
		tag:   "EVENTCONTRACT_INITOUTPUT",
		arity: initArity,
		match: func(rec collaborator.Record) bool {
			return rec.Status != collaborator.StatusSuccess || fieldIs(rec, 2, spec.Name)
		},
	})
	if err != nil {
		return Ack{}, err
	}
	return Ack{TxCount: fields[0], Event: fields[2]}, nil
}

// transfer runs BUY, RESELL or REBUY. Their results echo the ticket count
// and the amount, which must match the request.
func (g *Gateway) transfer(ctx context.Context, op, command, tag string, numTickets int, amount float64, args []string) (Receipt, error) {
	if err := checkTransfer(op, args[1], numTickets, amount); err != nil {
		return Receipt{}, err
	}
	for i := 1; i < len(args); i += 2 {
		if err := checkArg(op, args[i-1], args[i]); err != nil {
			return Receipt{}, err
		}
	}

	fields, err := g.submit(ctx, call{
		op:       op,
		contract: eventContract,
		command:  command,
		args:     args,
		tag:      tag,
		arity:    transferArity,
		match: func(rec collaborator.Record) bool {
			if rec.Status != collaborator.StatusSuccess {
				return true
			}
			return fieldIs(rec, 2, strconv.Itoa(numTickets)) && len(rec.Fields) > 3 && sameAmount(rec.Fields[3], amount)
		},
	})
	if err != nil {
		return Receipt{}, err
	}

	n, err := strconv.Atoi(fields[2])
	if err != nil {
		return Receipt{}, collaborator.Malformed(op, "ticket count %q: %v", fields[2], err)
	}
	paid, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Receipt{}, collaborator.Malformed(op, "amount %q: %v", fields[3], err)
	}
	return Receipt{TxCount: fields[0], Event: fields[1], NumTickets: n, Amount: paid}, nil
}

func checkTransfer(op, publicKey string, numTickets int, amount float64) error {
	if err := checkArg(op, "public key", publicKey); err != nil {
		return err
	}
	if numTickets <= 0 {
		return collaborator.Malformed(op, "ticket count must be positive, got %d", numTickets)
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return collaborator.Malformed(op, "amount must be a non-negative number")
	}
	return nil
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

// sameAmount compares an echoed amount, printed with six decimals, with the
// requested one.
func sameAmount(echoed string, want float64) bool {
	got, err := strconv.ParseFloat(echoed, 64)
	return err == nil && math.Abs(got-want) < 1e-6
}
