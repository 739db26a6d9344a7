package settlement

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type TxType string

const (
	Resell TxType = "resell"
	Rebuy  TxType = "rebuy"
)

// ErrMalformedTransaction is returned for a decrypted record that is not a
// secondary transaction.
var ErrMalformedTransaction = errors.New("malformed secondary transaction")

const (
	fieldSeparator = ";"
	fieldCount     = 6
)

// Transaction is a resale offer or a rebuy order waiting in the pending
// pool. It only exists as plaintext between submission and encryption, and
// between decryption and execution.
type Transaction struct {
	Type            TxType
	EventName       string
	PublicKey       string
	NumTickets      int
	Price           float64
	EventCredential string
}

func (t Transaction) Validate() error {
	if t.Type != Resell && t.Type != Rebuy {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedTransaction, t.Type)
	}
	for name, v := range map[string]string{
		"event name":       t.EventName,
		"public key":       t.PublicKey,
		"event credential": t.EventCredential,
	} {
		if v == "" || strings.Contains(v, fieldSeparator) {
			return fmt.Errorf("%w: %s is empty or contains %q", ErrMalformedTransaction, name, fieldSeparator)
		}
	}
	if t.NumTickets <= 0 {
		return fmt.Errorf("%w: ticket count must be positive", ErrMalformedTransaction)
	}
	if t.Price < 0 || math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return fmt.Errorf("%w: price must be a non-negative number", ErrMalformedTransaction)
	}
	return nil
}

// Encode renders type;eventName;publicKey;numTickets;price;eventCredential.
func (t Transaction) Encode() string {
	return strings.Join([]string{
		string(t.Type),
		t.EventName,
		t.PublicKey,
		strconv.Itoa(t.NumTickets),
		strconv.FormatFloat(t.Price, 'f', -1, 64),
		t.EventCredential,
	}, fieldSeparator)
}

// DecodeTransaction parses a record produced by Encode. Anything but
// exactly six valid fields is rejected.
func DecodeTransaction(record string) (Transaction, error) {
	fields := strings.Split(record, fieldSeparator)
	if len(fields) != fieldCount {
		return Transaction{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformedTransaction, len(fields), fieldCount)
	}

	numTickets, err := strconv.Atoi(fields[3])
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: ticket count: %v", ErrMalformedTransaction, err)
	}
	price, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: price: %v", ErrMalformedTransaction, err)
	}

	tx := Transaction{
		Type:            TxType(fields[0]),
		EventName:       fields[1],
		PublicKey:       fields[2],
		NumTickets:      numTickets,
		Price:           price,
		EventCredential: fields[5],
	}
	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}
