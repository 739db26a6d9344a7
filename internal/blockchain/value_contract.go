package blockchain

import (
	"context"
	"strings"

	"ticketing/internal/collaborator"
)

// Entry is one key/value pair stored by the value contract.
type Entry struct {
	Key   string
	Value string
}

var (
	writeArity  = collaborator.Arity{Success: 2, Error: 3}
	readArity   = collaborator.Arity{Success: 2, Error: 2}
	deleteArity = collaborator.Arity{Success: 1, Error: 2}
	listArity   = collaborator.Arity{Success: collaborator.Variadic, Error: 1}
)

// Write stores value under key. The result must echo both.
func (g *Gateway) Write(ctx context.Context, key, value string) error {
	if err := checkArg("write", "key", key); err != nil {
		return err
	}
	if err := checkArg("write", "value", value); err != nil {
		return err
	}

	_, err := g.submit(ctx, call{
		op:       "write",
		contract: valueContract,
		command:  "WRITE",
		args:     []string{"value:key", key, "value:value", value},
		tag:      "VALUECONTRACT_WRITEOUTPUT",
		arity:    writeArity,
		match: func(rec collaborator.Record) bool {
			if rec.Status == collaborator.StatusSuccess {
				return fieldIs(rec, 0, key) && fieldIs(rec, 1, value)
			}
			return fieldIs(rec, 1, key) && fieldIs(rec, 2, value)
		},
	})
	return err
}

// Read returns the value stored under key. A key that was never written
// reads as the empty string.
func (g *Gateway) Read(ctx context.Context, key string) (string, error) {
	if err := checkArg("read", "key", key); err != nil {
		return "", err
	}

	fields, err := g.submit(ctx, call{
		op:       "read",
		contract: valueContract,
		command:  "READ",
		args:     []string{"value:key", key},
		tag:      "VALUECONTRACT_READOUTPUT",
		arity:    readArity,
		match:    echoesKey(key),
	})
	if err != nil {
		return "", err
	}
	return fields[1], nil
}

// Delete removes key.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	if err := checkArg("delete", "key", key); err != nil {
		return err
	}

	_, err := g.submit(ctx, call{
		op:       "delete",
		contract: valueContract,
		command:  "DELETE",
		args:     []string{"value:key", key},
		tag:      "VALUECONTRACT_DELETEOUTPUT",
		arity:    deleteArity,
		match:    echoesKey(key),
	})
	return err
}

// List returns every stored entry, sorted by key.
func (g *Gateway) List(ctx context.Context) ([]Entry, error) {
	fields, err := g.submit(ctx, call{
		op:       "list",
		contract: valueContract,
		command:  "LIST",
		tag:      "VALUECONTRACT_LISTOUTPUT",
		arity:    listArity,
	})
	if err != nil {
		return nil, err
	}
	return parseEntries(fields)
}

func parseEntries(fields []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(fields))
	for _, field := range fields {
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, collaborator.Malformed("list", "entry %q is not key=value", field)
		}
		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries, nil
}

// echoesKey matches READ and DELETE results: success carries the key first,
// error carries it after the message.
func echoesKey(key string) func(collaborator.Record) bool {
	return func(rec collaborator.Record) bool {
		if rec.Status == collaborator.StatusSuccess {
			return fieldIs(rec, 0, key)
		}
		return fieldIs(rec, 1, key)
	}
}
