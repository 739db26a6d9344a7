package storage

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type Storage interface {
	// user
	CreateUser(user *User) error
	GetUser(id string) (*User, error)
	UpdateUserCredentials(user *User) error

	// settlement audit
	SaveSettlementRecords(records []*SettlementRecord) error
	GetSettlementRecords(batchID string) ([]*SettlementRecord, error)
	GetUnresolvedSettlementRecords() ([]*SettlementRecord, error)
	GetUndeletedSettledKeys(poolKeys []string) (map[string]bool, error)
	MarkPoolKeysDeleted(poolKeys []string) error

	// settlement lease
	AcquireLease(name, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(name, owner string) error
}

// credentialColumns are written together by every credential transition.
var credentialColumns = []string{
	"credential_state",
	"identity_hash",
	"master_credential",
	"master_signatures",
	"event_name",
	"event_credential",
	"event_signatures",
}
