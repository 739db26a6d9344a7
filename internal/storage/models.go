package storage

// CredentialState is the persisted position of a user in the credential
// lifecycle. Verification is never persisted.
type CredentialState string

const (
	NoIdentity          CredentialState = "no_identity"
	HasIdentity         CredentialState = "has_identity"
	HasMasterCredential CredentialState = "has_master_credential"
	HasEventCredential  CredentialState = "has_event_credential"
)

type User struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	PublicKey string `gorm:"not null;default:''"`

	CredentialState  CredentialState `gorm:"not null;default:no_identity"`
	IdentityHash     string          `gorm:"not null;default:''"`
	MasterCredential string          `gorm:"not null;default:''"`
	MasterSignatures []string        `gorm:"serializer:json"`
	// EventName is the event the stored event credential is scoped to.
	EventName       string   `gorm:"not null;default:''"`
	EventCredential string   `gorm:"not null;default:''"`
	EventSignatures []string `gorm:"serializer:json"`

	CreatedUnixTime int64 `gorm:"autoCreateTime"`
	UpdatedUnixTime int64 `gorm:"autoUpdateTime"`
}

type SettlementOutcome = string

const (
	SettledOutcome   SettlementOutcome = "settled"
	FailedOutcome    SettlementOutcome = "failed"
	MalformedOutcome SettlementOutcome = "malformed"
)

// SettlementRecord is the audit row written for every pending transaction a
// batch touched. Plaintext transactions are never stored.
type SettlementRecord struct {
	ID         int64             `gorm:"primaryKey"`
	BatchID    string            `gorm:"index;not null"`
	PoolKey    string            `gorm:"index;not null"`
	Outcome    SettlementOutcome `gorm:"index;not null"`
	TxType     string            `gorm:"not null;default:''"`
	EventName  string            `gorm:"not null;default:''"`
	Reason     string            `gorm:"not null;default:''"`
	KeyDeleted bool              `gorm:"not null;default:false"`
	SettledAt  int64             `gorm:"not null"`
}

// SettlementLease fences settlement batches across processes. The holder
// owns the lease until ExpiresAt (unix milliseconds).
type SettlementLease struct {
	Name      string `gorm:"primaryKey"`
	Owner     string `gorm:"not null"`
	ExpiresAt int64  `gorm:"not null"`
}
