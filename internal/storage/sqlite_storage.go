package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"ticketing/internal/logger"
)

type SqliteStorage struct {
	db *gorm.DB
}

func NewSqliteStorage(path string) (*SqliteStorage, error) {
	logger.Debug("initializing database...", zap.String("path", path))

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// sqlite allows a single writer; the lease heartbeat writes concurrently with requests
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&User{},
		&SettlementRecord{},
		&SettlementLease{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}

	logger.Debug("initializing database... done")
	return &SqliteStorage{
		db: db,
	}, nil
}

func (s *SqliteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SqliteStorage) CreateUser(user *User) error {
	logger.Debug("creating user...")

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CredentialState == "" {
		user.CredentialState = NoIdentity
	}

	err := s.db.Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUserExists
	}
	if err != nil {
		return err
	}

	logger.Debug("creating user... done", zap.String("user", user.ID))
	return nil
}

func (s *SqliteStorage) GetUser(id string) (*User, error) {

	var user User
	err := s.db.Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// UpdateUserCredentials writes every credential column of user in a single
// statement, so a transition is either fully persisted or not at all.
func (s *SqliteStorage) UpdateUserCredentials(user *User) error {
	logger.Debug("updating user credentials...", zap.String("user", user.ID), zap.String("state", string(user.CredentialState)))

	tx := s.db.Model(&User{ID: user.ID}).Select(credentialColumns).Updates(user)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrUserNotFound
	}

	logger.Debug("updating user credentials... done")
	return nil
}

func (s *SqliteStorage) SaveSettlementRecords(records []*SettlementRecord) error {
	logger.Debug("saving settlement records...")

	if len(records) == 0 {
		logger.Debug("no settlement records to persist")
		return nil
	}

	err := s.db.CreateInBatches(records, 100).Error
	if err != nil {
		return err
	}

	logger.Debug("saving settlement records... done", zap.Int("count", len(records)))
	return nil
}

func (s *SqliteStorage) GetSettlementRecords(batchID string) ([]*SettlementRecord, error) {

	var records []*SettlementRecord
	err := s.db.Where("batch_id = ?", batchID).Order("id").Find(&records).Error
	if err != nil {
		return nil, err
	}

	return records, nil
}

// GetUnresolvedSettlementRecords returns the records of failed executions
// whose pool key is gone: losses an operator has to resolve by hand.
func (s *SqliteStorage) GetUnresolvedSettlementRecords() ([]*SettlementRecord, error) {

	var records []*SettlementRecord
	err := s.db.Where("outcome = ? and key_deleted = ?", FailedOutcome, true).Order("id").Find(&records).Error
	if err != nil {
		return nil, err
	}

	return records, nil
}

// GetUndeletedSettledKeys returns which of poolKeys belong to transactions
// that were executed while their key could not be removed from the pool.
func (s *SqliteStorage) GetUndeletedSettledKeys(poolKeys []string) (map[string]bool, error) {
	found := map[string]bool{}
	if len(poolKeys) == 0 {
		return found, nil
	}

	var keys []string
	err := s.db.Model(&SettlementRecord{}).
		Where("outcome = ? and key_deleted = ? and pool_key in ?", SettledOutcome, false, poolKeys).
		Distinct().
		Pluck("pool_key", &keys).Error
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		found[key] = true
	}
	return found, nil
}

// MarkPoolKeysDeleted records that the keys of already settled transactions
// are finally gone from the pool.
func (s *SqliteStorage) MarkPoolKeysDeleted(poolKeys []string) error {
	if len(poolKeys) == 0 {
		return nil
	}
	logger.Debug("marking settled pool keys deleted...", zap.Int("count", len(poolKeys)))

	err := s.db.Model(&SettlementRecord{}).
		Where("outcome = ? and key_deleted = ? and pool_key in ?", SettledOutcome, false, poolKeys).
		Update("key_deleted", true).Error
	if err != nil {
		return err
	}

	logger.Debug("marking settled pool keys deleted... done")
	return nil
}

// AcquireLease takes or renews the named lease for owner. It fails to
// acquire while another owner holds an unexpired lease.
func (s *SqliteStorage) AcquireLease(name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	logger.Debug("acquiring lease...", zap.String("lease", name), zap.String("owner", owner))

	lease := SettlementLease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	tx := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL:  "settlement_leases.expires_at <= ? or settlement_leases.owner = ?",
				Vars: []any{now.UnixMilli(), owner},
			},
		}},
	}).Create(&lease)
	if tx.Error != nil {
		return false, tx.Error
	}

	acquired := tx.RowsAffected == 1
	logger.Debug("acquiring lease... done", zap.Bool("acquired", acquired))
	return acquired, nil
}

func (s *SqliteStorage) ReleaseLease(name, owner string) error {
	logger.Debug("releasing lease...", zap.String("lease", name))

	err := s.db.Where("name = ? and owner = ?", name, owner).Delete(&SettlementLease{}).Error
	if err != nil {
		return err
	}

	logger.Debug("releasing lease... done")
	return nil
}
