// Package credential drives a user through the credential lifecycle:
// identity hash, master credential, event credential and, on every
// authorization check, verification of the event credential.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"ticketing/internal/dkg"
	"ticketing/internal/logger"
	"ticketing/internal/storage"
)

var (
	// ErrNoMasterCredential is returned when an event credential is
	// requested before a master credential was issued.
	ErrNoMasterCredential = errors.New("master credential required")
	// ErrVerificationFailed is returned when the committee does not accept
	// the stored event credential.
	ErrVerificationFailed = errors.New("event credential verification failed")
	// ErrNotAuthorized wraps every failure of an authorization check.
	ErrNotAuthorized = errors.New("not authorized")
)

type Committee interface {
	IssueMasterCredential(ctx context.Context, idHash string) (dkg.Credential, error)
	IssueEventCredential(ctx context.Context, idHash, eventName string, master dkg.Credential) (dkg.Credential, error)
	VerifyEventCredential(ctx context.Context, idHash, eventName string, event dkg.Credential) (bool, error)
}

type Hasher interface {
	Hash(ctx context.Context, name string) (string, error)
}

type Users interface {
	GetUser(id string) (*storage.User, error)
	UpdateUserCredentials(user *storage.User) error
}

// Authorization is the outcome of a successful check. It is valid for one
// operation only.
type Authorization struct {
	UserID          string
	PublicKey       string
	EventName       string
	EventCredential string
}

type Manager struct {
	committee Committee
	hasher    Hasher
	users     Users

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock serializes credential work per user. It lives in Manager.locks
// only while someone holds or waits for it.
type userLock struct {
	sync.Mutex
	refs int
}

func NewManager(committee Committee, hasher Hasher, users Users) *Manager {
	return &Manager{
		committee: committee,
		hasher:    hasher,
		users:     users,
		locks:     map[string]*userLock{},
	}
}

// RequestMasterCredential obtains the identity hash of name and a master
// credential for it. Artifacts already stored are reused, so a retry resumes
// where a failed attempt stopped.
func (m *Manager) RequestMasterCredential(ctx context.Context, userID, name string) (*storage.User, error) {
	unlock := m.lock(userID)
	defer unlock()

	user, err := m.users.GetUser(userID)
	if err != nil {
		return nil, err
	}

	if err := m.ensureIdentity(ctx, user, name); err != nil {
		return nil, err
	}
	if err := m.ensureMasterCredential(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// RequestEventCredential obtains an event credential scoped to eventName.
// A credential already stored for the same event is kept.
func (m *Manager) RequestEventCredential(ctx context.Context, userID, eventName string) (*storage.User, error) {
	unlock := m.lock(userID)
	defer unlock()

	user, err := m.users.GetUser(userID)
	if err != nil {
		return nil, err
	}

	if err := m.ensureEventCredential(ctx, user, eventName); err != nil {
		return nil, err
	}
	return user, nil
}

// Authorize checks that the user may operate on eventName. It issues the
// event credential if needed and always asks the committee to verify it;
// the result is never cached.
func (m *Manager) Authorize(ctx context.Context, userID, eventName string) (Authorization, error) {
	unlock := m.lock(userID)
	defer unlock()

	user, err := m.users.GetUser(userID)
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}

	if err := m.ensureEventCredential(ctx, user, eventName); err != nil {
		return Authorization{}, fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}

	logger.Debug("verifying event credential...", zap.String("user", user.ID), zap.String("event", eventName))
	verified, err := m.committee.VerifyEventCredential(ctx, user.IdentityHash, eventName, eventCredential(user))
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	if !verified {
		return Authorization{}, fmt.Errorf("%w: %w", ErrNotAuthorized, ErrVerificationFailed)
	}
	logger.Debug("verifying event credential... done", zap.String("user", user.ID))

	return Authorization{
		UserID:          user.ID,
		PublicKey:       user.PublicKey,
		EventName:       eventName,
		EventCredential: user.EventCredential,
	}, nil
}

// NoIdentity -> HasIdentity
func (m *Manager) ensureIdentity(ctx context.Context, user *storage.User, name string) error {
	if user.IdentityHash != "" {
		return nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = user.Name
	}

	logger.Debug("computing identity hash...", zap.String("user", user.ID))
	idHash, err := m.hasher.Hash(ctx, name)
	if err != nil {
		return fmt.Errorf("computing identity hash: %w", err)
	}

	next := *user
	next.IdentityHash = idHash
	next.CredentialState = storage.HasIdentity
	if err := m.users.UpdateUserCredentials(&next); err != nil {
		return fmt.Errorf("storing identity hash: %w", err)
	}
	*user = next

	logger.Debug("computing identity hash... done", zap.String("user", user.ID))
	return nil
}

// HasIdentity -> HasMasterCredential
func (m *Manager) ensureMasterCredential(ctx context.Context, user *storage.User) error {
	if user.MasterCredential != "" {
		return nil
	}

	logger.Debug("issuing master credential...", zap.String("user", user.ID))
	master, err := m.committee.IssueMasterCredential(ctx, user.IdentityHash)
	if err != nil {
		return fmt.Errorf("issuing master credential: %w", err)
	}

	next := *user
	next.MasterCredential = master.Credential
	next.MasterSignatures = master.Signatures
	next.CredentialState = storage.HasMasterCredential
	if err := m.users.UpdateUserCredentials(&next); err != nil {
		return fmt.Errorf("storing master credential: %w", err)
	}
	*user = next

	logger.Info("master credential issued", zap.String("user", user.ID))
	return nil
}

// HasMasterCredential -> HasEventCredential
func (m *Manager) ensureEventCredential(ctx context.Context, user *storage.User, eventName string) error {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return errors.New("event name is empty")
	}
	if user.MasterCredential == "" {
		return ErrNoMasterCredential
	}
	if user.EventCredential != "" && user.EventName == eventName {
		return nil
	}

	logger.Debug("issuing event credential...", zap.String("user", user.ID), zap.String("event", eventName))
	master := dkg.Credential{Credential: user.MasterCredential, Signatures: user.MasterSignatures}
	event, err := m.committee.IssueEventCredential(ctx, user.IdentityHash, eventName, master)
	if err != nil {
		return fmt.Errorf("issuing event credential: %w", err)
	}

	next := *user
	next.EventName = eventName
	next.EventCredential = event.Credential
	next.EventSignatures = event.Signatures
	next.CredentialState = storage.HasEventCredential
	if err := m.users.UpdateUserCredentials(&next); err != nil {
		return fmt.Errorf("storing event credential: %w", err)
	}
	*user = next

	logger.Info("event credential issued", zap.String("user", user.ID), zap.String("event", eventName))
	return nil
}

func (m *Manager) lock(userID string) func() {
	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{}
		m.locks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		m.mu.Lock()
		defer m.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, userID)
		}
	}
}

func eventCredential(user *storage.User) dkg.Credential {
	return dkg.Credential{Credential: user.EventCredential, Signatures: user.EventSignatures}
}
