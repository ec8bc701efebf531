// Package token keeps outbound API calls authenticated: it owns the
// encrypted credential rows and rotates access tokens before they expire.
package token

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

// ErrNotLinked mirrors the store sentinel so callers don't need to import
// both packages.
var ErrNotLinked = store.ErrNotLinked

// RefreshError wraps a failed remote token refresh. Refresh failures may be
// transient, so jobs treat them as retryable.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string { return "token refresh failed: " + e.Err.Error() }
func (e *RefreshError) Unwrap() error { return e.Err }

// Token is a decrypted, ready-to-use credential.
type Token struct {
	AccountID   string
	AccessToken string
	AuthorURN   string
	ExpiresAt   time.Time
}

// RefreshResult is what the external auth endpoint returns on a successful
// refresh.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// AuthAPI is the external OAuth surface the manager depends on.
type AuthAPI interface {
	RefreshToken(ctx context.Context, refreshToken string) (RefreshResult, error)
	RevokeToken(ctx context.Context, accessToken string) error
}

// Manager owns the credential lifecycle for all accounts.
//
// Refresh is single-flight per account: concurrent ValidToken calls for one
// account share a single remote refresh instead of racing.
type Manager struct {
	store  *store.Store
	api    AuthAPI
	cipher *Cipher
	margin time.Duration
	log    logx.Logger

	group singleflight.Group
}

func NewManager(st *store.Store, api AuthAPI, cipher *Cipher, refreshMargin time.Duration, log logx.Logger) *Manager {
	if refreshMargin <= 0 {
		refreshMargin = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: st, api: api, cipher: cipher, margin: refreshMargin, log: log}
}

// ValidToken returns a usable access token for the account, refreshing it
// first when it is expired or expires within the refresh margin.
//
// On refresh failure nothing is persisted; the stored row keeps the previous
// tokens so a later attempt can try again.
func (m *Manager) ValidToken(ctx context.Context, accountID string) (Token, error) {
	v, err, _ := m.group.Do(accountID, func() (any, error) {
		return m.validToken(ctx, accountID)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (m *Manager) validToken(ctx context.Context, accountID string) (Token, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return Token{}, err
	}

	if time.Until(acct.ExpiresAt) > m.margin {
		access, err := m.cipher.Decrypt(acct.AccessToken)
		if err != nil {
			return Token{}, err
		}
		return Token{AccountID: acct.ID, AccessToken: access, AuthorURN: acct.AuthorURN, ExpiresAt: acct.ExpiresAt}, nil
	}

	refresh, err := m.cipher.Decrypt(acct.RefreshToken)
	if err != nil {
		return Token{}, err
	}

	m.log.Debug("refreshing access token", logx.String("account", accountID), logx.Time("expires_at", acct.ExpiresAt))
	res, err := m.api.RefreshToken(ctx, refresh)
	if err != nil {
		return Token{}, &RefreshError{Err: err}
	}

	encAccess, err := m.cipher.Encrypt(res.AccessToken)
	if err != nil {
		return Token{}, err
	}
	encRefresh, err := m.cipher.Encrypt(res.RefreshToken)
	if err != nil {
		return Token{}, err
	}
	if err := m.store.UpdateAccountTokens(ctx, accountID, encAccess, encRefresh, res.ExpiresAt); err != nil {
		return Token{}, fmt.Errorf("persist rotated tokens: %w", err)
	}

	m.log.Info("access token rotated", logx.String("account", accountID), logx.Time("expires_at", res.ExpiresAt))
	return Token{AccountID: acct.ID, AccessToken: res.AccessToken, AuthorURN: acct.AuthorURN, ExpiresAt: res.ExpiresAt}, nil
}

// Revoke invalidates the remote session, then deletes the local row.
//
// Ordering matters: deleting locally first would orphan a live remote session
// with no error surfaced to the caller, so the remote call goes first and any
// failure aborts the local delete.
func (m *Manager) Revoke(ctx context.Context, accountID string) error {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	access, err := m.cipher.Decrypt(acct.AccessToken)
	if err != nil {
		return err
	}
	if err := m.api.RevokeToken(ctx, access); err != nil {
		return fmt.Errorf("remote revoke failed: %w", err)
	}
	if err := m.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	m.log.Info("account credential revoked", logx.String("account", accountID))
	return nil
}

// Link stores a freshly authorized credential (encrypting both tokens).
// The OAuth code exchange itself happens outside this process.
func (m *Manager) Link(ctx context.Context, accountID, authorURN, accessToken, refreshToken string, expiresAt time.Time) error {
	encAccess, err := m.cipher.Encrypt(accessToken)
	if err != nil {
		return err
	}
	encRefresh, err := m.cipher.Encrypt(refreshToken)
	if err != nil {
		return err
	}
	return m.store.UpsertAccount(ctx, store.Account{
		ID:           accountID,
		AuthorURN:    authorURN,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    expiresAt,
	})
}
