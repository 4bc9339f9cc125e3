// Package vault manages per-user exchange credentials. Secrets live in the
// database only as ciphertext; the vault is the single place they are
// decrypted, and decrypted values never leave the process through logs or
// error messages.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"signal-engine/internal/events"
	"signal-engine/pkg/crypto"
	"signal-engine/pkg/db"
)

var (
	ErrNotFound    = errors.New("credential not found")
	ErrInactive    = errors.New("credential is deactivated")
	ErrPlaceholder = errors.New("credential looks like a placeholder, not a real key")
)

// Credential is a decrypted, ready-to-use API key pair.
type Credential struct {
	UserID      string
	Exchange    string
	Environment string // testnet or mainnet
	APIKey      string
	APISecret   string
}

// Vault decrypts credentials on demand and caches the result so the hot
// path never touches AES or the database per order.
type Vault struct {
	db      *db.Database
	keyring *crypto.Keyring
	bus     *events.Bus
	log     zerolog.Logger

	mu    sync.RWMutex
	cache map[string]Credential
}

// New builds a Vault. bus is optional (tests).
func New(database *db.Database, keyring *crypto.Keyring, bus *events.Bus, log zerolog.Logger) *Vault {
	return &Vault{
		db:      database,
		keyring: keyring,
		bus:     bus,
		log:     log,
		cache:   make(map[string]Credential),
	}
}

func cacheKey(userID, exchange string) string { return userID + "|" + exchange }

// Get returns the decrypted credential for one user on one exchange.
// Deactivated credentials are never returned.
func (v *Vault) Get(ctx context.Context, userID, exchange string) (*Credential, error) {
	key := cacheKey(userID, exchange)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		cred := cached
		return &cred, nil
	}

	row, err := v.db.GetCredential(ctx, userID, exchange)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !row.IsActive {
		return nil, ErrInactive
	}

	cred, err := v.decrypt(*row)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = cred
	v.mu.Unlock()

	out := cred
	return &out, nil
}

// ActiveForExchange returns every decrypted active credential for an
// exchange. A row that fails to decrypt is skipped with a warning so one
// corrupt record cannot take the whole fan-out down.
func (v *Vault) ActiveForExchange(ctx context.Context, exchange string) ([]Credential, error) {
	rows, err := v.db.ListActiveCredentials(ctx, exchange)
	if err != nil {
		return nil, err
	}

	out := make([]Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := v.decrypt(row)
		if err != nil {
			v.log.Warn().Err(err).
				Str("user_id", row.UserID).
				Str("exchange", row.Exchange).
				Msg("skipping undecryptable credential")
			continue
		}
		v.mu.Lock()
		v.cache[cacheKey(row.UserID, row.Exchange)] = cred
		v.mu.Unlock()
		out = append(out, cred)
	}
	return out, nil
}

// Put encrypts and stores a credential, activating it. Obvious placeholder
// values (env-var names, <angle-bracket> templates, sample strings) are
// refused before they can reach an exchange.
func (v *Vault) Put(ctx context.Context, cred Credential) error {
	if looksPlaceholder(cred.APIKey) || looksPlaceholder(cred.APISecret) {
		return ErrPlaceholder
	}

	keyEnc, err := v.keyring.Encrypt(cred.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	secretEnc, err := v.keyring.Encrypt(cred.APISecret)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}

	env := cred.Environment
	if env == "" {
		env = "mainnet"
	}
	err = v.db.UpsertCredential(ctx, db.Credential{
		UserID:             cred.UserID,
		Exchange:           cred.Exchange,
		Environment:        env,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		KeyVersion:         v.keyring.CurrentVersion(),
		IsActive:           true,
	})
	if err != nil {
		return err
	}

	v.mu.Lock()
	delete(v.cache, cacheKey(cred.UserID, cred.Exchange))
	v.mu.Unlock()
	return nil
}

// MarkInvalid deactivates a credential after an authentication failure so
// the next fan-out no longer includes the user. Idempotent: repeated calls
// for the same credential are harmless.
func (v *Vault) MarkInvalid(ctx context.Context, userID, exchange, reason string) error {
	v.mu.Lock()
	delete(v.cache, cacheKey(userID, exchange))
	v.mu.Unlock()

	if err := v.db.DeactivateCredential(ctx, userID, exchange, reason); err != nil {
		return err
	}

	v.log.Warn().
		Str("user_id", userID).
		Str("exchange", exchange).
		Str("reason", reason).
		Msg("credential marked invalid")
	if v.bus != nil {
		v.bus.Publish(events.EventCredentialInvalid, map[string]string{
			"user_id":  userID,
			"exchange": exchange,
			"reason":   reason,
		})
	}
	return nil
}

func (v *Vault) decrypt(row db.Credential) (Credential, error) {
	apiKey, err := v.keyring.Decrypt(row.APIKeyEncrypted)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt api key for user %s: %w", row.UserID, err)
	}
	apiSecret, err := v.keyring.Decrypt(row.APISecretEncrypted)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt api secret for user %s: %w", row.UserID, err)
	}
	return Credential{
		UserID:      row.UserID,
		Exchange:    row.Exchange,
		Environment: row.Environment,
		APIKey:      apiKey,
		APISecret:   apiSecret,
	}, nil
}

// looksPlaceholder flags values that are clearly template text rather than
// real exchange keys.
func looksPlaceholder(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		return true
	}
	if strings.HasPrefix(s, "${") {
		return true
	}
	lower := strings.ToLower(s)
	for _, marker := range []string{"your_api", "your-api", "changeme", "change_me", "placeholder", "xxxx"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	// Env-var name shape: all upper-case with underscores, no digits mixed
	// the way real keys have them.
	if s == strings.ToUpper(s) && strings.Contains(s, "_") && !strings.ContainsAny(s, "0123456789") {
		return true
	}
	return false
}
