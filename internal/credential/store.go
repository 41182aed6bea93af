// Package credential implements the encrypted secret store under
// .credentials. The whole store is one age file sealed with a scrypt
// passphrase recipient; secrets exist in plaintext only in memory, and every
// access leaves an audit entry that names the credential but never its value.
package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"filippo.io/age"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/pkg/vault"
)

const (
	actorStore = "credential_store"

	// StoreFile is the store's name under .credentials.
	StoreFile = "store.age"

	// scryptWorkFactor is the log2 work factor handed to the scrypt
	// recipient. 2^18 keeps derivation memory-hard at around a quarter
	// second on current hardware.
	scryptWorkFactor = 18

	// PassphraseEnv names the environment variable the CLI reads the master
	// passphrase from.
	PassphraseEnv = "WARREN_PASSPHRASE"
)

// Credential is one stored secret. Value is never serialised outside the
// encrypted store payload.
type Credential struct {
	Name      string     `json:"name"`
	Value     string     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Info is the listing view of a credential, without the value.
type Info struct {
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Expired   bool       `json:"expired"`
}

// payload is the decrypted store document.
type payload struct {
	Version     int                   `json:"version"`
	Credentials map[string]Credential `json:"credentials"`
}

// Store wraps the encrypted file. All operations serialise under one mutex;
// the store is small and contention is not a concern.
type Store struct {
	path       string
	passphrase string
	auditor    *audit.Log
	log        *slog.Logger
	now        func() time.Time

	mu sync.Mutex
}

// Open binds a store to the vault's .credentials folder. The passphrase is
// checked lazily, on first decrypt.
func Open(layout vault.Layout, passphrase string, auditor *audit.Log, log *slog.Logger) (*Store, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("credential store: passphrase is empty (set %s)", PassphraseEnv)
	}
	return &Store{
		path:       layout.File(vault.FolderCredentials, StoreFile),
		passphrase: passphrase,
		auditor:    auditor,
		log:        log.With("component", actorStore),
		now:        time.Now,
	}, nil
}

// Init creates an empty store. It refuses to overwrite an existing one so a
// mistyped command cannot discard every secret.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err == nil {
		return fmt.Errorf("credential store already exists at %s", s.path)
	}
	return s.save(&payload{Version: 1, Credentials: map[string]Credential{}}, s.passphrase)
}

// Exists reports whether the store file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Get returns the secret value. Missing and expired credentials both report
// CredentialMissing; an expired secret must behave exactly like an absent
// one so callers cannot keep using it.
func (s *Store) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return "", err
	}
	cred, ok := doc.Credentials[name]
	if !ok {
		s.audit(audit.CredentialAccessed, name, map[string]any{"found": false})
		return "", vault.Errorf(vault.KindCredentialMissing, "credential %q not found", name)
	}
	if cred.ExpiresAt != nil && !cred.ExpiresAt.After(s.now().UTC()) {
		s.audit(audit.CredentialAccessed, name, map[string]any{"found": false, "expired": true})
		return "", vault.Errorf(vault.KindCredentialMissing, "credential %q expired at %s",
			name, cred.ExpiresAt.Format(time.RFC3339))
	}
	s.audit(audit.CredentialAccessed, name, map[string]any{"found": true})
	return cred.Value, nil
}

// Set stores or replaces a secret.
func (s *Store) Set(name, value string, expiresAt *time.Time) error {
	if name == "" {
		return fmt.Errorf("credential name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	cred := Credential{Name: name, Value: value, CreatedAt: now, UpdatedAt: now, ExpiresAt: expiresAt}
	if prev, ok := doc.Credentials[name]; ok {
		cred.CreatedAt = prev.CreatedAt
	}
	doc.Credentials[name] = cred
	if err := s.save(doc, s.passphrase); err != nil {
		return err
	}
	s.audit(audit.CredentialStored, name, map[string]any{"expires": expiresAt != nil})
	return nil
}

// Delete removes a secret. Deleting an absent name is CredentialMissing.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Credentials[name]; !ok {
		return vault.Errorf(vault.KindCredentialMissing, "credential %q not found", name)
	}
	delete(doc.Credentials, name)
	if err := s.save(doc, s.passphrase); err != nil {
		return err
	}
	s.audit(audit.CredentialStored, name, map[string]any{"deleted": true})
	return nil
}

// List returns metadata for every stored credential, sorted by name.
func (s *Store) List() ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := make([]Info, 0, len(doc.Credentials))
	for _, cred := range doc.Credentials {
		out = append(out, Info{
			Name:      cred.Name,
			CreatedAt: cred.CreatedAt,
			UpdatedAt: cred.UpdatedAt,
			ExpiresAt: cred.ExpiresAt,
			Expired:   cred.ExpiresAt != nil && !cred.ExpiresAt.After(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Rotate re-encrypts the store under a new passphrase. The secrets are
// unchanged; only the sealing key moves.
func (s *Store) Rotate(newPassphrase string) error {
	if newPassphrase == "" {
		return fmt.Errorf("new passphrase is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := s.save(doc, newPassphrase); err != nil {
		return err
	}
	s.passphrase = newPassphrase
	s.audit(audit.CredentialRotated, "master", map[string]any{"credentials": len(doc.Credentials)})
	return nil
}

// load decrypts and parses the store. Callers hold s.mu.
func (s *Store) load() (*payload, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vault.Errorf(vault.KindCredentialMissing,
				"credential store not initialised, run `warren cred init`")
		}
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	defer f.Close()

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("building scrypt identity: %w", err)
	}
	r, err := age.Decrypt(f, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential store (wrong passphrase?): %w", err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading credential store: %w", err)
	}

	var doc payload
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing credential store: %w", err)
	}
	if doc.Credentials == nil {
		doc.Credentials = map[string]Credential{}
	}
	return &doc, nil
}

// save encrypts and atomically replaces the store file. Callers hold s.mu.
func (s *Store) save(doc *payload, passphrase string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding credential store: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("building scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("sealing credential store: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("sealing credential store: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sealing credential store: %w", err)
	}

	return vault.WriteFileAtomic(s.path, buf.Bytes(), 0o600)
}

func (s *Store) audit(eventType, name string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	s.auditor.MustAppend(audit.Request{
		EventType:  eventType,
		Actor:      actorStore,
		Resource:   "credential",
		ResourceID: name,
		Details:    details,
	})
}
