package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

var (
	// ErrLocked means no passphrase has been accepted yet.
	ErrLocked = errors.New("vault is locked")

	// ErrNotConfigured means the requested service has no stored secret.
	ErrNotConfigured = errors.New("service not configured in vault")

	// ErrInvalidPassphrase means the passphrase does not open this vault.
	ErrInvalidPassphrase = errors.New("invalid vault passphrase")

	// ErrIntegrity means a stored ciphertext failed authentication. The
	// container was modified or corrupted on disk.
	ErrIntegrity = errors.New("vault entry failed integrity check")
)

// Validity states for a stored credential, set by MarkValidity after a
// probe against the provider.
const (
	ValidityUnknown = "unknown"
	ValidityValid   = "valid"
	ValidityInvalid = "invalid"
)

// container is the on-disk JSON document. Secret material only ever
// appears inside sealed blobs; everything else is plain metadata.
type container struct {
	Version  int              `json:"version"`
	KDF      kdfParams        `json:"kdf"`
	Sentinel []byte           `json:"sentinel"`
	Entries  map[string]entry `json:"entries"`
}

type entry struct {
	Blob      []byte    `json:"blob"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitempty"`
	Validity  string    `json:"validity,omitempty"`
}

// ServiceStatus describes one stored credential without exposing it.
type ServiceStatus struct {
	Service   string
	CreatedAt time.Time
	LastUsed  time.Time
	Validity  string
}

// Vault stores provider credentials encrypted at rest in a single
// container file. All secrets are sealed under one key derived from the
// operator passphrase; the vault starts locked and stays locked until
// Unlock succeeds against the sentinel blob.
type Vault struct {
	path string
	clk  clock.Clock
	lgr  *logger.Logger

	mu   sync.Mutex
	key  []byte     // nil while locked
	data *container // nil until the file exists
}

// Open loads the container at path if it exists. A missing file is not
// an error: the vault is simply unconfigured until the first Unlock
// initializes it.
func Open(path string, clk clock.Clock, lgr *logger.Logger) (*Vault, error) {
	v := &Vault{path: path, clk: clk, lgr: lgr}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: reading %s: %w", path, err)
	}

	var data container
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("vault: parsing %s: %w", path, err)
	}
	if data.Entries == nil {
		data.Entries = make(map[string]entry)
	}
	v.data = &data
	return v, nil
}

// Configured reports whether a container exists on disk.
func (v *Vault) Configured() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.data != nil
}

// Locked reports whether secrets are currently inaccessible.
func (v *Vault) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key == nil
}

// Unlock derives the key from the passphrase and verifies it against
// the sentinel blob. On a fresh vault it initializes the container
// instead: new salt, new sentinel, no entries.
func (v *Vault) Unlock(passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.data == nil {
		return v.initializeLocked(passphrase)
	}

	key := deriveKey(passphrase, v.data.KDF)
	if _, err := openBlob(key, v.data.Sentinel); err != nil {
		return ErrInvalidPassphrase
	}
	v.key = key
	v.lgr.Info("vault unlocked", logger.Int("services", len(v.data.Entries)))
	return nil
}

func (v *Vault) initializeLocked(passphrase string) error {
	params, err := newKDFParams()
	if err != nil {
		return err
	}
	key := deriveKey(passphrase, params)

	// The sentinel carries no information; decrypting it is purely a
	// passphrase check via the AEAD tag.
	probe := make([]byte, 16)
	sentinel, err := sealBlob(key, probe)
	if err != nil {
		return err
	}

	data := &container{
		Version:  1,
		KDF:      params,
		Sentinel: sentinel,
		Entries:  make(map[string]entry),
	}
	if err := v.save(data); err != nil {
		return fmt.Errorf("vault: initializing container: %w", err)
	}

	v.data = data
	v.key = key
	v.lgr.Info("vault initialized", logger.String("path", v.path))
	return nil
}

// Get decrypts the secret for a service. The caller owns the returned
// Secret and must Close it; prefer WithSecret for scoped use.
func (v *Vault) Get(service string) (*Secret, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return nil, ErrLocked
	}
	ent, ok := v.lookupLocked(service)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, service)
	}

	plaintext, err := openBlob(v.key, ent.Blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, service)
	}

	// The usage stamp is in-memory only; it reaches disk with the next
	// container write (Put, Remove, MarkValidity). Status reads it from
	// memory, so a reader never sees a stale stamp.
	ent.LastUsed = v.clk.Now().UTC()
	v.data.Entries[service] = ent

	return &Secret{buf: plaintext}, nil
}

// WithSecret runs fn with the decrypted secret and guarantees the
// plaintext is zeroed afterwards, whatever fn returns.
func (v *Vault) WithSecret(service string, fn func(secret []byte) error) error {
	secret, err := v.Get(service)
	if err != nil {
		return err
	}
	defer secret.Close()
	return fn(secret.Bytes())
}

// Put stores or rotates a credential. Durable before return: if the
// container cannot be written, the in-memory state is rolled back and
// the error surfaces.
func (v *Vault) Put(service string, plaintext []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return ErrLocked
	}

	blob, err := sealBlob(v.key, plaintext)
	if err != nil {
		return err
	}

	previous, existed := v.data.Entries[service]
	v.data.Entries[service] = entry{
		Blob:      blob,
		CreatedAt: v.clk.Now().UTC(),
		Validity:  ValidityUnknown,
	}

	if err := v.save(v.data); err != nil {
		if existed {
			v.data.Entries[service] = previous
		} else {
			delete(v.data.Entries, service)
		}
		return fmt.Errorf("vault: persisting %s: %w", service, err)
	}

	v.lgr.Info("vault entry stored", logger.String("service", service))
	return nil
}

// Remove deletes a credential. Durable before return.
func (v *Vault) Remove(service string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return ErrLocked
	}
	previous, ok := v.lookupLocked(service)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConfigured, service)
	}

	delete(v.data.Entries, service)
	if err := v.save(v.data); err != nil {
		v.data.Entries[service] = previous
		return fmt.Errorf("vault: persisting removal of %s: %w", service, err)
	}

	v.lgr.Info("vault entry removed", logger.String("service", service))
	return nil
}

// MarkValidity records the outcome of a credential probe.
func (v *Vault) MarkValidity(service string, ok bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ent, exists := v.lookupLocked(service)
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotConfigured, service)
	}

	if ok {
		ent.Validity = ValidityValid
	} else {
		ent.Validity = ValidityInvalid
	}
	v.data.Entries[service] = ent

	if err := v.save(v.data); err != nil {
		v.lgr.Warn("could not persist vault validity",
			logger.String("service", service), logger.Error(err))
	}
	return nil
}

// Status lists stored credentials sorted by service name. Works while
// locked: it reads metadata only.
func (v *Vault) Status() []ServiceStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.data == nil {
		return nil
	}
	statuses := make([]ServiceStatus, 0, len(v.data.Entries))
	for service, ent := range v.data.Entries {
		validity := ent.Validity
		if validity == "" {
			validity = ValidityUnknown
		}
		statuses = append(statuses, ServiceStatus{
			Service:   service,
			CreatedAt: ent.CreatedAt,
			LastUsed:  ent.LastUsed,
			Validity:  validity,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Service < statuses[j].Service })
	return statuses
}

func (v *Vault) lookupLocked(service string) (entry, bool) {
	if v.data == nil {
		return entry{}, false
	}
	ent, ok := v.data.Entries[service]
	return ent, ok
}

// save writes the container atomically: temp file in the same
// directory, fsync, rename. The container never holds plaintext, but
// 0600 keeps even the sealed blobs private.
func (v *Vault) save(data *container) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), v.path)
}
