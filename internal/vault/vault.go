// Package vault stores the API key and the last known balance on disk.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CredentialEnvVar takes precedence over the stored key.
const CredentialEnvVar = "CLAUDIBLE_API_KEY"

const (
	SourceEnvironment = "environment"
	SourceFile        = "file"
)

// FileVault keeps a single credential in a 0600 file.
type FileVault struct {
	path string
	mu   sync.Mutex
}

func NewFileVault(path string) *FileVault {
	return &FileVault{path: path}
}

func (v *FileVault) Path() string {
	return v.path
}

// Load returns the stored credential, or "" when none is stored.
func (v *FileVault) Load() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := os.ReadFile(v.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read credential: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save stores the trimmed credential. An empty value deletes the stored one.
func (v *FileVault) Save(credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return v.Delete()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := writeFileAtomic(v.path, []byte(credential+"\n")); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Delete removes the stored credential. Deleting a missing one succeeds.
func (v *FileVault) Delete() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Resolve picks the active credential: the environment first, then the vault.
// It returns the credential and where it came from; both are empty when no
// credential is configured.
func Resolve(v *FileVault) (string, string, error) {
	if env := strings.TrimSpace(os.Getenv(CredentialEnvVar)); env != "" {
		return env, SourceEnvironment, nil
	}
	if v == nil {
		return "", "", nil
	}
	stored, err := v.Load()
	if err != nil {
		return "", "", err
	}
	if stored == "" {
		return "", "", nil
	}
	return stored, SourceFile + " " + v.path, nil
}

type balanceFile struct {
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceCache persists one balance value between runs.
type BalanceCache struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

func NewBalanceCache(path string) *BalanceCache {
	return &BalanceCache{path: path, now: time.Now}
}

func (c *BalanceCache) SetBalance(balance decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(balanceFile{
		Balance:   balance.String(),
		UpdatedAt: c.now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.path, append(data, '\n')); err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

func (c *BalanceCache) ClearBalance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear balance: %w", err)
	}
	return nil
}

// Balance returns the cached value and when it was written. ok is false when
// nothing is cached.
func (c *BalanceCache) Balance() (balance decimal.Decimal, updatedAt time.Time, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return decimal.Zero, time.Time{}, false, nil
		}
		return decimal.Zero, time.Time{}, false, fmt.Errorf("read balance: %w", err)
	}
	var raw balanceFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("decode balance %s: %w", c.path, err)
	}
	balance, err = decimal.NewFromString(raw.Balance)
	if err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("decode balance %s: %w", c.path, err)
	}
	return balance, raw.UpdatedAt, true, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
