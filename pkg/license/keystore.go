package license

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/visionplatform/hostcore/pkg/errs"
)

// DefaultPath is the per-user license key file, spec.md §6.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.Wrap(errs.Error, "license.DefaultPath", err)
	}
	return filepath.Join(home, ".visionplatform", "license.json"), nil
}

type keyFile struct {
	LicenseKey string `json:"license_key"`
}

// Keystore reads/writes the persisted 36-character license key, with an
// in-memory override (SetLicenseKey) that takes precedence until cleared.
type Keystore struct {
	Path string

	mu       sync.Mutex
	override string
	hasOverride bool
}

func NewKeystore(path string) *Keystore {
	return &Keystore{Path: path}
}

// GetLicenseKey returns the in-memory override if set, otherwise the
// persisted key.
func (k *Keystore) GetLicenseKey() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.hasOverride {
		return k.override, nil
	}

	data, err := os.ReadFile(k.Path)
	if os.IsNotExist(err) {
		return "", errs.New(errs.LicenseError, "license.GetLicenseKey: no key persisted")
	}
	if err != nil {
		return "", errs.Wrap(errs.Error, "license.GetLicenseKey", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", errs.Wrap(errs.LicenseError, "license.GetLicenseKey", err)
	}
	return kf.LicenseKey, nil
}

// SetLicenseKey sets an in-memory override. If persist is true, it is also
// written to Path. An empty key clears the override so GetLicenseKey reads
// from storage again.
func (k *Keystore) SetLicenseKey(key string, persist bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key == "" {
		k.hasOverride = false
		k.override = ""
		return nil
	}

	k.override = key
	k.hasOverride = true

	if !persist {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(k.Path), 0o700); err != nil {
		return errs.Wrap(errs.Error, "license.SetLicenseKey", err)
	}
	data, err := json.Marshal(keyFile{LicenseKey: key})
	if err != nil {
		return errs.Wrap(errs.Error, "license.SetLicenseKey", err)
	}
	if err := os.WriteFile(k.Path, data, 0o600); err != nil {
		return errs.Wrap(errs.Error, "license.SetLicenseKey", err)
	}
	return nil
}
