// Package gpg provides OpenPGP detached signature verification.
package gpg

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// maxSignatureSize bounds signature files (signatures are typically < 1KB)
const maxSignatureSize = 64 << 10

var armoredSignaturePrefix = []byte("-----BEGIN PGP SIGNATURE---")

// Verifier checks detached signatures against a trusted keyring, using
// ProtonMail's maintained fork of golang.org/x/crypto/openpgp
type Verifier struct {
	mu      sync.RWMutex
	keyring openpgp.EntityList
}

// NewVerifier creates a new verifier with an empty keyring
func NewVerifier() *Verifier {
	return &Verifier{keyring: make(openpgp.EntityList, 0)}
}

// ImportKeyFromFile adds the keys in an armored or binary key file
func (v *Verifier) ImportKeyFromFile(keyPath string) error {
	//nolint:gosec // G304: keyPath is the configured trusted keyring
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	return v.ImportKeys(data)
}

// ImportKeys adds the keys in an armored or binary keyring
func (v *Verifier) ImportKeys(data []byte) error {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
	}

	if len(entities) == 0 {
		return fmt.Errorf("no keys found in keyring")
	}

	v.mu.Lock()
	v.keyring = append(v.keyring, entities...)
	v.mu.Unlock()
	return nil
}

// VerifySignatureFromFile verifies the detached signature at sigPath over filePath
func (v *Verifier) VerifySignatureFromFile(filePath, sigPath string) error {
	v.mu.RLock()
	keyring := v.keyring
	v.mu.RUnlock()

	if len(keyring) == 0 {
		return fmt.Errorf("no GPG keys imported")
	}

	//nolint:gosec // G304: sigPath is a staged download
	sigFile, err := os.Open(sigPath)
	if err != nil {
		return fmt.Errorf("failed to open signature file: %w", err)
	}
	//nolint:errcheck // Defer close
	defer sigFile.Close()

	sigData, err := io.ReadAll(io.LimitReader(sigFile, maxSignatureSize))
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}
	if len(sigData) < 10 {
		return fmt.Errorf("signature file too small to be valid")
	}

	//nolint:gosec // G304: filePath is a staged download
	dataFile, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open data file: %w", err)
	}
	//nolint:errcheck // Defer close
	defer dataFile.Close()

	if bytes.HasPrefix(sigData, armoredSignaturePrefix) {
		_, err = openpgp.CheckArmoredDetachedSignature(keyring, dataFile, bytes.NewReader(sigData), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(keyring, dataFile, bytes.NewReader(sigData), nil)
	}
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	return nil
}

// GetKeyringSize returns the number of keys in the keyring
func (v *Verifier) GetKeyringSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keyring)
}
