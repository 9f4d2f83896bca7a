// Package secrets encrypts server environment blocks before they reach the
// persistent store. Keys are age X25519 identities kept in a local file.
package secrets

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
)

// AgeEncryptor encrypts and decrypts blobs with a single X25519 identity.
type AgeEncryptor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeEncryptor loads the identity from keyPath, generating and writing a
// new key file (0600) when none exists.
func NewAgeEncryptor(keyPath string) (*AgeEncryptor, error) {
	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateKeyFile(keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	identity, err := parseKeyFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", keyPath, err)
	}
	return &AgeEncryptor{identity: identity, recipient: identity.Recipient()}, nil
}

// NewEphemeralEncryptor generates an in-memory identity. Data encrypted with
// it is unrecoverable after process exit; used with the in-memory store and
// in tests.
func NewEphemeralEncryptor() (*AgeEncryptor, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &AgeEncryptor{identity: identity, recipient: identity.Recipient()}, nil
}

// Encrypt seals plaintext for the encryptor's recipient.
func (e *AgeEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens a blob sealed by Encrypt.
func (e *AgeEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decrypt read: %w", err)
	}
	return plaintext, nil
}

func generateKeyFile(keyPath string) (*AgeEncryptor, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	// Same layout age-keygen writes.
	content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
		time.Now().UTC().Format(time.RFC3339),
		identity.Recipient().String(),
		identity.String(),
	)
	if err := os.WriteFile(keyPath, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	return &AgeEncryptor{identity: identity, recipient: identity.Recipient()}, nil
}

func parseKeyFile(data []byte) (*age.X25519Identity, error) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return age.ParseX25519Identity(line)
	}
	return nil, fmt.Errorf("no identity line found")
}
