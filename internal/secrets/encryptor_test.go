package secrets

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEphemeralEncryptor()
	if err != nil {
		t.Fatalf("new ephemeral: %v", err)
	}

	plaintext := []byte(`{"API_KEY":"hunter2"}`)
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("hunter2")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip = %q, want %q", opened, plaintext)
	}
}

func TestKeyFilePersistence(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "age.key")

	enc1, err := NewAgeEncryptor(keyPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	sealed, err := enc1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file perm = %o, want 600", perm)
	}

	// A second encryptor loading the same file must decrypt.
	enc2, err := NewAgeEncryptor(keyPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	opened, err := enc2.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt with reloaded key: %v", err)
	}
	if string(opened) != "secret" {
		t.Fatalf("decrypted = %q", opened)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	enc1, _ := NewEphemeralEncryptor()
	enc2, _ := NewEphemeralEncryptor()

	sealed, err := enc1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(sealed); err == nil {
		t.Fatal("decrypt with wrong identity should fail")
	}
}

func TestParseKeyFileSkipsComments(t *testing.T) {
	enc, err := NewEphemeralEncryptor()
	if err != nil {
		t.Fatal(err)
	}
	content := "# created: 2026-01-01T00:00:00Z\n# public key: " +
		enc.recipient.String() + "\n" + enc.identity.String() + "\n"

	parsed, err := parseKeyFile([]byte(content))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.String() != enc.identity.String() {
		t.Fatal("parsed identity mismatch")
	}
}

func TestParseKeyFileEmpty(t *testing.T) {
	if _, err := parseKeyFile([]byte("# only comments\n")); err == nil {
		t.Fatal("expected error for key file without identity")
	}
}
