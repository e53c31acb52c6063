package credential

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCipher_SealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher("a development secret", testLogger())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	blob, err := c.Seal("sk-super-secret-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if blob == "sk-super-secret-value" {
		t.Fatalf("expected ciphertext to differ from plaintext")
	}

	got, err := c.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "sk-super-secret-value" {
		t.Errorf("expected round-tripped plaintext, got %q", got)
	}
}

func TestCipher_EmptyStringPassesThrough(t *testing.T) {
	c, err := NewCipher("a development secret", testLogger())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	blob, err := c.Seal("")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if blob != "" {
		t.Errorf("expected empty seal to pass through, got %q", blob)
	}

	got, err := c.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty open to pass through, got %q", got)
	}
}

func TestCipher_DifferentKeysCannotDecrypt(t *testing.T) {
	c1, err := NewCipher("key one", testLogger())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	c2, err := NewCipher("key two", testLogger())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	blob, err := c1.Seal("secret-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := c2.Open(blob); err == nil {
		t.Error("expected decryption with a different key to fail")
	}
}

func TestCipher_EmptyKeyMaterialGeneratesEphemeralKey(t *testing.T) {
	c1, err := NewCipher("", testLogger())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	c2, err := NewCipher("", testLogger())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	blob, err := c1.Seal("secret-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := c2.Open(blob); err == nil {
		t.Error("expected two ephemeral ciphers to use different keys")
	}
}

func TestCipher_TamperedCiphertextRejected(t *testing.T) {
	c, err := NewCipher("a development secret", testLogger())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	blob, err := c.Seal("secret-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := []byte(blob)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := c.Open(string(tampered)); err == nil {
		t.Error("expected tampered ciphertext to fail authentication")
	}
}
