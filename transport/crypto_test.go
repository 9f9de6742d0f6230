package transport

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		t.Fatalf("generate session key: %v", err)
	}

	for _, useHMAC := range []bool{false, true} {
		c, err := newChannelCipher(sessionKey, useHMAC)
		if err != nil {
			t.Fatalf("newChannelCipher(hmac=%v): %v", useHMAC, err)
		}

		testCases := []struct {
			name      string
			plaintext []byte
		}{
			{"empty", []byte{}},
			{"short", []byte("hello")},
			{"exact block", bytes.Repeat([]byte{0xAB}, 16)},
			{"multi block", bytes.Repeat([]byte{0xCD}, 100)},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				encrypted, err := c.encrypt(tc.plaintext)
				if err != nil {
					t.Fatalf("encrypt: %v", err)
				}

				decrypted, err := c.decrypt(encrypted)
				if err != nil {
					t.Fatalf("decrypt: %v", err)
				}

				if !bytes.Equal(decrypted, tc.plaintext) {
					t.Errorf("round-trip mismatch: got %x, want %x", decrypted, tc.plaintext)
				}
			})
		}
	}
}

// Scenario 2 from spec.md §8: mode 1, send("hello") produces a 16-byte IV
// plus one AES block of ciphertext — 21 bytes total.
func TestEncryptMode1SizeMatchesSpecScenario(t *testing.T) {
	sessionKey := make([]byte, 32)
	rand.Read(sessionKey)

	c, err := newChannelCipher(sessionKey, false)
	if err != nil {
		t.Fatalf("newChannelCipher: %v", err)
	}

	out, err := c.encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(out) != 21 {
		t.Errorf("encrypted length: got %d, want 21", len(out))
	}

	got, err := c.decrypt(out)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("round-trip: got %q, want %q", got, "hello")
	}
}

func TestEncryptProducesDifferentOutput(t *testing.T) {
	sessionKey := make([]byte, 32)
	rand.Read(sessionKey)

	c, err := newChannelCipher(sessionKey, true)
	if err != nil {
		t.Fatalf("newChannelCipher: %v", err)
	}

	plaintext := []byte("same input")

	enc1, _ := c.encrypt(plaintext)
	enc2, _ := c.encrypt(plaintext)

	if bytes.Equal(enc1, enc2) {
		t.Error("two encryptions of same plaintext produced identical output")
	}
}

func TestHMACMismatchIsDecryptionError(t *testing.T) {
	keyA := bytes.Repeat([]byte{0x01}, 32)
	keyB := bytes.Repeat([]byte{0x02}, 32)

	encC, err := newChannelCipher(keyA, true)
	if err != nil {
		t.Fatalf("newChannelCipher: %v", err)
	}
	decC, err := newChannelCipher(keyB, true)
	if err != nil {
		t.Fatalf("newChannelCipher: %v", err)
	}

	// Mismatched keys break the CBC decrypt/unpad before the HMAC check
	// ever runs, but either way it must surface as a *DecryptionError
	// (spec.md §7 EncryptionError), never a generic fatal error.
	out, err := encC.encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	_, err = decC.decrypt(out)
	if err == nil {
		t.Fatal("expected decryption error for mismatched keys")
	}
	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Errorf("expected *DecryptionError, got %T: %v", err, err)
	}
}

func TestPKCS7PadUnpad(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := make([]byte, size)
		padded := pkcs7Pad(data, 16)

		if len(padded)%16 != 0 {
			t.Errorf("size=%d: padded length %d not block-aligned", size, len(padded))
		}

		unpadded, err := pkcs7Unpad(padded, 16)
		if err != nil {
			t.Errorf("size=%d: unpad error: %v", size, err)
			continue
		}

		if !bytes.Equal(unpadded, data) {
			t.Errorf("size=%d: pad/unpad round-trip mismatch", size)
		}
	}
}

func TestInvalidSessionKeyLength(t *testing.T) {
	_, err := newChannelCipher([]byte("too short"), true)
	if err == nil {
		t.Error("expected error for invalid session key length")
	}
}
