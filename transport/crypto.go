package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

const (
	ivLen       = 16 // AES block size
	ivRandomLen = 3  // random bytes appended to the HMAC hash in the IV
)

// cipherMode is the tagged variant spec.md's design notes call for in place
// of a nullable session key: {None, Symmetric, SymmetricWithHmac}.
type cipherMode int

const (
	cipherNone cipherMode = iota
	cipherSymmetric
	cipherSymmetricHMAC
)

// channelCipher implements the two session-key encryption modes from
// spec.md §4.A. With useHMAC=false it's plain AES-CBC with a random IV;
// with useHMAC=true the IV is derived from an HMAC-SHA1 over a random
// prefix and the plaintext, authenticating it.
type channelCipher struct {
	block      cipher.Block
	hmacSecret []byte // first 16 bytes of the session key, only set when useHMAC
	useHMAC    bool
}

func newChannelCipher(sessionKey []byte, useHMAC bool) (*channelCipher, error) {
	if len(sessionKey) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(sessionKey))
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}

	var hmacKey []byte
	if useHMAC {
		hmacKey = make([]byte, 16)
		copy(hmacKey, sessionKey[:16])
	}

	return &channelCipher{
		block:      block,
		hmacSecret: hmacKey,
		useHMAC:    useHMAC,
	}, nil
}

func (c *channelCipher) mode() cipherMode {
	if c.useHMAC {
		return cipherSymmetricHMAC
	}
	return cipherSymmetric
}

// encrypt encrypts plaintext with AES-CBC under a PKCS7 pad.
//
// Mode 2 (useHMAC): iv = HMAC-SHA1(rand3||plaintext, K_hmac)[0:13] || rand3.
// Mode 1: iv = rand16.
// Output: AES-ECB(iv, K) || AES-CBC(plaintext, K, iv).
func (c *channelCipher) encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivLen)

	if c.useHMAC {
		if _, err := rand.Read(iv[ivLen-ivRandomLen:]); err != nil {
			return nil, fmt.Errorf("rand.Read: %w", err)
		}
		mac := hmac.New(sha1.New, c.hmacSecret)
		mac.Write(iv[ivLen-ivRandomLen:])
		mac.Write(plaintext)
		hash := mac.Sum(nil)
		copy(iv[:ivLen-ivRandomLen], hash[:ivLen-ivRandomLen])
	} else {
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("rand.Read: %w", err)
		}
	}

	encryptedIV := make([]byte, ivLen)
	c.block.Encrypt(encryptedIV, iv)

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, ivLen+len(ciphertext))
	copy(out, encryptedIV)
	copy(out[ivLen:], ciphertext)
	return out, nil
}

// decrypt inverts encrypt. On HMAC mismatch it returns a *DecryptionError so
// callers can distinguish EncryptionError (non-fatal) from TransportFatal.
func (c *channelCipher) decrypt(data []byte) ([]byte, error) {
	if len(data) < ivLen+aes.BlockSize {
		return nil, &DecryptionError{Err: fmt.Errorf("ciphertext too short: %d bytes", len(data))}
	}

	iv := make([]byte, ivLen)
	c.block.Decrypt(iv, data[:ivLen])

	cbcData := data[ivLen:]
	if len(cbcData)%aes.BlockSize != 0 {
		return nil, &DecryptionError{Err: fmt.Errorf("ciphertext not block-aligned: %d bytes", len(cbcData))}
	}

	plaintext := make([]byte, len(cbcData))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, cbcData)

	plaintext, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}

	if c.useHMAC {
		mac := hmac.New(sha1.New, c.hmacSecret)
		mac.Write(iv[ivLen-ivRandomLen:])
		mac.Write(plaintext)
		expectedHash := mac.Sum(nil)

		if !hmac.Equal(iv[:ivLen-ivRandomLen], expectedHash[:ivLen-ivRandomLen]) {
			return nil, &DecryptionError{Err: fmt.Errorf("HMAC verification failed")}
		}
	}

	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded data length: %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding value: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, fmt.Errorf("invalid padding byte at position %d", i)
		}
	}
	return data[:len(data)-padding], nil
}
