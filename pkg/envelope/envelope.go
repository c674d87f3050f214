// Package envelope implements symmetric envelope encryption for state blobs
// and sensitive variable values: AES-128-CBC for confidentiality, HMAC-SHA256
// for integrity, with a magic prefix enabling transparent passthrough of
// legacy plaintext blobs written before encryption was configured.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/terrapod/terrapod/internal/apierr"
)

// magicPrefix marks a blob as produced by this package's state encryption.
const magicPrefix = "TPENC1:"

const (
	aesKeySize  = 16 // AES-128
	hmacKeySize = 32 // SHA-256
)

// Encryptor encrypts and decrypts state blobs and sensitive values. A nil
// key configures plaintext-only mode (development).
type Encryptor struct {
	aesKey  []byte
	hmacKey []byte
}

// New builds an Encryptor from a hex-encoded key. An empty keyHex yields an
// Encryptor with no key configured (writes stay plaintext, legacy reads still
// work). The hex key is expanded into independent AES and HMAC subkeys via
// SHA-256 so a single short operator-supplied secret yields two keys.
func New(keyHex string) (*Encryptor, error) {
	if keyHex == "" {
		return &Encryptor{}, nil
	}

	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("encryption key must not be empty")
	}

	aesSum := sha256.Sum256(append([]byte("terrapod-aes:"), raw...))
	hmacSum := sha256.Sum256(append([]byte("terrapod-hmac:"), raw...))

	return &Encryptor{
		aesKey:  aesSum[:aesKeySize],
		hmacKey: hmacSum[:hmacKeySize],
	}, nil
}

// Configured reports whether an encryption key is present.
func (e *Encryptor) Configured() bool {
	return e != nil && len(e.aesKey) > 0
}

// EncryptState encrypts a state blob, prepending the magic prefix. If no key
// is configured, the plaintext is returned unmodified (development mode).
func (e *Encryptor) EncryptState(plaintext []byte) ([]byte, error) {
	if !e.Configured() {
		return plaintext, nil
	}

	ciphertext, err := e.seal(plaintext)
	if err != nil {
		return nil, err
	}
	return append([]byte(magicPrefix), ciphertext...), nil
}

// DecryptState reverses EncryptState. Blobs without the magic prefix are
// returned as-is (legacy plaintext compatibility).
func (e *Encryptor) DecryptState(blob []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, []byte(magicPrefix)) {
		return blob, nil
	}

	if !e.Configured() {
		return nil, apierr.New(apierr.KindEncryptionKeyMissing, "state is encrypted but no encryption key is configured")
	}

	ciphertext := blob[len(magicPrefix):]
	plaintext, err := e.open(ciphertext)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCorruptCiphertext, "state ciphertext failed authentication", err)
	}
	return plaintext, nil
}

// EncryptValue encrypts a small sensitive text value, returning it base-hex
// encoded with the magic prefix. Fails if no key is configured — sensitive
// variables must never be stored plaintext.
func (e *Encryptor) EncryptValue(plaintext string) (string, error) {
	if !e.Configured() {
		return "", apierr.New(apierr.KindEncryptionNotConfigured, "cannot store a sensitive value without an encryption key")
	}

	ciphertext, err := e.seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return magicPrefix + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue. Values without the magic prefix are
// returned as-is (legacy plaintext compatibility).
func (e *Encryptor) DecryptValue(stored string) (string, error) {
	if len(stored) < len(magicPrefix) || stored[:len(magicPrefix)] != magicPrefix {
		return stored, nil
	}

	if !e.Configured() {
		return "", apierr.New(apierr.KindEncryptionKeyMissing, "value is encrypted but no encryption key is configured")
	}

	raw, err := hex.DecodeString(stored[len(magicPrefix):])
	if err != nil {
		return "", apierr.Wrap(apierr.KindCorruptCiphertext, "value ciphertext is not valid hex", err)
	}

	plaintext, err := e.open(raw)
	if err != nil {
		return "", apierr.Wrap(apierr.KindCorruptCiphertext, "value ciphertext failed authentication", err)
	}
	return string(plaintext), nil
}

// seal produces iv || ciphertext || hmac(iv||ciphertext).
func (e *Encryptor) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.aesKey)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, e.hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	out := make([]byte, 0, len(iv)+len(ciphertext)+len(tag))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

// open reverses seal, verifying the HMAC tag in constant time before
// decrypting.
func (e *Encryptor) open(blob []byte) ([]byte, error) {
	if len(blob) < aes.BlockSize+sha256.Size {
		return nil, errors.New("ciphertext too short")
	}

	tagStart := len(blob) - sha256.Size
	iv, ciphertext, tag := blob[:aes.BlockSize], blob[aes.BlockSize:tagStart], blob[tagStart:]

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not block-aligned")
	}

	mac := hmac.New(sha256.New, e.hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, tag) {
		return nil, errors.New("authentication tag mismatch")
	}

	block, err := aes.NewCipher(e.aesKey)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return pkcs7Unpad(padded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-padLen], nil
}
