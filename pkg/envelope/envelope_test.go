package envelope

import "testing"

func TestStateRoundTrip(t *testing.T) {
	enc, err := New("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	original := []byte(`{"version":4,"resources":[]}`)

	ciphertext, err := enc.EncryptState(original)
	if err != nil {
		t.Fatalf("EncryptState() error: %v", err)
	}

	if string(ciphertext[:len(magicPrefix)]) != magicPrefix {
		t.Fatalf("expected magic prefix, got %q", ciphertext[:len(magicPrefix)])
	}

	plaintext, err := enc.DecryptState(ciphertext)
	if err != nil {
		t.Fatalf("DecryptState() error: %v", err)
	}

	if string(plaintext) != string(original) {
		t.Fatalf("round trip mismatch: got %q want %q", plaintext, original)
	}
}

func TestLegacyPlaintextPassthrough(t *testing.T) {
	enc, err := New("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	legacy := []byte(`{"version":4}`)

	out, err := enc.DecryptState(legacy)
	if err != nil {
		t.Fatalf("DecryptState() error: %v", err)
	}
	if string(out) != string(legacy) {
		t.Fatalf("expected passthrough, got %q", out)
	}
}

func TestDecryptWithoutKeyFails(t *testing.T) {
	enc, _ := New("")
	withKey, _ := New("0123456789abcdef0123456789abcdef")

	ciphertext, err := withKey.EncryptState([]byte("secret"))
	if err != nil {
		t.Fatalf("EncryptState() error: %v", err)
	}

	if _, err := enc.DecryptState(ciphertext); err == nil {
		t.Fatal("expected error decrypting without a key, got nil")
	}
}

func TestCorruptCiphertextFails(t *testing.T) {
	enc, _ := New("0123456789abcdef0123456789abcdef")

	ciphertext, err := enc.EncryptState([]byte("secret"))
	if err != nil {
		t.Fatalf("EncryptState() error: %v", err)
	}

	corrupted := append([]byte{}, ciphertext...)
	corrupted[len(corrupted)-1] ^= 0xFF

	if _, err := enc.DecryptState(corrupted); err == nil {
		t.Fatal("expected corruption to be detected, got nil")
	}
}

func TestEncryptValueWithoutKeyFails(t *testing.T) {
	enc, _ := New("")
	if _, err := enc.EncryptValue("super-secret"); err == nil {
		t.Fatal("expected error encrypting sensitive value without a key")
	}
}

func TestValueRoundTrip(t *testing.T) {
	enc, err := New("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stored, err := enc.EncryptValue("super-secret")
	if err != nil {
		t.Fatalf("EncryptValue() error: %v", err)
	}

	plain, err := enc.DecryptValue(stored)
	if err != nil {
		t.Fatalf("DecryptValue() error: %v", err)
	}
	if plain != "super-secret" {
		t.Fatalf("got %q want %q", plain, "super-secret")
	}
}
