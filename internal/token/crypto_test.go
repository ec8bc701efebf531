package token

import (
	"encoding/hex"
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	enc, err := c.Encrypt("secret-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if enc == "secret-token" {
		t.Fatalf("ciphertext equals plaintext")
	}
	if _, err := hex.DecodeString(enc); err != nil {
		t.Fatalf("ciphertext is not hex: %v", err)
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if dec != "secret-token" {
		t.Fatalf("round trip = %q", dec)
	}
}

func TestCipherNonceUniqueness(t *testing.T) {
	c, _ := NewCipher(testKey)
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Fatalf("two encryptions of the same plaintext produced identical output")
	}
}

func TestCipherTamperDetection(t *testing.T) {
	c, _ := NewCipher(testKey)
	enc, _ := c.Encrypt("secret")

	// Flip one hex digit in the ciphertext body.
	i := len(enc) - 1
	flipped := enc[:i] + flipHex(enc[i:])
	if _, err := c.Decrypt(flipped); err == nil {
		t.Fatalf("tampered ciphertext decrypted successfully")
	}
}

func TestCipherRejectsGarbage(t *testing.T) {
	c, _ := NewCipher(testKey)
	for _, in := range []string{"", "zz", "abcd", strings.Repeat("0", 10)} {
		if _, err := c.Decrypt(in); err == nil {
			t.Fatalf("Decrypt(%q) succeeded", in)
		}
	}
}

func TestNewCipherKeyValidation(t *testing.T) {
	cases := []string{
		"",
		"deadbeef",
		"zz" + testKey[2:],
		testKey + "00",
	}
	for _, k := range cases {
		if _, err := NewCipher(k); err == nil {
			t.Fatalf("NewCipher(%q) accepted a bad key", k)
		}
	}
}

func flipHex(s string) string {
	if s == "0" {
		return "1"
	}
	return "0"
}
