package schema

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/verity-qa/cmo-elg/elg/canonjson"
)

// Sign computes the HMAC-SHA256 signature over the canonical serialization
// of meta with the signature field cleared, keyed by secret.
func Sign(meta Meta, secret []byte) (string, error) {
	meta.Signature = ""
	data, err := canonjson.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("canonicalize meta: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it in constant time against
// meta.Signature.
func Verify(meta Meta, secret []byte) (bool, error) {
	want, err := hex.DecodeString(meta.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	sig, err := Sign(meta, secret)
	if err != nil {
		return false, err
	}
	got, _ := hex.DecodeString(sig)
	return hmac.Equal(want, got), nil
}
