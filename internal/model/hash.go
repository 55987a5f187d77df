package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPayload separates payload hashes from any other hash the module
// may compute over the same bytes.
const DomainPayload = "syncq/payload/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash returns a stable content hash of a JSON payload. Payloads
// that differ only in key order, whitespace or Unicode normalization hash
// to the same value.
func PayloadHash(raw []byte) (string, error) {
	canonical, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// SamePayload reports whether two payloads are canonically equal. Payloads
// that fail to decode are compared byte for byte.
func SamePayload(a, b []byte) bool {
	ha, errA := PayloadHash(a)
	hb, errB := PayloadHash(b)
	if errA != nil || errB != nil {
		return string(a) == string(b)
	}
	return ha == hb
}
