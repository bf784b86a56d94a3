package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPayload is returned when a proof has no bytes to fingerprint.
var ErrEmptyPayload = errors.New("empty proof payload")

// Fingerprint computes the content identity of a proof.
// Formula: SHA256(raw bytes), hex-encoded (64 lowercase characters).
func Fingerprint(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// NormalizeDescription trims and lowercases a free-text description.
func NormalizeDescription(description string) string {
	return strings.ToLower(strings.TrimSpace(description))
}

// SubmissionKey computes a deterministic correlation key for one submission.
// Formula: SHA256(wallet|normalized_description|fingerprint)
func SubmissionKey(wallet, description, fingerprint string) string {
	data := fmt.Sprintf("%s|%s|%s",
		strings.ToLower(wallet),
		NormalizeDescription(description),
		fingerprint,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
