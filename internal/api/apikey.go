package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const keyPrefix = "sk-"

// checksumLen is the number of hex characters of the HMAC kept in the key.
const checksumLen = 8

// ErrLegacyKey marks an inbound key that does not carry a machine id.
// Legacy keys are only accepted on the /{machineId}/v1 surface.
var ErrLegacyKey = errors.New("api key does not embed a machine id")

// ErrInvalidKey marks a structurally valid key whose checksum does not
// verify against the server secret.
var ErrInvalidKey = errors.New("api key checksum mismatch")

// keyChecksum binds machineID and keyID to the server secret.
func keyChecksum(serverSecret, machineID, keyID string) string {
	mac := hmac.New(sha256.New, []byte(serverSecret))
	mac.Write([]byte(machineID + keyID))
	return hex.EncodeToString(mac.Sum(nil))[:checksumLen]
}

// FormatAPIKey builds an inbound key of the form
// sk-{machineId}-{keyId}-{checksum}.
func FormatAPIKey(serverSecret, machineID, keyID string) string {
	return keyPrefix + machineID + "-" + keyID + "-" + keyChecksum(serverSecret, machineID, keyID)
}

// ParseAPIKey recovers the machine id and key id from an inbound key and
// verifies its checksum. Machine ids may themselves contain dashes, so
// every split point is tried against the checksum.
func ParseAPIKey(serverSecret, key string) (machineID, keyID string, err error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", "", ErrLegacyKey
	}
	parts := strings.Split(rest, "-")
	if len(parts) < 3 {
		return "", "", ErrLegacyKey
	}
	checksum := parts[len(parts)-1]
	if len(checksum) != checksumLen {
		return "", "", ErrLegacyKey
	}

	body := parts[:len(parts)-1]
	for i := len(body) - 1; i >= 1; i-- {
		machineID = strings.Join(body[:i], "-")
		keyID = strings.Join(body[i:], "-")
		expected := keyChecksum(serverSecret, machineID, keyID)
		if hmac.Equal([]byte(expected), []byte(checksum)) {
			return machineID, keyID, nil
		}
	}
	return "", "", ErrInvalidKey
}
