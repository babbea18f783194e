// Package auth verifies agent check-in requests against device
// credentials and signs nothing itself. Devices hold a credential
// triple issued once at registration: an auth code identifying the
// device, an API key, and a secret key used to sign request bodies.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

// ErrUnauthenticated is the only error the guard returns to callers.
// The specific failure reason is logged, never surfaced, so probing
// requests cannot distinguish a bad key from a bad signature.
var ErrUnauthenticated = errors.New("unauthenticated")

var errFailedToGenerate = errors.New("failed to generate credentials")

const (
	// HeaderAuthCode carries the device auth code on agent requests.
	HeaderAuthCode = "X-Auth-Code"
	// HeaderAPIKey carries the device API key.
	HeaderAPIKey = "X-Api-Key"
	// HeaderSignature carries the hex HMAC-SHA256 of the request body.
	HeaderSignature = "X-Signature"

	authCodeBytes  = 16
	apiKeyBytes    = 32
	secretKeyBytes = 32
)

// Guard authenticates agent requests against the device store.
type Guard struct {
	store db.DeviceStore
	log   zerolog.Logger
}

// NewGuard returns a Guard backed by the given device store.
func NewGuard(store db.DeviceStore) *Guard {
	return &Guard{
		store: store,
		log:   logger.Component("auth"),
	}
}

// Authenticate verifies the credential pair and returns the matching
// device. A body signature is verified only when the agent sent one;
// unsigned requests authenticate on the credential pair alone. Every
// failure path returns ErrUnauthenticated.
func (g *Guard) Authenticate(authCode, apiKey, signature string, body []byte) (*models.Device, error) {
	if authCode == "" || apiKey == "" {
		g.log.Debug().Msg("Check-in rejected: missing credential headers")

		return nil, ErrUnauthenticated
	}

	device, err := g.store.GetDeviceByCredentials(authCode, apiKey)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			g.log.Debug().
				Str("auth_code", authCode).
				Msg("Check-in rejected: unknown or disabled credentials")
		} else {
			g.log.Error().Err(err).Msg("Credential lookup failed")
		}

		return nil, ErrUnauthenticated
	}

	if signature != "" && !VerifySignature(device.Credentials.SecretKey, body, signature) {
		g.log.Debug().
			Str("device_id", device.ID).
			Msg("Check-in rejected: signature mismatch")

		return nil, ErrUnauthenticated
	}

	return device, nil
}

// Sign computes the hex HMAC-SHA256 of body under the secret key.
func Sign(secretKey string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secretKey string, body []byte, signature string) bool {
	expected := Sign(secretKey, body)

	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateCredentials produces a fresh credential triple from the
// system entropy source. The secret key is returned to the caller
// exactly once, at registration.
func GenerateCredentials() (models.Credentials, error) {
	authCode, err := randomHex(authCodeBytes)
	if err != nil {
		return models.Credentials{}, err
	}

	apiKey, err := randomHex(apiKeyBytes)
	if err != nil {
		return models.Credentials{}, err
	}

	secretKey, err := randomHex(secretKeyBytes)
	if err != nil {
		return models.Credentials{}, err
	}

	return models.Credentials{
		AuthCode:  authCode,
		APIKey:    apiKey,
		SecretKey: secretKey,
	}, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)

	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %w", errFailedToGenerate, err)
	}

	return hex.EncodeToString(buf), nil
}
