package socket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
)

// ErrBadCredentials is returned when a session token does not belong to
// the claimed user.
var ErrBadCredentials = errors.New("invalid session credentials")

// TokenVerifier checks a session token before the session joins the hub.
// The hub does not mint sessions itself; whatever issued the token plugs
// in here.
type TokenVerifier interface {
	Verify(userID int64, sessionToken string) error
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(userID int64, sessionToken string) error

func (f TokenVerifierFunc) Verify(userID int64, sessionToken string) error {
	return f(userID, sessionToken)
}

// HMACVerifier accepts tokens minted as the hex HMAC-SHA256 of the
// decimal user ID under a shared secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier over the shared secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// MintToken produces the token Verify accepts for a user.
func (v *HMACVerifier) MintToken(userID int64) string {
	return hex.EncodeToString(v.sum(userID))
}

// Verify checks the token in constant time.
func (v *HMACVerifier) Verify(userID int64, sessionToken string) error {
	got, err := hex.DecodeString(sessionToken)
	if err != nil {
		return ErrBadCredentials
	}
	if !hmac.Equal(got, v.sum(userID)) {
		return ErrBadCredentials
	}
	return nil
}

func (v *HMACVerifier) sum(userID int64) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(userID, 10)))
	return mac.Sum(nil)
}
