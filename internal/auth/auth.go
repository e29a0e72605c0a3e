// Package auth implements the relay's ephemeral-credential authenticator:
// RFC 8489 long-term credentials with a time-derived username, as used by
// the TURN REST API convention (coturn, pion/ice). It is pure with respect
// to the wire: given a parsed message and the raw bytes MESSAGE-INTEGRITY
// was computed over, it reports whether the request is authenticated and,
// if not, which STUN error class applies.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nullharbor/turnrelayd/internal/wire"
)

// Realm is the STUN REALM advertised by the relay.
const Realm = "turnrelayd"

// NonceLifetime bounds how long an issued NONCE remains acceptable, mirroring
// coturn's default nonce lifetime.
const NonceLifetime = 1 * time.Hour

// passwordLen is the number of leading bytes kept from the HMAC-SHA256
// password digest before base64 encoding. Full SHA-256 output works too, but
// truncating to the HMAC-SHA1 length keeps usernames/passwords close in size
// to what TURN REST API deployments (coturn) already produce.
const passwordLen = 20

// Failure classifies why an Authenticate call did not succeed. The zero
// value never appears in production; a nil *Failure return means success.
type Failure struct {
	Code   int    // STUN ERROR-CODE number: 401, 403, or 438.
	Reason string // human-readable reason, echoed in ERROR-CODE.
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%d %s", f.Code, f.Reason)
}

// Authenticator validates requests against a shared auth_secret and issues/
// tracks NONCE tokens. It is not safe for concurrent use; the server state
// machine that owns it is single-threaded by design.
type Authenticator struct {
	secret []byte
	nonces map[string]time.Time // nonce -> issued-at
}

// New creates an Authenticator bound to secret, the process-lifetime
// auth_secret shared with the portal via JoinMessage.stamp_secret.
func New(secret []byte) *Authenticator {
	return &Authenticator{
		secret: secret,
		nonces: make(map[string]time.Time),
	}
}

// Secret returns the shared auth_secret, exposed so the portal join handshake
// can hex-encode it into stamp_secret.
func (a *Authenticator) Secret() []byte { return a.secret }

// IssueNonce mints and records a fresh opaque NONCE, returned to the client
// alongside a 401/438 error response.
func (a *Authenticator) IssueNonce(now time.Time) string {
	nonce := uuid.NewString()
	a.nonces[nonce] = now
	return nonce
}

// RevokeNonce removes a nonce from the accepted set, forcing the client to
// re-challenge on its next request carrying it.
func (a *Authenticator) RevokeNonce(nonce string) {
	delete(a.nonces, nonce)
}

// PruneNonces discards nonces issued before the lifetime window, bounding
// memory growth. Called from relay.Server.HandleDeadlineReached alongside
// allocation expiry sweeps.
func (a *Authenticator) PruneNonces(now time.Time) {
	for nonce, issued := range a.nonces {
		if now.Sub(issued) > NonceLifetime {
			delete(a.nonces, nonce)
		}
	}
}

// DerivePassword deterministically derives the long-term credential password
// for username from the shared secret: HMAC-SHA256(secret, username),
// truncated and base64-encoded.
func DerivePassword(secret []byte, username string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(username))
	sum := mac.Sum(nil)[:passwordLen]
	return base64.StdEncoding.EncodeToString(sum)
}

// DeriveAuthKey computes the long-term credential key used for
// MESSAGE-INTEGRITY: MD5(username:realm:password), per RFC 5389 §15.4.
func DeriveAuthKey(username, realm, password string) []byte {
	h := md5.New() //nolint:gosec // required by the STUN long-term credential mechanism
	h.Write([]byte(username + ":" + realm + ":" + password))
	return h.Sum(nil)
}

// Authenticate validates msg against raw (the bytes MESSAGE-INTEGRITY was
// computed over) at time now. On success it returns the derived auth key,
// which the caller uses to sign its response. On failure it returns only a
// Failure describing the STUN error class; for 401/438 the caller mints the
// nonce to attach with IssueNonce.
func (a *Authenticator) Authenticate(msg *wire.Message, raw []byte, now time.Time) ([]byte, *Failure) {
	username := msg.GetUsername()
	if username == "" {
		return nil, &Failure{Code: 401, Reason: "Unauthorized"}
	}

	nonce := msg.GetNonce()
	if nonce == "" {
		return nil, &Failure{Code: 401, Reason: "Unauthorized"}
	}
	issuedAt, known := a.nonces[nonce]
	if !known || now.Sub(issuedAt) > NonceLifetime {
		return nil, &Failure{Code: 438, Reason: "Stale Nonce"}
	}

	if realm := msg.GetRealm(); realm != Realm {
		return nil, &Failure{Code: 403, Reason: "Forbidden"}
	}

	expiry, err := parseExpiry(username)
	if err != nil {
		return nil, &Failure{Code: 401, Reason: "Unauthorized"}
	}
	if now.Unix() > expiry {
		return nil, &Failure{Code: 401, Reason: "Stale Nonce"}
	}

	password := DerivePassword(a.secret, username)
	authKey := DeriveAuthKey(username, Realm, password)
	if err := wire.CheckIntegrity(raw, authKey); err != nil {
		return nil, &Failure{Code: 401, Reason: "Unauthorized"}
	}

	return authKey, nil
}

// parseExpiry extracts the unix expiry timestamp from a "<expiry_unix>:<salt>"
// username.
func parseExpiry(username string) (int64, error) {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid username format: expected '<expiry>:<salt>'")
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expiry in username: %w", err)
	}
	return expiry, nil
}
