package auth

import (
	"fmt"
	"testing"
	"time"

	"github.com/nullharbor/turnrelayd/internal/wire"
)

func buildAuthenticatedRequest(t *testing.T, a *Authenticator, username, nonce string) []byte {
	t.Helper()
	password := DerivePassword(a.Secret(), username)
	authKey := DeriveAuthKey(username, Realm, password)

	txID := [12]byte{1, 2, 3}
	raw := wire.NewBuilder(wire.MethodAllocate, wire.ClassRequest, txID).
		AddUsername(username).
		AddRealm(Realm).
		AddNonce(nonce).
		Build(authKey)
	return raw
}

func TestAuthenticate_Success(t *testing.T) {
	t.Parallel()

	a := New([]byte("shared-secret"))
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	nonce := a.IssueNonce(now)

	username := fmt.Sprintf("%d:client-1", now.Add(time.Hour).Unix())
	raw := buildAuthenticatedRequest(t, a, username, nonce)

	msg, err := wire.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	authKey, failure := a.Authenticate(&msg, raw, now)
	if failure != nil {
		t.Fatalf("expected success, got failure %v", failure)
	}
	if len(authKey) != 16 {
		t.Errorf("auth key length: got %d, want 16 (MD5)", len(authKey))
	}
}

func TestAuthenticate_ExpiredUsername(t *testing.T) {
	t.Parallel()

	a := New([]byte("shared-secret"))
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	nonce := a.IssueNonce(now)

	username := fmt.Sprintf("%d:client-1", now.Add(-time.Hour).Unix())
	raw := buildAuthenticatedRequest(t, a, username, nonce)

	msg, err := wire.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	_, failure := a.Authenticate(&msg, raw, now)
	if failure == nil {
		t.Fatal("expected failure for expired username")
	}
	if failure.Code != 401 {
		t.Errorf("code: got %d, want 401", failure.Code)
	}
}

func TestAuthenticate_UnknownNonce(t *testing.T) {
	t.Parallel()

	a := New([]byte("shared-secret"))
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

	username := fmt.Sprintf("%d:client-1", now.Add(time.Hour).Unix())
	raw := buildAuthenticatedRequest(t, a, username, "not-a-real-nonce")

	msg, err := wire.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	_, failure := a.Authenticate(&msg, raw, now)
	if failure == nil {
		t.Fatal("expected failure for unknown nonce")
	}
	if failure.Code != 438 {
		t.Errorf("code: got %d, want 438", failure.Code)
	}
}

func TestAuthenticate_BadPassword(t *testing.T) {
	t.Parallel()

	a := New([]byte("shared-secret"))
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	nonce := a.IssueNonce(now)

	username := fmt.Sprintf("%d:client-1", now.Add(time.Hour).Unix())
	txID := [12]byte{4, 5, 6}
	raw := wire.NewBuilder(wire.MethodAllocate, wire.ClassRequest, txID).
		AddUsername(username).
		AddRealm(Realm).
		AddNonce(nonce).
		Build([]byte("wrong-key-entirely"))

	msg, err := wire.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	_, failure := a.Authenticate(&msg, raw, now)
	if failure == nil {
		t.Fatal("expected failure for bad MESSAGE-INTEGRITY")
	}
	if failure.Code != 401 {
		t.Errorf("code: got %d, want 401", failure.Code)
	}
}

func TestAuthenticate_WrongRealm(t *testing.T) {
	t.Parallel()

	a := New([]byte("shared-secret"))
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	nonce := a.IssueNonce(now)

	username := fmt.Sprintf("%d:client-1", now.Add(time.Hour).Unix())
	password := DerivePassword(a.Secret(), username)
	authKey := DeriveAuthKey(username, "other-realm", password)
	txID := [12]byte{7, 7, 7}
	raw := wire.NewBuilder(wire.MethodAllocate, wire.ClassRequest, txID).
		AddUsername(username).
		AddRealm("other-realm").
		AddNonce(nonce).
		Build(authKey)

	msg, err := wire.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	_, failure := a.Authenticate(&msg, raw, now)
	if failure == nil {
		t.Fatal("expected failure for foreign realm")
	}
	if failure.Code != 403 {
		t.Errorf("code: got %d, want 403", failure.Code)
	}
}

func TestPruneNonces(t *testing.T) {
	t.Parallel()

	a := New([]byte("shared-secret"))
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	nonce := a.IssueNonce(now)

	a.PruneNonces(now.Add(NonceLifetime + time.Second))
	if _, known := a.nonces[nonce]; known {
		t.Fatal("expected nonce to be pruned after its lifetime elapsed")
	}
}
