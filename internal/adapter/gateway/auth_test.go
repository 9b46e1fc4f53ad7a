package gateway

import (
	"errors"
	"testing"

	"mirador/internal/domain"
)

func TestTokenVerifier(t *testing.T) {
	v, err := NewTokenVerifier()
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	if len(v.Token()) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(v.Token()))
	}
	if err := v.Verify(v.Token()); err != nil {
		t.Errorf("correct token rejected: %v", err)
	}
	if err := v.Verify("nope"); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("wrong token: got %v, want ErrAuthInvalid", err)
	}
	if err := v.Verify(""); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("empty token: got %v, want ErrAuthInvalid", err)
	}
}

func TestTokensAreUniquePerProcess(t *testing.T) {
	a, err := NewTokenVerifier()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTokenVerifier()
	if err != nil {
		t.Fatal(err)
	}
	if a.Token() == b.Token() {
		t.Error("two verifiers minted the same token")
	}
}
