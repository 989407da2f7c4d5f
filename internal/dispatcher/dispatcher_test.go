package dispatcher

import (
	"context"
	"errors"
	"testing"
)

// TestResolve_EmptyKeyIsCredentialRequired tests that an absent credential
// is reported distinctly from an unknown one
func TestResolve_EmptyKeyIsCredentialRequired(t *testing.T) {
	s := &Service{}

	_, err := s.resolve(context.Background(), &InvokeRequest{})
	if !errors.Is(err, ErrCredentialRequired) {
		t.Fatalf("Expected ErrCredentialRequired for an empty key, got %v", err)
	}
	if errors.Is(err, ErrInvalidCredential) {
		t.Fatal("Missing and invalid credentials must be distinct errors")
	}
}
