package api

import (
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewTokenService("test-secret")

	token, err := svc.Issue("debug-user", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	subject, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if subject != "debug-user" {
		t.Fatalf("subject = %q", subject)
	}
}

func TestValidateExpired(t *testing.T) {
	svc := NewTokenService("test-secret")
	base := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return base }

	token, err := svc.Issue("debug-user", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := svc.Validate(token); err == nil {
		t.Fatal("expired token validated")
	}
}

func TestValidateWrongSecret(t *testing.T) {
	token, err := NewTokenService("secret-a").Issue("debug-user", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewTokenService("secret-b").Validate(token); err == nil {
		t.Fatal("token with wrong signature validated")
	}
}

func TestEmptySecretRejected(t *testing.T) {
	svc := NewTokenService("")
	if _, err := svc.Issue("debug-user", time.Hour); err == nil {
		t.Fatal("Issue succeeded without a secret")
	}
	if _, err := svc.Validate("x.y.z"); err == nil {
		t.Fatal("Validate succeeded without a secret")
	}
}
