package auth_test

import (
	"errors"
	"testing"

	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
)

func mission(freelancer string) domain.Mission {
	m := domain.Mission{Creator: "alice"}
	if freelancer != "" {
		m.Freelancer = &freelancer
	}
	return m
}

func TestResolve(t *testing.T) {
	cases := []struct {
		caller     string
		freelancer string
		want       auth.Role
	}{
		{"alice", "", auth.Creator},
		{"alice", "bob", auth.Creator},
		{"bob", "bob", auth.Freelancer},
		{"admin", "bob", auth.Administrator},
		{"carol", "bob", auth.Counterparty},
		// a self-dealing admin is still bound by participant rules
		{"admin", "admin", auth.Freelancer},
	}
	for _, tc := range cases {
		if got := auth.Resolve(tc.caller, mission(tc.freelancer), "admin"); got != tc.want {
			t.Errorf("Resolve(%q) = %s, want %s", tc.caller, got, tc.want)
		}
	}
}

func TestRequireCreator(t *testing.T) {
	if err := auth.RequireCreator("alice", mission("")); err != nil {
		t.Fatalf("creator rejected: %v", err)
	}
	err := auth.RequireCreator("bob", mission(""))
	var unauthorized auth.UnauthorizedError
	if !errors.As(err, &unauthorized) || unauthorized.Role != auth.Creator {
		t.Fatalf("expected creator UnauthorizedError, got %v", err)
	}
}

func TestRequireFreelancer(t *testing.T) {
	if err := auth.RequireFreelancer("bob", mission("bob")); err != nil {
		t.Fatalf("freelancer rejected: %v", err)
	}
	// unassigned missions have no freelancer to match
	var unauthorized auth.UnauthorizedError
	if err := auth.RequireFreelancer("bob", mission("")); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if err := auth.RequireFreelancer("carol", mission("bob")); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}

func TestRequireAdministrator(t *testing.T) {
	if err := auth.RequireAdministrator("admin", "admin"); err != nil {
		t.Fatalf("admin rejected: %v", err)
	}
	var unauthorized auth.UnauthorizedError
	if err := auth.RequireAdministrator("alice", "admin"); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	// an empty administrator config authorizes nobody
	if err := auth.RequireAdministrator("", ""); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError for empty admin, got %v", err)
	}
	if err := auth.RequireAdministrator("", "admin"); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError for empty caller, got %v", err)
	}
}

func TestRequireCounterparty(t *testing.T) {
	if err := auth.RequireCounterparty("bob", mission("")); err != nil {
		t.Fatalf("counterparty rejected: %v", err)
	}
	var unauthorized auth.UnauthorizedError
	if err := auth.RequireCounterparty("alice", mission("")); !errors.As(err, &unauthorized) {
		t.Fatalf("creator must not be a counterparty, got %v", err)
	}
}

func TestRequireParticipant(t *testing.T) {
	if err := auth.RequireParticipant("alice", mission("bob")); err != nil {
		t.Fatalf("creator rejected: %v", err)
	}
	if err := auth.RequireParticipant("bob", mission("bob")); err != nil {
		t.Fatalf("freelancer rejected: %v", err)
	}
	var unauthorized auth.UnauthorizedError
	if err := auth.RequireParticipant("carol", mission("bob")); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}
