package hosts_test

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
)

func TestAdoptOrganization_writeOnce(t *testing.T) {
	dir := t.TempDir()
	s := hosts.NewStore(dir, zap.NewNop())

	org, err := s.GetOrganization()
	if err != nil {
		t.Fatal(err)
	}
	if org != nil {
		t.Fatalf("expected unset organization, got %+v", org)
	}

	adopted, err := s.AdoptOrganization("acme", time.Now().UTC(), "setup")
	if err != nil {
		t.Fatalf("first adopt: %v", err)
	}
	if !adopted {
		t.Error("first adopt should return adopted=true")
	}

	// same name is a no-op
	adopted, err = s.AdoptOrganization("acme", time.Now().UTC(), "peer-h2")
	if err != nil {
		t.Fatalf("second adopt: %v", err)
	}
	if adopted {
		t.Error("adopting the same name should return adopted=false")
	}

	// different name is a mismatch and mutates nothing
	_, err = s.AdoptOrganization("globex", time.Now().UTC(), "peer-h9")
	if !errors.Is(err, hosts.ErrOrganizationMismatch) {
		t.Fatalf("expected ErrOrganizationMismatch, got %v", err)
	}
	org, _ = s.GetOrganization()
	if org == nil || org.Organization != "acme" {
		t.Errorf("organization mutated on mismatch: %+v", org)
	}

	// survives restart
	s2 := hosts.NewStore(dir, zap.NewNop())
	org, err = s2.GetOrganization()
	if err != nil {
		t.Fatal(err)
	}
	if org == nil || org.Organization != "acme" || org.SetBy != "setup" {
		t.Errorf("organization after restart: %+v", org)
	}
}

func TestAdoptOrganization_emptyName(t *testing.T) {
	s := hosts.NewStore(t.TempDir(), zap.NewNop())
	_, err := s.AdoptOrganization("", time.Time{}, "x")
	var ve hosts.ErrValidation
	if !errors.As(err, &ve) {
		t.Errorf("expected ErrValidation for empty name, got %v", err)
	}
}
