package address_test

import (
	"testing"

	"github.com/aimaestro/maestro/pkg/address"
)

func TestParse_valid(t *testing.T) {
	cases := []struct {
		input  string
		name   string
		scope  string
		tenant string
		domain string
	}{
		{
			input:  "alice@acme.aimaestro.local",
			name:   "alice",
			scope:  "",
			tenant: "acme",
			domain: "acme.aimaestro.local",
		},
		{
			input:  "alice@dev.acme.aimaestro.local",
			name:   "alice",
			scope:  "dev",
			tenant: "acme",
			domain: "dev.acme.aimaestro.local",
		},
		{
			input:  "bob@aimaestro.local",
			name:   "bob",
			scope:  "",
			tenant: "",
			domain: "aimaestro.local",
		},
		{
			input:  "carol@foreign.example.com",
			name:   "carol",
			scope:  "",
			tenant: "",
			domain: "foreign.example.com",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			a, err := address.Parse(tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if a.Name != tc.name {
				t.Errorf("Name: got %q, want %q", a.Name, tc.name)
			}
			if a.Scope != tc.scope {
				t.Errorf("Scope: got %q, want %q", a.Scope, tc.scope)
			}
			if a.Tenant != tc.tenant {
				t.Errorf("Tenant: got %q, want %q", a.Tenant, tc.tenant)
			}
			if a.Domain != tc.domain {
				t.Errorf("Domain: got %q, want %q", a.Domain, tc.domain)
			}
		})
	}
}

func TestParse_invalid(t *testing.T) {
	cases := []string{
		"alice",                     // no '@'
		"alice@",                    // empty domain
		"@acme.aimaestro.local",     // empty name
		"a@b@c.aimaestro.local",     // two '@'
		"alice@localhost",           // domain without dot
		"alice me@acme.aimaestro.local", // whitespace
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc, func(t *testing.T) {
			_, err := address.Parse(tc)
			if err == nil {
				t.Errorf("expected error for %q but got nil", tc)
			}
		})
	}
}

func TestAddress_Local(t *testing.T) {
	cases := []struct {
		addr     string
		provider string
		want     bool
	}{
		{"alice@acme.aimaestro.local", "acme.aimaestro.local", true},
		{"alice@dev.acme.aimaestro.local", "acme.aimaestro.local", true},
		{"alice@other.aimaestro.local", "acme.aimaestro.local", false},
		{"alice@foreign.example.com", "acme.aimaestro.local", false},
		{"bob@aimaestro.local", "aimaestro.local", true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.addr, func(t *testing.T) {
			a := address.MustParse(tc.addr)
			if got := a.Local(tc.provider); got != tc.want {
				t.Errorf("Local(%q): got %v, want %v", tc.provider, got, tc.want)
			}
		})
	}
}

func TestAddress_String(t *testing.T) {
	raw := "alice@dev.acme.aimaestro.local"
	a, err := address.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := a.String(); got != raw {
		t.Errorf("String(): got %q, want %q", got, raw)
	}
}

func TestProviderDomain(t *testing.T) {
	if got := address.ProviderDomain("acme"); got != "acme.aimaestro.local" {
		t.Errorf("ProviderDomain(acme): got %q", got)
	}
	if got := address.ProviderDomain(""); got != "aimaestro.local" {
		t.Errorf("ProviderDomain(empty): got %q", got)
	}
	if got := address.ProviderDomain("Acme"); got != "acme.aimaestro.local" {
		t.Errorf("ProviderDomain(Acme): got %q", got)
	}
}

func TestFormat(t *testing.T) {
	if got := address.Format("alice", "", "acme.aimaestro.local"); got != "alice@acme.aimaestro.local" {
		t.Errorf("Format without scope: got %q", got)
	}
	if got := address.Format("alice", "dev", "acme.aimaestro.local"); got != "alice@dev.acme.aimaestro.local" {
		t.Errorf("Format with scope: got %q", got)
	}
}

func TestMustParse_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected MustParse to panic on invalid address")
		}
	}()
	address.MustParse("not-an-address")
}
