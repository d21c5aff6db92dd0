// Package address provides parsing and formatting for AMP agent addresses.
//
// Address format: name@[scope.]tenant.provider
//
// Examples:
//
//	alice@acme.aimaestro.local        (tenant "acme", default provider)
//	alice@dev.acme.aimaestro.local    (scope "dev")
//	bob@aimaestro.local               (mesh with no organization set)
//
// The name is the agent's registered name on its host. The tenant is the
// organization label shared by the mesh. The provider is the DNS-like suffix
// "aimaestro.local"; a host's provider domain is "{organization}.aimaestro.local",
// or bare "aimaestro.local" when no organization has been adopted.
package address

import (
	"fmt"
	"strings"
)

// BaseDomain is the provider suffix shared by every AMP address this
// implementation serves. Addresses under any other suffix belong to an
// external provider.
const BaseDomain = "aimaestro.local"

// Address represents a parsed AMP address.
type Address struct {
	Name   string // e.g. "alice" — agent name (localpart)
	Scope  string // e.g. "dev"   — optional scope label(s), empty when absent
	Tenant string // e.g. "acme"  — organization label, empty on bare-domain meshes
	Domain string // e.g. "dev.acme.aimaestro.local" — everything after '@'
}

// Parse parses an AMP address string.
//
// The expected structure is:
//
//	{name}@[{scope}.]{tenant}.{provider}
//
// Addresses under a foreign provider still parse (Name and Domain are set)
// so the caller can detect and reject them; Scope and Tenant are only
// populated for addresses under BaseDomain.
func Parse(raw string) (*Address, error) {
	at := strings.Count(raw, "@")
	if at != 1 {
		return nil, fmt.Errorf("address %q must contain exactly one '@'", raw)
	}

	idx := strings.Index(raw, "@")
	name, domain := raw[:idx], raw[idx+1:]

	if name == "" {
		return nil, fmt.Errorf("missing agent name in address %q", raw)
	}
	if domain == "" {
		return nil, fmt.Errorf("missing domain in address %q", raw)
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return nil, fmt.Errorf("address %q contains whitespace", raw)
	}
	if !strings.Contains(domain, ".") {
		return nil, fmt.Errorf("domain %q must contain at least one dot", domain)
	}

	a := &Address{Name: name, Domain: domain}

	// Scope and tenant only make sense under the local provider suffix.
	switch {
	case domain == BaseDomain:
		// bare provider, no organization
	case strings.HasSuffix(domain, "."+BaseDomain):
		rest := strings.TrimSuffix(domain, "."+BaseDomain)
		labels := strings.Split(rest, ".")
		a.Tenant = labels[len(labels)-1]
		if len(labels) > 1 {
			a.Scope = strings.Join(labels[:len(labels)-1], ".")
		}
	}

	return a, nil
}

// String returns the canonical address string.
func (a *Address) String() string {
	return a.Name + "@" + a.Domain
}

// ProviderDomain returns the domain with any scope labels stripped, i.e. the
// part compared against a host's own provider domain for locality checks.
func (a *Address) ProviderDomain() string {
	if a.Scope == "" {
		return a.Domain
	}
	return strings.TrimPrefix(a.Domain, a.Scope+".")
}

// Local reports whether the address belongs to the given provider domain.
func (a *Address) Local(providerDomain string) bool {
	return strings.EqualFold(a.ProviderDomain(), providerDomain)
}

// MustParse parses an address and panics on error. Useful in tests.
func MustParse(raw string) *Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// ProviderDomain returns the provider domain for an organization:
// "{org}.aimaestro.local", or bare BaseDomain when org is empty.
func ProviderDomain(org string) string {
	if org == "" {
		return BaseDomain
	}
	return strings.ToLower(org) + "." + BaseDomain
}

// Format builds the canonical address for a registered agent. scope may be
// empty; providerDomain is the host's provider domain (tenant included).
func Format(name, scope, providerDomain string) string {
	if scope != "" {
		return fmt.Sprintf("%s@%s.%s", name, scope, providerDomain)
	}
	return fmt.Sprintf("%s@%s", name, providerDomain)
}
