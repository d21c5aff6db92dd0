package hosts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/store"
)

const organizationFile = "organization.json"

// ErrOrganizationMismatch is returned when adoption is attempted with a name
// different from the one already set. The organization is write-once.
var ErrOrganizationMismatch = errors.New("hosts: organization mismatch")

// Organization is the single tenant label shared by a mesh.
type Organization struct {
	Organization string    `json:"organization"`
	SetAt        time.Time `json:"setAt"`
	SetBy        string    `json:"setBy"`
}

func (s *Store) organizationPath() string {
	return filepath.Join(s.dataDir, organizationFile)
}

// GetOrganization returns the adopted organization, or nil when unset.
func (s *Store) GetOrganization() (*Organization, error) {
	s.orgMu.Lock()
	defer s.orgMu.Unlock()
	if err := s.loadOrganization(); err != nil {
		return nil, err
	}
	if s.orgCache == nil {
		return nil, nil
	}
	org := *s.orgCache
	return &org, nil
}

// AdoptOrganization applies the write-once rule:
//
//	unset      → store and return adopted=true
//	same name  → no-op, adopted=false
//	different  → ErrOrganizationMismatch, nothing mutated
func (s *Store) AdoptOrganization(name string, setAt time.Time, setBy string) (adopted bool, err error) {
	if name == "" {
		return false, ErrValidation{Msg: "organization name is required"}
	}
	s.orgMu.Lock()
	defer s.orgMu.Unlock()
	if err := s.loadOrganization(); err != nil {
		return false, err
	}

	if s.orgCache != nil {
		if s.orgCache.Organization == name {
			return false, nil
		}
		return false, fmt.Errorf("%w: have %q, got %q", ErrOrganizationMismatch, s.orgCache.Organization, name)
	}

	if setAt.IsZero() {
		setAt = time.Now().UTC()
	}
	org := Organization{Organization: name, SetAt: setAt, SetBy: setBy}
	if err := store.SaveJSON(s.organizationPath(), org, 0o644); err != nil {
		return false, fmt.Errorf("save organization: %w", err)
	}
	s.orgCache = &org
	s.log.Info("adopted organization", zap.String("organization", name), zap.String("set_by", setBy))
	return true, nil
}

func (s *Store) loadOrganization() error {
	if s.orgLoaded {
		return nil
	}
	var org Organization
	if err := store.LoadJSON(s.organizationPath(), &org); err != nil {
		if os.IsNotExist(err) {
			s.orgLoaded = true
			return nil
		}
		return fmt.Errorf("load organization: %w", err)
	}
	s.orgCache = &org
	s.orgLoaded = true
	return nil
}
