// Package policy implements server-pushed policy file deployment,
// uninstall, and inventory. Grounded on
// original_source/src/agent/core/policy.cpp (DeployPolicy/
// UninstallPolicy/GetPolicyInventory, RegisterPolicy/UnregisterPolicy
// against the NetXMS "Config" registry at /policyRegistry/policy-<guid>).
// The registry itself is replaced by internal/store's bbolt-backed
// PolicyFile table; this package owns the on-disk document plus a
// human-readable yaml sidecar next to it so the directory tree stays
// self-describing if the bbolt database is ever rebuilt from scratch.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fluxmon/agentd/internal/store"
)

// ErrNotFound is returned by Uninstall for a guid with no registered
// policy, mirroring the original's GetPolicyType returning -1.
var ErrNotFound = errors.New("policy: no policy registered under this guid")

// ErrUnknownType is returned for a policy type this build doesn't
// know how to deploy, mirroring DeployPolicy's ERR_BAD_ARGUMENTS
// default case.
var ErrUnknownType = errors.New("policy: unknown policy type")

// DB is the persistence capability policy needs from internal/store,
// kept narrow to avoid an import cycle the way datacollection's
// DeliverySink does.
type DB interface {
	UpsertPolicy(p *store.PolicyFile) error
	GetPolicy(guid string) (*store.PolicyFile, error)
	DeletePolicy(guid string) error
	ListPolicies() ([]*store.PolicyFile, error)
}

// sidecar is the yaml-serialized form of a PolicyFile written
// alongside the deployed document itself.
type sidecar struct {
	GUID         string           `yaml:"guid"`
	Type         store.PolicyType `yaml:"type"`
	Version      int              `yaml:"version"`
	RegisteredAt time.Time        `yaml:"registered_at"`
}

// Manager deploys, removes, and enumerates policy files under two
// directories, one per PolicyType, matching the original's separate
// config-include and user-agent-policy directories.
type Manager struct {
	fs           afero.Fs
	configDir    string
	userAgentDir string
	db           DB
	log          *zap.Logger
}

func New(fs afero.Fs, configDir, userAgentDir string, db DB, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{fs: fs, configDir: configDir, userAgentDir: userAgentDir, db: db, log: log}
}

func (m *Manager) dirFor(t store.PolicyType) (string, string, error) {
	switch t {
	case store.PolicyTypeConfigInclude:
		return m.configDir, ".conf", nil
	case store.PolicyTypeUserAgent:
		return m.userAgentDir, ".uap", nil
	default:
		return "", "", ErrUnknownType
	}
}

// Deploy writes content to the directory matching policyType, records
// its metadata in the DB, and writes a yaml sidecar next to the
// document. version is the server-supplied policy revision.
func (m *Manager) Deploy(guid string, policyType store.PolicyType, version int, content []byte) (*store.PolicyFile, error) {
	if _, err := uuid.Parse(guid); err != nil {
		return nil, fmt.Errorf("policy: invalid guid %q: %w", guid, err)
	}
	dir, ext, err := m.dirFor(policyType)
	if err != nil {
		return nil, err
	}
	if err := m.fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("policy: mkdir %s: %w", dir, err)
	}

	docPath := filepath.Join(dir, guid+ext)
	if err := afero.WriteFile(m.fs, docPath, content, 0600); err != nil {
		return nil, fmt.Errorf("policy: write %s: %w", docPath, err)
	}

	p := &store.PolicyFile{
		GUID:         guid,
		Type:         policyType,
		Version:      version,
		Path:         docPath,
		RegisteredAt: time.Now(),
	}
	if err := m.writeSidecar(dir, guid, p); err != nil {
		return nil, err
	}
	if err := m.db.UpsertPolicy(p); err != nil {
		return nil, fmt.Errorf("policy: register %s: %w", guid, err)
	}

	m.log.Info("policy deployed", zap.String("guid", guid), zap.Int("type", int(policyType)), zap.Int("version", version))
	return p, nil
}

// Uninstall removes the deployed document and its sidecar, and drops
// the guid's registry entry.
func (m *Manager) Uninstall(guid string) error {
	p, err := m.db.GetPolicy(guid)
	if err != nil {
		return fmt.Errorf("policy: lookup %s: %w", guid, err)
	}
	if p == nil {
		return ErrNotFound
	}

	if err := m.fs.Remove(p.Path); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		m.log.Warn("policy document remove failed", zap.String("guid", guid), zap.Error(err))
	}
	dir, _, typeErr := m.dirFor(p.Type)
	if typeErr == nil {
		_ = m.fs.Remove(sidecarPath(dir, guid))
	}

	if err := m.db.DeletePolicy(guid); err != nil {
		return fmt.Errorf("policy: unregister %s: %w", guid, err)
	}
	m.log.Info("policy uninstalled", zap.String("guid", guid), zap.Int("type", int(p.Type)))
	return nil
}

// Inventory lists every registered policy, backing GET_POLICY_INVENTORY.
func (m *Manager) Inventory() ([]*store.PolicyFile, error) {
	return m.db.ListPolicies()
}

func sidecarPath(dir, guid string) string {
	return filepath.Join(dir, guid+".meta.yaml")
}

func (m *Manager) writeSidecar(dir, guid string, p *store.PolicyFile) error {
	s := sidecar{GUID: p.GUID, Type: p.Type, Version: p.Version, RegisteredAt: p.RegisteredAt}
	buf, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("policy: marshal sidecar: %w", err)
	}
	if err := afero.WriteFile(m.fs, sidecarPath(dir, guid), buf, 0600); err != nil {
		return fmt.Errorf("policy: write sidecar: %w", err)
	}
	return nil
}
