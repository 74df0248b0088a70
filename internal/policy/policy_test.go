package policy

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/store"
)

type fakeDB struct {
	mu       sync.Mutex
	policies map[string]*store.PolicyFile
}

func newFakeDB() *fakeDB {
	return &fakeDB{policies: make(map[string]*store.PolicyFile)}
}

func (f *fakeDB) UpsertPolicy(p *store.PolicyFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.policies[p.GUID] = &cp
	return nil
}

func (f *fakeDB) GetPolicy(guid string) (*store.PolicyFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policies[guid], nil
}

func (f *fakeDB) DeletePolicy(guid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.policies, guid)
	return nil
}

func (f *fakeDB) ListPolicies() ([]*store.PolicyFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.PolicyFile, 0, len(f.policies))
	for _, p := range f.policies {
		out = append(out, p)
	}
	return out, nil
}

func TestDeployWritesDocumentAndSidecarAndRegisters(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := newFakeDB()
	m := New(fs, "/etc/agentd/policy/config", "/etc/agentd/policy/useragent", db, nil)

	guid := uuid.New().String()
	p, err := m.Deploy(guid, store.PolicyTypeConfigInclude, 3, []byte("key = value\n"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/agentd/policy/config/"+guid+".conf", p.Path)

	exists, err := afero.Exists(fs, p.Path)
	require.NoError(t, err)
	assert.True(t, exists)

	sidecarExists, err := afero.Exists(fs, "/etc/agentd/policy/config/"+guid+".meta.yaml")
	require.NoError(t, err)
	assert.True(t, sidecarExists)

	stored, err := db.GetPolicy(guid)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Version)
	assert.Equal(t, store.PolicyTypeConfigInclude, stored.Type)
}

func TestDeployUserAgentPolicyUsesSeparateDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := newFakeDB()
	m := New(fs, "/etc/agentd/policy/config", "/etc/agentd/policy/useragent", db, nil)

	guid := uuid.New().String()
	p, err := m.Deploy(guid, store.PolicyTypeUserAgent, 1, []byte("binary-ish content"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/agentd/policy/useragent/"+guid+".uap", p.Path)
}

func TestDeployRejectsInvalidGUID(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := newFakeDB()
	m := New(fs, "/etc/agentd/policy/config", "/etc/agentd/policy/useragent", db, nil)

	_, err := m.Deploy("not-a-guid", store.PolicyTypeConfigInclude, 1, []byte("x"))
	assert.Error(t, err)
}

func TestDeployRejectsUnknownType(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := newFakeDB()
	m := New(fs, "/etc/agentd/policy/config", "/etc/agentd/policy/useragent", db, nil)

	_, err := m.Deploy(uuid.New().String(), store.PolicyType(99), 1, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestUninstallRemovesDocumentSidecarAndRegistration(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := newFakeDB()
	m := New(fs, "/etc/agentd/policy/config", "/etc/agentd/policy/useragent", db, nil)

	guid := uuid.New().String()
	p, err := m.Deploy(guid, store.PolicyTypeConfigInclude, 1, []byte("content"))
	require.NoError(t, err)

	require.NoError(t, m.Uninstall(guid))

	exists, err := afero.Exists(fs, p.Path)
	require.NoError(t, err)
	assert.False(t, exists)

	sidecarExists, err := afero.Exists(fs, "/etc/agentd/policy/config/"+guid+".meta.yaml")
	require.NoError(t, err)
	assert.False(t, sidecarExists)

	stored, err := db.GetPolicy(guid)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestUninstallUnknownGUIDReturnsErrNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := newFakeDB()
	m := New(fs, "/etc/agentd/policy/config", "/etc/agentd/policy/useragent", db, nil)

	err := m.Uninstall(uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInventoryListsAllDeployedPolicies(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := newFakeDB()
	m := New(fs, "/etc/agentd/policy/config", "/etc/agentd/policy/useragent", db, nil)

	g1 := uuid.New().String()
	g2 := uuid.New().String()
	_, err := m.Deploy(g1, store.PolicyTypeConfigInclude, 1, []byte("a"))
	require.NoError(t, err)
	_, err = m.Deploy(g2, store.PolicyTypeUserAgent, 2, []byte("b"))
	require.NoError(t, err)

	list, err := m.Inventory()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
