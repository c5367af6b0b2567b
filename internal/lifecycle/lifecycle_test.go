package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnctl/internal/allocator"
	"vpnctl/internal/configstore"
	"vpnctl/internal/domain"
	"vpnctl/internal/registry"

	"os"
)

type fakeKeytool struct {
	nextPriv, nextPub string
	removed           []string
	synced            []string
}

func (f *fakeKeytool) GenerateKeypair(ctx context.Context) (string, string, error) {
	return f.nextPriv, f.nextPub, nil
}

func (f *fakeKeytool) DerivePublicKey(ctx context.Context, privateKey string) (string, error) {
	return f.nextPub, nil
}

func (f *fakeKeytool) Dump(ctx context.Context) (map[string]domain.PeerSample, error) {
	return nil, nil
}

func (f *fakeKeytool) SetPeer(ctx context.Context, publicKey, allowedIP string) error {
	return nil
}

func (f *fakeKeytool) RemovePeer(ctx context.Context, publicKey string) error {
	f.removed = append(f.removed, publicKey)
	return nil
}

func (f *fakeKeytool) Sync(ctx context.Context, strippedConfigPath string) error {
	f.synced = append(f.synced, strippedConfigPath)
	return nil
}

type fakeSealer struct{}

func (fakeSealer) Seal(plaintext string) (string, error) { return "sealed:" + plaintext, nil }
func (fakeSealer) Open(sealed string) (string, error) {
	return sealed[len("sealed:"):], nil
}

type fakeACL struct {
	applied []string
	removed []string
}

func (f *fakeACL) Apply(peerIP string, profile domain.ACLProfile) error {
	f.applied = append(f.applied, peerIP)
	return nil
}

func (f *fakeACL) Remove(peerIP string) error {
	f.removed = append(f.removed, peerIP)
	return nil
}

func setupManager(t *testing.T) (*Manager, *fakeKeytool, *fakeACL) {
	t.Helper()

	dir := t.TempDir()
	confPath := filepath.Join(dir, "wg0.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("[Interface]\nPrivateKey = server\nListenPort = 51820\n"), 0o600))

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)

	rng, err := allocator.NewRange("10.50.0.0/24", 2, 254)
	require.NoError(t, err)

	kt := &fakeKeytool{nextPriv: "priv1", nextPub: "pub1"}
	acl := &fakeACL{}

	m := &Manager{
		Keytool:         kt,
		Store:           configstore.New(confPath),
		Registry:        reg,
		Range:           rng,
		ACL:             acl,
		Sealer:          fakeSealer{},
		ServerPublicKey: "serverpub",
		ServerEndpoint:  "vpn.example.com:51820",
		ClientDNS:       "10.50.0.1",
		ClientMTU:       1420,
		Keepalive:       25,
	}
	return m, kt, acl
}

func TestCreate_ProvisionsAllThreePlanes(t *testing.T) {
	m, _, acl := setupManager(t)

	peer, config, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	require.NoError(t, err)
	assert.Equal(t, "alice", peer.Handle)
	assert.Equal(t, "pub1", peer.PublicKey)
	assert.Equal(t, "sealed:priv1", peer.EncryptedPrivateKey)
	assert.Contains(t, config, "PrivateKey = priv1")
	assert.Len(t, acl.applied, 1)

	exists, err := m.Store.PeerExists("pub1")
	require.NoError(t, err)
	assert.True(t, exists)

	stored, err := m.Registry.GetPeerByHandle("alice")
	require.NoError(t, err)
	assert.Equal(t, peer.Address, stored.Address)
}

func TestCreate_DuplicateHandleIsConflict(t *testing.T) {
	m, _, _ := setupManager(t)

	_, _, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	require.NoError(t, err)

	_, _, err = m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestCreate_RejectsInvalidProfile(t *testing.T) {
	m, _, _ := setupManager(t)

	_, _, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ACLProfile("bogus"))
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestDelete_RemovesFromAllPlanes(t *testing.T) {
	m, kt, acl := setupManager(t)

	_, _, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "alice"))

	assert.Contains(t, kt.removed, "pub1")
	assert.Len(t, acl.removed, 1)

	exists, err := m.Store.PeerExists("pub1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Registry.GetPeerByHandle("alice")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestToggle_DisableThenEnableRoundTrips(t *testing.T) {
	m, _, _ := setupManager(t)

	_, _, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	require.NoError(t, err)

	peer, err := m.Toggle(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerDisabled, peer.Status)

	exists, err := m.Store.PeerExists("pub1")
	require.NoError(t, err)
	assert.False(t, exists)

	peer, err = m.Toggle(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerActive, peer.Status)

	exists, err = m.Store.PeerExists("pub1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRotateKeys_SwapsKeyAndKeepsAddress(t *testing.T) {
	m, kt, _ := setupManager(t)

	peer, _, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	require.NoError(t, err)
	originalAddress := peer.Address

	kt.nextPriv, kt.nextPub = "priv2", "pub2"
	rotated, config, err := m.RotateKeys(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "pub2", rotated.PublicKey)
	assert.Equal(t, originalAddress, rotated.Address)
	assert.Contains(t, config, "PrivateKey = priv2")
	assert.Contains(t, kt.removed, "pub1")

	exists, err := m.Store.PeerExists("pub2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGetArtifact_ReusesStoredKey(t *testing.T) {
	m, _, _ := setupManager(t)

	_, _, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	require.NoError(t, err)

	_, config, err := m.GetArtifact(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, config, "PrivateKey = priv1")
}

func TestGetArtifact_NeverStorePrivateKeysAlwaysRotates(t *testing.T) {
	m, kt, _ := setupManager(t)
	m.NeverStorePrivateKeys = true

	_, _, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	require.NoError(t, err)

	kt.nextPriv, kt.nextPub = "priv2", "pub2"
	peer, config, err := m.GetArtifact(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "", peer.EncryptedPrivateKey)
	assert.Contains(t, config, "PrivateKey = priv2")
}

func TestSyncAll_AddsMissingActivePeerBackToFile(t *testing.T) {
	m, _, _ := setupManager(t)

	peer, _, err := m.Create(context.Background(), "alice", domain.PlatformLinux, domain.ProfileFull)
	require.NoError(t, err)

	// Simulate the file losing the peer without the registry knowing.
	require.NoError(t, m.Store.RemovePeer(peer.PublicKey, func(string) error { return nil }))

	errs := m.SyncAll(context.Background())
	assert.Empty(t, errs)

	exists, err := m.Store.PeerExists(peer.PublicKey)
	require.NoError(t, err)
	assert.True(t, exists)
}
