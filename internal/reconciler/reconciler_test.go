package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnctl/internal/configstore"
	"vpnctl/internal/domain"
	"vpnctl/internal/logger"
)

func init() {
	logger.Logger = zap.NewNop()
}

type fakeKeytool struct {
	dump      map[string]domain.PeerSample
	removed   []string
	setPeers  []string
	syncCalls int
}

func (f *fakeKeytool) GenerateKeypair(ctx context.Context) (string, string, error) {
	return "", "", nil
}

func (f *fakeKeytool) DerivePublicKey(ctx context.Context, privateKey string) (string, error) {
	return "", nil
}

func (f *fakeKeytool) Dump(ctx context.Context) (map[string]domain.PeerSample, error) {
	return f.dump, nil
}

func (f *fakeKeytool) SetPeer(ctx context.Context, publicKey, allowedIP string) error {
	f.setPeers = append(f.setPeers, publicKey)
	return nil
}

func (f *fakeKeytool) RemovePeer(ctx context.Context, publicKey string) error {
	f.removed = append(f.removed, publicKey)
	return nil
}

func (f *fakeKeytool) Sync(ctx context.Context, strippedConfigPath string) error {
	f.syncCalls++
	return nil
}

type fakeLister struct {
	peers []domain.Peer
}

func (f *fakeLister) ListPeers() ([]domain.Peer, error) {
	return f.peers, nil
}

func TestReconcile_PurgesZombiesNotInRegistry(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "wg0.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("[Interface]\nPrivateKey = server\n"), 0o600))

	kt := &fakeKeytool{
		dump: map[string]domain.PeerSample{
			"zombieKey": {},
			"aliceKey":  {},
		},
	}
	lister := &fakeLister{peers: []domain.Peer{
		{Handle: "alice", PublicKey: "aliceKey", Address: "10.50.0.3", Status: domain.PeerActive},
	}}

	r := &Reconciler{Keytool: kt, Store: configstore.New(confPath), Registry: lister}
	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Contains(t, result.ZombiesRemoved, "zombieKey")
	assert.NotContains(t, result.ZombiesRemoved, "aliceKey")
	assert.Contains(t, kt.removed, "zombieKey")
}

func TestReconcile_RewritesFileWithOnlyActivePeers(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "wg0.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(
		"[Interface]\nPrivateKey = server\n\n[Peer]\n# stale\nPublicKey = staleKey\nAllowedIPs = 10.50.0.9/32\n"), 0o600))

	kt := &fakeKeytool{dump: map[string]domain.PeerSample{}}
	lister := &fakeLister{peers: []domain.Peer{
		{Handle: "alice", PublicKey: "aliceKey", Address: "10.50.0.3", Status: domain.PeerActive},
		{Handle: "bob", PublicKey: "bobKey", Address: "10.50.0.4", Status: domain.PeerDisabled},
	}}

	r := &Reconciler{Keytool: kt, Store: configstore.New(confPath), Registry: lister}
	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, result.FileRewritten)

	keys, err := r.Store.ListPeerKeys()
	require.NoError(t, err)
	assert.Contains(t, keys, "aliceKey")
	assert.NotContains(t, keys, "bobKey")
	assert.NotContains(t, keys, "staleKey")
}

func TestReconcile_EnforcesKernelForEveryActivePeer(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "wg0.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("[Interface]\nPrivateKey = server\n"), 0o600))

	kt := &fakeKeytool{dump: map[string]domain.PeerSample{}}
	lister := &fakeLister{peers: []domain.Peer{
		{Handle: "alice", PublicKey: "aliceKey", Address: "10.50.0.3", Status: domain.PeerActive},
	}}

	r := &Reconciler{Keytool: kt, Store: configstore.New(confPath), Registry: lister}
	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.PeersEnforced)
	assert.Contains(t, kt.setPeers, "aliceKey")
}

func TestReconcile_SkipsRewriteWhenInterfaceBlockMissing(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "wg0.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("garbage, no interface block\n"), 0o600))

	kt := &fakeKeytool{dump: map[string]domain.PeerSample{}}
	lister := &fakeLister{peers: []domain.Peer{}}

	r := &Reconciler{Keytool: kt, Store: configstore.New(confPath), Registry: lister}
	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.False(t, result.FileRewritten)
	assert.NotEmpty(t, result.Warnings)
}
