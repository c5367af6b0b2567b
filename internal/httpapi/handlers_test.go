package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnctl/internal/adminauth"
	"vpnctl/internal/allocator"
	"vpnctl/internal/configstore"
	"vpnctl/internal/domain"
	"vpnctl/internal/lifecycle"
	"vpnctl/internal/logger"
	"vpnctl/internal/reconciler"
	"vpnctl/internal/registry"
	"vpnctl/internal/telemetry"

	"os"
)

func init() {
	gin.SetMode(gin.TestMode)
	logger.Logger = zap.NewNop()
}

type fakeKeytool struct{ nextPriv, nextPub string }

func (f *fakeKeytool) GenerateKeypair(ctx context.Context) (string, string, error) {
	return f.nextPriv, f.nextPub, nil
}
func (f *fakeKeytool) DerivePublicKey(ctx context.Context, privateKey string) (string, error) {
	return f.nextPub, nil
}
func (f *fakeKeytool) Dump(ctx context.Context) (map[string]domain.PeerSample, error) {
	return map[string]domain.PeerSample{}, nil
}
func (f *fakeKeytool) SetPeer(ctx context.Context, publicKey, allowedIP string) error { return nil }
func (f *fakeKeytool) RemovePeer(ctx context.Context, publicKey string) error         { return nil }
func (f *fakeKeytool) Sync(ctx context.Context, strippedConfigPath string) error      { return nil }

type fakeSealer struct{}

func (fakeSealer) Seal(plaintext string) (string, error) { return "sealed:" + plaintext, nil }
func (fakeSealer) Open(sealed string) (string, error)    { return sealed[len("sealed:"):], nil }

type fakeACL struct{}

func (fakeACL) Apply(peerIP string, profile domain.ACLProfile) error { return nil }
func (fakeACL) Remove(peerIP string) error                           { return nil }

func setupRouter(t *testing.T) (*gin.Engine, *adminauth.Issuer, *registry.Registry) {
	t.Helper()

	dir := t.TempDir()
	confPath := filepath.Join(dir, "wg0.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("[Interface]\nPrivateKey = server\nListenPort = 51820\n"), 0o600))

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)

	rng, err := allocator.NewRange("10.50.0.0/24", 2, 254)
	require.NoError(t, err)

	kt := &fakeKeytool{nextPriv: "priv1", nextPub: "pub1"}
	mgr := &lifecycle.Manager{
		Keytool:         kt,
		Store:           configstore.New(confPath),
		Registry:        reg,
		Range:           rng,
		ACL:             fakeACL{},
		Sealer:          fakeSealer{},
		ServerPublicKey: "serverpub",
		ServerEndpoint:  "vpn.example.com:51820",
		ClientDNS:       "10.50.0.1",
		ClientMTU:       1420,
		Keepalive:       25,
	}
	recon := reconciler.New(kt, mgr.Store, reg)

	issuer := adminauth.NewIssuer("test-secret")
	handlers := &Handlers{Lifecycle: mgr, Reconciler: recon, Sessions: reg}
	router := NewRouter(handlers, reg, issuer, telemetry.NewFanout())
	return router, issuer, reg
}

func newBody(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

func TestHealthz_IsUnauthenticated(t *testing.T) {
	router, _, _ := setupRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIUsers_RejectsMissingAuth(t *testing.T) {
	router, _, _ := setupRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateThenListThenDeletePeer(t *testing.T) {
	router, issuer, _ := setupRouter(t)
	tok, err := issuer.Issue("admin")
	require.NoError(t, err)

	createBody := []byte(`{"handle":"alice","platform":"linux","acl_profile":"full"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/users", newBody(createBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created peerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.Peer.Handle)
	assert.Contains(t, created.Config, "PrivateKey = priv1")

	listReq := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	listReq.Header.Set("Authorization", "Bearer "+tok)
	listW := httptest.NewRecorder()
	router.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)
	var peers []domain.Peer
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &peers))
	require.Len(t, peers, 1)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/users/alice", nil)
	delReq.Header.Set("Authorization", "Bearer "+tok)
	delW := httptest.NewRecorder()
	router.ServeHTTP(delW, delReq)
	assert.Equal(t, http.StatusNoContent, delW.Code)
}

func TestCreatePeer_DuplicateHandleReturnsConflict(t *testing.T) {
	router, issuer, _ := setupRouter(t)
	tok, err := issuer.Issue("admin")
	require.NoError(t, err)

	body := []byte(`{"handle":"bob","platform":"linux","acl_profile":"full"}`)
	for i, expect := range []int{http.StatusCreated, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/api/users", newBody(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, expect, w.Code, "attempt %d", i)
	}
}

func TestListPeers_EnrichesWithLiveTelemetrySnapshot(t *testing.T) {
	router, issuer, reg := setupRouter(t)
	tok, err := issuer.Issue("admin")
	require.NoError(t, err)

	createBody := []byte(`{"handle":"carol","platform":"linux","acl_profile":"full"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/users", newBody(createBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var created peerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	fanout := telemetry.NewFanout()
	fanout.Broadcast(domain.NewTelemetryFrame(map[string]domain.PeerSample{
		created.Peer.PublicKey: {Connected: true, TransferRx: 1000, TransferTx: 500, LatestHandshake: 1700000000},
	}))
	router2 := NewRouter(&Handlers{
		Lifecycle:  &lifecycle.Manager{Registry: reg},
		Reconciler: reconciler.New(&fakeKeytool{}, configstore.New(""), reg),
		Sessions:   reg,
	}, reg, issuer, fanout)

	listReq := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	listReq.Header.Set("Authorization", "Bearer "+tok)
	listW := httptest.NewRecorder()
	router2.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var entries []peerListEntry
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Connected)
	assert.Equal(t, uint64(1000), entries[0].LiveRx)
	assert.Equal(t, uint64(500), entries[0].LiveTx)
}

func TestGetPeerArtifact_NotFoundReturns404(t *testing.T) {
	router, issuer, _ := setupRouter(t)
	tok, err := issuer.Issue("admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/users/ghost/config", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncAll_ReturnsReconcilerResult(t *testing.T) {
	router, issuer, _ := setupRouter(t)
	tok, err := issuer.Issue("admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/users/sync_all", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
