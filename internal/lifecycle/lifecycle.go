// Package lifecycle is the Peer Lifecycle Manager: the single place that
// orchestrates the allocator, key tool, config store, registry and ACL
// enforcer into the durable-registry / file / kernel tri-consistency the
// rest of the control plane depends on. No other package is allowed to
// mutate more than one of those planes in a single call.
//
// Grounded on original_source/app/users.py's create/delete/toggle/
// get_user_config/sync_user_to_config handlers (the add-to-config-before-
// database-insert ordering, the idempotent-remove-then-rebuild toggle
// logic) reimplemented against vpnctl's durable registry instead of
// users.py's direct SQL calls, following the teacher's
// internal/service/config.go method-per-operation shape and
// errors.Is-based error classification.
package lifecycle

import (
	"context"
	"fmt"
	"os"

	"vpnctl/internal/allocator"
	"vpnctl/internal/artifact"
	"vpnctl/internal/configstore"
	"vpnctl/internal/domain"
	"vpnctl/internal/keytool"
	"vpnctl/internal/logger"
	"vpnctl/internal/registry"

	"go.uber.org/zap"
)

// Manager wires the planes together behind the public contract spec §4.4
// names: create, delete, toggle, rotateKeys, getArtifact, syncOne, syncAll.
type Manager struct {
	Keytool  keytool.Tool
	Store    *configstore.Store
	Registry *registry.Registry
	Range    *allocator.Range
	ACL      ACLEnforcer
	Sealer   Sealer

	ServerPublicKey string
	ServerEndpoint  string
	ClientDNS       string
	ClientMTU       int
	Keepalive       int

	// NeverStorePrivateKeys mirrors config.Config.NeverStorePrivateKeys:
	// when true, getArtifact always rotates instead of re-displaying.
	NeverStorePrivateKeys bool
}

// Sealer seals and opens a peer's private key for at-rest storage. Satisfied
// by *cryptutil.Sealer; an interface here keeps lifecycle decoupled from
// the concrete encryption scheme.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// ACLEnforcer applies and removes per-peer packet-filter rules. Satisfied
// by *acl.Enforcer; an interface here lets tests swap in a fake instead of
// needing a real iptables binary.
type ACLEnforcer interface {
	Apply(peerIP string, profile domain.ACLProfile) error
	Remove(peerIP string) error
}

// reload builds the configstore.Reload hook for a given context, binding
// keytool.Strip + Sync so configstore never needs to know about the key
// tool directly.
func (m *Manager) reload(ctx context.Context) configstore.Reload {
	return func(configPath string) error {
		stripped, err := keytool.Strip(ctx, configPath, 0)
		if err != nil {
			return err
		}
		tmp, err := writeTempFile(stripped)
		if err != nil {
			return err
		}
		defer removeTempFile(tmp)
		return m.Keytool.Sync(ctx, tmp)
	}
}

// Create provisions a brand-new peer: keypair, address, file+kernel
// membership, the durable registry row, then ACL. Any failure before the
// registry insert rolls the kernel/file mutation back.
func (m *Manager) Create(ctx context.Context, handle string, platform domain.Platform, profile domain.ACLProfile) (*domain.Peer, string, error) {
	if _, err := m.Registry.GetPeerByHandle(handle); err == nil {
		return nil, "", fmt.Errorf("lifecycle: handle %q: %w", handle, domain.ErrConflict)
	}
	if !domain.ValidPlatform(string(platform)) {
		return nil, "", fmt.Errorf("lifecycle: platform %q: %w", platform, domain.ErrValidation)
	}
	if !domain.ValidACLProfile(string(profile)) {
		return nil, "", fmt.Errorf("lifecycle: acl profile %q: %w", profile, domain.ErrValidation)
	}

	privateKey, publicKey, err := m.Keytool.GenerateKeypair(ctx)
	if err != nil {
		return nil, "", err
	}

	used, err := m.Registry.UsedAddresses()
	if err != nil {
		return nil, "", err
	}
	address, err := m.Range.Allocate(used)
	if err != nil {
		return nil, "", fmt.Errorf("lifecycle: %w", domain.ErrExhaustion)
	}

	section := configstore.BuildPeerSection(publicKey, address, handle)
	if err := m.Store.AddPeer(section, m.reload(ctx)); err != nil {
		return nil, "", err
	}

	peer := &domain.Peer{
		Handle:     handle,
		PublicKey:  publicKey,
		Address:    address,
		Platform:   platform,
		Status:     domain.PeerActive,
		ACLProfile: profile,
	}
	if !m.NeverStorePrivateKeys {
		sealed, err := m.Sealer.Seal(privateKey)
		if err != nil {
			m.Keytool.RemovePeer(ctx, publicKey)
			m.Store.RemovePeer(publicKey, m.reload(ctx))
			return nil, "", fmt.Errorf("lifecycle: sealing private key: %w", err)
		}
		peer.EncryptedPrivateKey = sealed
	}

	if err := m.Registry.CreatePeer(peer); err != nil {
		// Best-effort rollback: registry insert failed after the file/kernel
		// mutation, so unwind both per spec §4.10's failure table.
		if rbErr := m.Store.RemovePeer(publicKey, m.reload(ctx)); rbErr != nil {
			logger.Logger.Error("lifecycle: rollback after failed registry insert", zap.Error(rbErr))
		}
		return nil, "", err
	}

	if err := m.ACL.Apply(address, profile); err != nil {
		logger.Logger.Error("lifecycle: applying ACL profile on create", zap.String("handle", handle), zap.Error(err))
	}

	config := artifact.Render(artifact.Params{
		Platform:            platform,
		PrivateKey:          privateKey,
		Address:             address,
		ServerPublicKey:     m.ServerPublicKey,
		ServerEndpoint:      m.ServerEndpoint,
		DNS:                 m.ClientDNS,
		MTU:                 m.ClientMTU,
		PersistentKeepalive: m.Keepalive,
	})
	return peer, config, nil
}

// Delete removes a peer from the kernel, the config file, its ACL rules,
// and the registry. Idempotent at the kernel/file layer.
func (m *Manager) Delete(ctx context.Context, handle string) error {
	peer, err := m.Registry.GetPeerByHandle(handle)
	if err != nil {
		return err
	}

	if err := m.Keytool.RemovePeer(ctx, peer.PublicKey); err != nil {
		return err
	}
	if err := m.Store.RemovePeer(peer.PublicKey, m.reload(ctx)); err != nil {
		return err
	}
	if err := m.ACL.Remove(peer.Address); err != nil {
		logger.Logger.Error("lifecycle: removing ACL rules on delete", zap.String("handle", handle), zap.Error(err))
	}
	return m.Registry.DeletePeer(peer.ID)
}

// Toggle flips a peer between active and disabled, adding or removing its
// file/kernel/ACL membership to match.
func (m *Manager) Toggle(ctx context.Context, handle string) (*domain.Peer, error) {
	peer, err := m.Registry.GetPeerByHandle(handle)
	if err != nil {
		return nil, err
	}

	if peer.Status == domain.PeerActive {
		if err := m.Keytool.RemovePeer(ctx, peer.PublicKey); err != nil {
			return nil, err
		}
		if err := m.Store.RemovePeer(peer.PublicKey, m.reload(ctx)); err != nil {
			return nil, err
		}
		if err := m.ACL.Remove(peer.Address); err != nil {
			logger.Logger.Error("lifecycle: removing ACL rules on disable", zap.String("handle", handle), zap.Error(err))
		}
		peer.Status = domain.PeerDisabled
	} else {
		section := configstore.BuildPeerSection(peer.PublicKey, peer.Address, peer.Handle)
		if err := m.Store.AddPeer(section, m.reload(ctx)); err != nil {
			return nil, err
		}
		if err := m.ACL.Apply(peer.Address, peer.ACLProfile); err != nil {
			logger.Logger.Error("lifecycle: reapplying ACL rules on enable", zap.String("handle", handle), zap.Error(err))
		}
		peer.Status = domain.PeerActive
	}

	if err := m.Registry.UpdatePeer(peer); err != nil {
		return nil, err
	}
	return peer, nil
}

// RotateKeys generates a fresh keypair, swaps it into the file and kernel
// under the peer's existing address, and overwrites the stored keys.
func (m *Manager) RotateKeys(ctx context.Context, handle string) (*domain.Peer, string, error) {
	peer, err := m.Registry.GetPeerByHandle(handle)
	if err != nil {
		return nil, "", err
	}

	privateKey, publicKey, err := m.Keytool.GenerateKeypair(ctx)
	if err != nil {
		return nil, "", err
	}

	oldKey := peer.PublicKey
	if err := m.Keytool.RemovePeer(ctx, oldKey); err != nil {
		return nil, "", err
	}
	if err := m.Store.RemovePeer(oldKey, m.reload(ctx)); err != nil {
		return nil, "", err
	}

	section := configstore.BuildPeerSection(publicKey, peer.Address, peer.Handle)
	if err := m.Store.AddPeer(section, m.reload(ctx)); err != nil {
		return nil, "", err
	}

	peer.PublicKey = publicKey
	if !m.NeverStorePrivateKeys {
		sealed, err := m.Sealer.Seal(privateKey)
		if err != nil {
			return nil, "", fmt.Errorf("lifecycle: sealing rotated private key: %w", err)
		}
		peer.EncryptedPrivateKey = sealed
	} else {
		peer.EncryptedPrivateKey = ""
	}
	if err := m.Registry.UpdatePeer(peer); err != nil {
		return nil, "", err
	}

	config := artifact.Render(artifact.Params{
		Platform:            peer.Platform,
		PrivateKey:          privateKey,
		Address:             peer.Address,
		ServerPublicKey:     m.ServerPublicKey,
		ServerEndpoint:      m.ServerEndpoint,
		DNS:                 m.ClientDNS,
		MTU:                 m.ClientMTU,
		PersistentKeepalive: m.Keepalive,
	})
	return peer, config, nil
}

// GetArtifact returns a freshly rendered client config for handle. If a
// private key is stored, it's decrypted and reused; otherwise (legacy
// peer, or NeverStorePrivateKeys mode) keys are rotated implicitly so the
// operation still succeeds exactly once.
func (m *Manager) GetArtifact(ctx context.Context, handle string) (*domain.Peer, string, error) {
	peer, err := m.Registry.GetPeerByHandle(handle)
	if err != nil {
		return nil, "", err
	}

	if m.NeverStorePrivateKeys || peer.EncryptedPrivateKey == "" {
		return m.RotateKeys(ctx, handle)
	}

	privateKey, err := m.Sealer.Open(peer.EncryptedPrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("lifecycle: opening stored private key: %w", err)
	}

	config := artifact.Render(artifact.Params{
		Platform:            peer.Platform,
		PrivateKey:          privateKey,
		Address:             peer.Address,
		ServerPublicKey:     m.ServerPublicKey,
		ServerEndpoint:      m.ServerEndpoint,
		DNS:                 m.ClientDNS,
		MTU:                 m.ClientMTU,
		PersistentKeepalive: m.Keepalive,
	})
	return peer, config, nil
}

// SyncOne ensures handle's file+kernel membership matches its registry
// status: present if active, absent otherwise. Idempotent.
func (m *Manager) SyncOne(ctx context.Context, handle string) error {
	peer, err := m.Registry.GetPeerByHandle(handle)
	if err != nil {
		return err
	}
	return m.syncPeer(ctx, peer)
}

func (m *Manager) syncPeer(ctx context.Context, peer *domain.Peer) error {
	if peer.Status != domain.PeerActive {
		if err := m.Keytool.RemovePeer(ctx, peer.PublicKey); err != nil {
			return err
		}
		return m.Store.RemovePeer(peer.PublicKey, m.reload(ctx))
	}
	exists, err := m.Store.PeerExists(peer.PublicKey)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	section := configstore.BuildPeerSection(peer.PublicKey, peer.Address, peer.Handle)
	return m.Store.AddPeer(section, m.reload(ctx))
}

// SyncAll runs SyncOne for every registry peer, continuing past individual
// failures and returning their accumulated errors.
func (m *Manager) SyncAll(ctx context.Context) []error {
	peers, err := m.Registry.ListPeers()
	if err != nil {
		return []error{err}
	}
	var errs []error
	for i := range peers {
		if err := m.syncPeer(ctx, &peers[i]); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: syncing %s: %w", peers[i].Handle, err))
		}
	}
	return errs
}

func writeTempFile(content string) (string, error) {
	f, err := os.CreateTemp("", "vpnctl-stripped-*.conf")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	name := f.Name()
	return name, f.Close()
}

func removeTempFile(path string) {
	_ = os.Remove(path)
}
