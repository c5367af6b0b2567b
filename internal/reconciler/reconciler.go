// Package reconciler is the homeostatic sync: on startup and on
// administrator demand, it forces the kernel peer set and the on-disk
// tunnel file back into agreement with the registry's active-peer set. It
// is the sole component allowed to rewrite the [Interface] block's peer
// list wholesale, and it never touches registry state itself.
//
// Grounded on original_source/self_heal.py and cleanup_zombies.py's
// three-step shape (diff kernel against DB, rebuild the file, re-apply
// firewall/kernel state) reimplemented without self_heal.py's "geek"
// master-peer preservation special case, which the expanded specification
// explicitly drops as operator-specific and undocumented.
package reconciler

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"vpnctl/internal/configstore"
	"vpnctl/internal/domain"
	"vpnctl/internal/keytool"
	"vpnctl/internal/logger"
	"vpnctl/internal/registry"
)

// PeerLister is the subset of *registry.Registry the reconciler needs.
type PeerLister interface {
	ListPeers() ([]domain.Peer, error)
}

// Reconciler drives the three-pass convergence described in the homeostatic
// sync design: zombie purge, file rewrite, kernel enforce.
type Reconciler struct {
	Keytool  keytool.Tool
	Store    *configstore.Store
	Registry PeerLister
}

// New builds a Reconciler over the given collaborators.
func New(kt keytool.Tool, store *configstore.Store, reg *registry.Registry) *Reconciler {
	return &Reconciler{Keytool: kt, Store: store, Registry: reg}
}

// Result reports what each pass did, so callers (startup logging, the
// admin-triggered HTTP endpoint) can surface a meaningful summary.
type Result struct {
	ZombiesRemoved []string
	FileRewritten  bool
	PeersEnforced  int
	Warnings       []error
}

// Reconcile runs all three passes in order. Passes are independent: a
// failure in the file rewrite does not prevent the zombie purge or kernel
// enforce passes from running, since each pass is independently idempotent
// and skipping one should never leave the system in a worse state than
// before the call.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var result Result

	peers, err := r.Registry.ListPeers()
	if err != nil {
		return result, fmt.Errorf("reconciler: listing registry peers: %w", err)
	}
	active := make(map[string]domain.Peer, len(peers))
	for _, p := range peers {
		if p.Status == domain.PeerActive {
			active[p.PublicKey] = p
		}
	}

	if err := r.purgeZombies(ctx, active, &result); err != nil {
		result.Warnings = append(result.Warnings, err)
	}

	if err := r.rewriteFile(active, &result); err != nil {
		result.Warnings = append(result.Warnings, err)
		logger.Logger.Warn("reconciler: skipping file rewrite", zap.Error(err))
	}

	if err := r.enforceKernel(ctx, active, &result); err != nil {
		result.Warnings = append(result.Warnings, err)
	}

	return result, nil
}

// purgeZombies removes any kernel peer absent from the registry's active
// set: kernelKeys \ registryActiveKeys.
func (r *Reconciler) purgeZombies(ctx context.Context, active map[string]domain.Peer, result *Result) error {
	dump, err := r.Keytool.Dump(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: dumping kernel state: %w", err)
	}

	for publicKey := range dump {
		if _, ok := active[publicKey]; ok {
			continue
		}
		if err := r.Keytool.RemovePeer(ctx, publicKey); err != nil {
			logger.Logger.Error("reconciler: removing zombie peer", zap.String("publicKey", publicKey), zap.Error(err))
			continue
		}
		result.ZombiesRemoved = append(result.ZombiesRemoved, publicKey)
	}
	return nil
}

// rewriteFile rebuilds the [Peer] section list from the registry's active
// set, preserving the existing [Interface] block untouched. Skips the
// rewrite (returning an error for the caller to warn on) when the
// interface block cannot be located, per spec's corruption-avoidance rule.
func (r *Reconciler) rewriteFile(active map[string]domain.Peer, result *Result) error {
	sections := make([]configstore.Section, 0, len(active))
	for _, p := range active {
		sections = append(sections, configstore.BuildPeerSection(p.PublicKey, p.Address, p.Handle))
	}

	if err := r.Store.Rewrite(sections); err != nil {
		return fmt.Errorf("reconciler: rewriting config file: %w", err)
	}
	result.FileRewritten = true
	return nil
}

// enforceKernel replays every active peer directly against the kernel via
// `wg set`, then kernel-syncs the rewritten file so the running interface
// matches the file exactly.
func (r *Reconciler) enforceKernel(ctx context.Context, active map[string]domain.Peer, result *Result) error {
	for _, p := range active {
		if err := r.Keytool.SetPeer(ctx, p.PublicKey, p.Address); err != nil {
			logger.Logger.Error("reconciler: enforcing kernel peer", zap.String("handle", p.Handle), zap.Error(err))
			continue
		}
		result.PeersEnforced++
	}

	stripped, err := keytool.Strip(ctx, r.Store.Path, 0)
	if err != nil {
		return fmt.Errorf("reconciler: stripping config for sync: %w", err)
	}
	tmp, err := writeTempFile(stripped)
	if err != nil {
		return fmt.Errorf("reconciler: writing stripped temp file: %w", err)
	}
	defer removeTempFile(tmp)

	if err := r.Keytool.Sync(ctx, tmp); err != nil {
		return fmt.Errorf("reconciler: syncing kernel to file: %w", err)
	}
	return nil
}

func writeTempFile(content string) (string, error) {
	f, err := os.CreateTemp("", "vpnctl-reconcile-*.conf")
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
