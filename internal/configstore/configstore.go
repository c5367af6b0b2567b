// Package configstore owns the on-disk WireGuard tunnel configuration file:
// reading it, rendering it back from an in-memory peer set, and writing it
// atomically under an exclusive advisory lock with a rollback-capable
// backup. It never shells out to `wg` itself (that's internal/keytool) and
// never decides which peers should exist (that's internal/lifecycle).
//
// Grounded on original_source/app/wg.py (parse_config/build_config/
// add_peer_to_config/remove_peer_from_config: regex section split, flock,
// tempfile+rename, .conf.bak rollback) translated into the teacher's Go
// idiom (sentinel errors, exec.CommandContext patterns from
// internal/repository/wg.go).
package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"

	"vpnctl/internal/domain"
)

// Section is one [Interface] or [Peer] block, kept as raw text plus the
// public key extracted from a [Peer] block (empty for [Interface]).
type Section struct {
	Kind      string // "Interface" or "Peer"
	PublicKey string
	Raw       string
}

var peerPublicKeyRE = regexp.MustCompile(`(?m)^PublicKey\s*=\s*(\S+)`)

// Store manages a single tunnel configuration file on disk.
type Store struct {
	Path string
}

// New returns a Store rooted at path (typically /etc/wireguard/wg0.conf).
func New(path string) *Store {
	return &Store{Path: path}
}

// Read loads the raw file content, returning domain.ErrConfigMissing if
// absent.
func (s *Store) Read() (string, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("configstore: %s: %w", s.Path, domain.ErrConfigMissing)
		}
		return "", fmt.Errorf("configstore: reading %s: %w", s.Path, err)
	}
	return string(b), nil
}

// Parse splits file content into an [Interface] section followed by zero or
// more [Peer] sections, matching original_source's section-boundary regex
// approach (split before every bracketed header).
func Parse(content string) (interfaceSection Section, peers []Section, err error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Section{}, nil, fmt.Errorf("configstore: empty config: %w", domain.ErrConfigCorrupt)
	}

	raw := strings.Split(trimmed, "\n")
	var chunks []string
	var current strings.Builder
	for _, line := range raw {
		t := strings.TrimSpace(line)
		if t == "[Interface]" || t == "[Peer]" {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	foundInterface := false
	for _, chunk := range chunks {
		t := strings.TrimSpace(chunk)
		if t == "" {
			continue
		}
		switch {
		case strings.HasPrefix(t, "[Interface]"):
			interfaceSection = Section{Kind: "Interface", Raw: strings.TrimRight(chunk, "\n")}
			foundInterface = true
		case strings.HasPrefix(t, "[Peer]"):
			pk := ""
			if m := peerPublicKeyRE.FindStringSubmatch(chunk); m != nil {
				pk = m[1]
			}
			peers = append(peers, Section{Kind: "Peer", PublicKey: pk, Raw: strings.TrimRight(chunk, "\n")})
		}
	}
	if !foundInterface {
		return Section{}, nil, fmt.Errorf("configstore: no [Interface] section: %w", domain.ErrConfigCorrupt)
	}
	return interfaceSection, peers, nil
}

// Render rebuilds file content from an interface section and an ordered
// list of peer sections, each block separated by a blank line.
func Render(interfaceSection Section, peers []Section) string {
	var parts []string
	parts = append(parts, strings.TrimSpace(interfaceSection.Raw))
	for _, p := range peers {
		parts = append(parts, strings.TrimSpace(p.Raw))
	}
	return strings.Join(parts, "\n\n") + "\n"
}

// PeerExists reports whether publicKey already appears in the file on disk.
func (s *Store) PeerExists(publicKey string) (bool, error) {
	content, err := s.Read()
	if err != nil {
		return false, err
	}
	return strings.Contains(content, publicKey), nil
}

// BuildPeerSection renders a single [Peer] block for the given public key
// and allowed-ips host address, with an optional comment line (the peer's
// handle) for operator readability — the dump command has no notion of a
// handle, so the config file is the only place it's recorded.
func BuildPeerSection(publicKey, allowedIP, comment string) Section {
	var b strings.Builder
	b.WriteString("[Peer]\n")
	if comment != "" {
		fmt.Fprintf(&b, "# %s\n", comment)
	}
	fmt.Fprintf(&b, "PublicKey = %s\n", publicKey)
	fmt.Fprintf(&b, "AllowedIPs = %s/32\n", allowedIP)
	return Section{Kind: "Peer", PublicKey: publicKey, Raw: b.String()}
}

// withExclusiveLock opens the config file and holds an exclusive advisory
// lock (flock) for the duration of fn, matching original_source's
// fcntl.flock usage around every mutating operation.
func (s *Store) withExclusiveLock(fn func() error) error {
	f, err := os.OpenFile(s.Path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("configstore: %s: %w", s.Path, domain.ErrConfigMissing)
		}
		return fmt.Errorf("configstore: opening %s: %w", s.Path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("configstore: locking %s: %w", s.Path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// writeAtomic writes content to a temp file in the same directory as Path
// and renames it into place, so readers never observe a partial write.
func (s *Store) writeAtomic(content string) error {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".wg0.*.tmp")
	if err != nil {
		return fmt.Errorf("configstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: renaming into place: %w", err)
	}
	return nil
}

// backupPath is the fixed ".conf.bak" sibling used for rollback, matching
// original_source's WG_CONFIG_PATH.with_suffix('.conf.bak').
func (s *Store) backupPath() string {
	ext := filepath.Ext(s.Path)
	return strings.TrimSuffix(s.Path, ext) + ".conf.bak"
}

func (s *Store) backup() error {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("configstore: reading %s for backup: %w", s.Path, err)
	}
	return os.WriteFile(s.backupPath(), content, 0o600)
}

func (s *Store) restoreBackup() error {
	content, err := os.ReadFile(s.backupPath())
	if err != nil {
		return fmt.Errorf("configstore: reading backup %s: %w", s.backupPath(), err)
	}
	return s.writeAtomic(string(content))
}

// Reload is the hook the caller provides to apply the new file to the
// running kernel interface (internal/keytool.Strip + Sync). AddPeer and
// RemovePeer roll the file back to its pre-mutation backup and re-invoke
// reload if this returns an error, per spec's rollback-on-reload-failure
// invariant.
type Reload func(configPath string) error

// AddPeer appends a [Peer] block under an exclusive lock, writes atomically,
// then reloads the kernel. On reload failure the file is rolled back and
// reloaded again so the kernel and file never diverge.
func (s *Store) AddPeer(section Section, reload Reload) error {
	return s.withExclusiveLock(func() error {
		content, err := s.Read()
		if err != nil {
			return err
		}
		if strings.Contains(content, section.PublicKey) {
			return fmt.Errorf("configstore: public key already present: %w", domain.ErrConflict)
		}

		iface, peers, err := Parse(content)
		if err != nil {
			return err
		}
		if err := s.backup(); err != nil {
			return err
		}

		peers = append(peers, section)
		if err := s.writeAtomic(Render(iface, peers)); err != nil {
			return err
		}

		if err := reload(s.Path); err != nil {
			if rbErr := s.restoreBackup(); rbErr == nil {
				reload(s.Path)
			}
			return fmt.Errorf("configstore: %w: %v", domain.ErrReloadFailed, err)
		}
		return nil
	})
}

// RemovePeer deletes a [Peer] block by public key. Idempotent: absence of
// the key is treated as success, matching original_source's behavior.
func (s *Store) RemovePeer(publicKey string, reload Reload) error {
	return s.withExclusiveLock(func() error {
		content, err := s.Read()
		if err != nil {
			return err
		}
		if !strings.Contains(content, publicKey) {
			return nil
		}

		iface, peers, err := Parse(content)
		if err != nil {
			return err
		}

		kept := peers[:0]
		removed := false
		for _, p := range peers {
			if p.PublicKey == publicKey {
				removed = true
				continue
			}
			kept = append(kept, p)
		}
		if !removed {
			return nil
		}

		if err := s.backup(); err != nil {
			return err
		}
		if err := s.writeAtomic(Render(iface, kept)); err != nil {
			return err
		}

		if err := reload(s.Path); err != nil {
			if rbErr := s.restoreBackup(); rbErr == nil {
				reload(s.Path)
			}
			return fmt.Errorf("configstore: %w: %v", domain.ErrReloadFailed, err)
		}
		return nil
	})
}

// Rewrite replaces every [Peer] block with peers, keeping the existing
// [Interface] block untouched, and writes atomically under lock without
// invoking a reload — the reconciler is the sole caller, and it always
// kernel-syncs separately once the whole file is settled. Returns
// domain.ErrConfigCorrupt if the interface block cannot be located, so the
// caller can skip the rewrite rather than risk corrupting the file.
func (s *Store) Rewrite(peers []Section) error {
	return s.withExclusiveLock(func() error {
		content, err := s.Read()
		if err != nil {
			return err
		}
		iface, _, err := Parse(content)
		if err != nil {
			return err
		}
		if err := s.backup(); err != nil {
			return err
		}
		return s.writeAtomic(Render(iface, peers))
	})
}

// ListPeerKeys returns the public keys of every [Peer] block currently on
// disk, used by the reconciler to diff file state against the registry.
func (s *Store) ListPeerKeys() ([]string, error) {
	content, err := s.Read()
	if err != nil {
		return nil, err
	}
	_, peers, err := Parse(content)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.PublicKey != "" {
			keys = append(keys, p.PublicKey)
		}
	}
	return keys, nil
}
