// Package keytool is a thin wrapper over the host WireGuard command-line
// utilities: key generation, the live interface dump, and kernel-level
// peer add/remove. It never touches the on-disk configuration file (that's
// internal/configstore) and never decides policy (that's internal/lifecycle
// and internal/reconciler) — it only runs subprocesses and parses output.
//
// Grounded on the teacher's internal/repository/wg.go (dump parsing, exec
// timeout pattern) and original_source/app/wg.py's generate_keypair,
// get_connected_peers and reload_wireguard.
package keytool

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"vpnctl/internal/domain"
	"vpnctl/internal/logger"
)

// ErrTimeout is returned when a subprocess does not complete within its
// bounded timeout.
var ErrTimeout = errors.New("key tool command timed out")

// Error wraps a non-zero exit from a key tool subprocess, per spec's typed
// KeyToolError. Callers compare with errors.Is(err, domain.ErrKeyTool).
type Error struct {
	Op     string
	Err    error
	Output string
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("keytool: %s: %v (output: %s)", e.Op, e.Err, strings.TrimSpace(e.Output))
	}
	return fmt.Sprintf("keytool: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return errors.Join(e.Err, domain.ErrKeyTool) }

func wrap(op string, err error, output []byte) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err, Output: string(output)}
}

const (
	defaultCmdTimeout = 10 * time.Second
)

// Tool is the public contract spec §4.2 names: generate, derive, dump,
// sync, remove. A concrete *WG implements it against the real `wg`/
// `wg-quick` binaries; tests substitute a fake.
type Tool interface {
	GenerateKeypair(ctx context.Context) (privateKey, publicKey string, err error)
	DerivePublicKey(ctx context.Context, privateKey string) (string, error)
	Dump(ctx context.Context) (map[string]domain.PeerSample, error)
	SetPeer(ctx context.Context, publicKey, allowedIP string) error
	RemovePeer(ctx context.Context, publicKey string) error
	Sync(ctx context.Context, strippedConfigPath string) error
}

// WG drives the real `wg` and `wg-quick` binaries against a single
// interface.
type WG struct {
	Interface  string
	CmdTimeout time.Duration
}

// New returns a WG adapter for the given interface name (e.g. "wg0"),
// using the default 10s subprocess timeout per spec §5 if timeout <= 0.
func New(iface string, timeout time.Duration) *WG {
	if timeout <= 0 {
		timeout = defaultCmdTimeout
	}
	return &WG{Interface: iface, CmdTimeout: timeout}
}

func (w *WG) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, w.CmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	out, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return out, ErrTimeout
	}
	return out, err
}

// GenerateKeypair runs `wg genkey` then pipes its output into `wg pubkey`.
// The private key is returned to the caller and never logged.
func (w *WG) GenerateKeypair(ctx context.Context) (string, string, error) {
	cctx, cancel := context.WithTimeout(ctx, w.CmdTimeout)
	defer cancel()

	genCmd := exec.CommandContext(cctx, "wg", "genkey")
	privOut, err := genCmd.Output()
	if cctx.Err() == context.DeadlineExceeded {
		return "", "", wrap("genkey", ErrTimeout, nil)
	}
	if err != nil {
		return "", "", wrap("genkey", err, privOut)
	}
	privateKey := strings.TrimSpace(string(privOut))

	pubKey, err := w.DerivePublicKey(ctx, privateKey)
	if err != nil {
		return "", "", err
	}
	logger.Logger.Debug("keytool: generated new keypair", zap.String("publicKey", pubKey))
	return privateKey, pubKey, nil
}

// DerivePublicKey runs `wg pubkey` with privateKey on stdin.
func (w *WG) DerivePublicKey(ctx context.Context, privateKey string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, w.CmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "wg", "pubkey")
	cmd.Stdin = strings.NewReader(privateKey)
	out, err := cmd.Output()
	if cctx.Err() == context.DeadlineExceeded {
		return "", wrap("pubkey", ErrTimeout, nil)
	}
	if err != nil {
		return "", wrap("pubkey", err, out)
	}
	pub := strings.TrimSpace(string(out))
	if pub == "" {
		return "", wrap("pubkey", errors.New("empty public key derived"), nil)
	}
	return pub, nil
}

// Dump runs `wg show <iface> dump` and parses it into a map keyed by public
// key. Tolerates the `(none)` endpoint literal and a zero handshake
// timestamp ("never handshaken"), per spec §4.2.
func (w *WG) Dump(ctx context.Context) (map[string]domain.PeerSample, error) {
	out, err := w.run(ctx, "wg", "show", w.Interface, "dump")
	if errors.Is(err, ErrTimeout) {
		return nil, wrap("show dump", ErrTimeout, out)
	}
	if err != nil {
		return nil, wrap("show dump", err, out)
	}
	return parseDump(string(out), w.Interface), nil
}

// liveWindowDefault is applied only when the caller needs a connected flag
// without knowing the configured liveness window; telemetry.Poller always
// recomputes Connected itself from the configured window, so this is just
// a conservative fallback for other direct Dump() callers.
const liveWindowDefault = 180

func parseDump(out, iface string) map[string]domain.PeerSample {
	peers := map[string]domain.PeerSample{}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i, line := range lines {
		if i == 0 {
			// First line is the interface's own private key / listen port row.
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 5 {
			continue
		}
		publicKey := parts[0]
		endpoint := parts[2]
		if endpoint == "(none)" {
			endpoint = ""
		}
		var handshake int64
		if parts[4] != "0" {
			handshake, _ = strconv.ParseInt(parts[4], 10, 64)
		}
		var rx, tx uint64
		if len(parts) > 5 {
			rx, _ = strconv.ParseUint(parts[5], 10, 64)
		}
		if len(parts) > 6 {
			tx, _ = strconv.ParseUint(parts[6], 10, 64)
		}
		peers[publicKey] = domain.PeerSample{
			Endpoint:        endpoint,
			LatestHandshake: handshake,
			TransferRx:      rx,
			TransferTx:      tx,
			Connected:       handshake > 0 && time.Now().Unix()-handshake < liveWindowDefault,
		}
	}
	return peers
}

// SetPeer installs or updates a single peer's allowed-ips directly against
// the running interface via `wg set`. Used by the reconciler's kernel
// enforce pass, which replays the whole active set peer-by-peer.
func (w *WG) SetPeer(ctx context.Context, publicKey, allowedIP string) error {
	out, err := w.run(ctx, "wg", "set", w.Interface, "peer", publicKey, "allowed-ips", allowedIP+"/32")
	if errors.Is(err, ErrTimeout) {
		return wrap("set peer", ErrTimeout, out)
	}
	if err != nil {
		return wrap("set peer", err, out)
	}
	return nil
}

// RemovePeer removes a peer from the kernel by public key. Idempotent: `wg`
// exits 0 even if the peer was already absent, so no absent-peer check is
// needed here.
func (w *WG) RemovePeer(ctx context.Context, publicKey string) error {
	out, err := w.run(ctx, "wg", "set", w.Interface, "peer", publicKey, "remove")
	if errors.Is(err, ErrTimeout) {
		return wrap("remove peer", ErrTimeout, out)
	}
	if err != nil {
		return wrap("remove peer", err, out)
	}
	return nil
}

// Sync applies a stripped configuration file to the live interface with
// `wg syncconf`, achieving a zero-downtime reload. Per spec §5 this call
// carries no timeout of its own — it must succeed or fail explicitly,
// so it uses the caller's context unmodified.
func (w *WG) Sync(ctx context.Context, strippedConfigPath string) error {
	cmd := exec.CommandContext(ctx, "wg", "syncconf", w.Interface, strippedConfigPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return wrap("syncconf", err, out)
	}
	return nil
}

// Strip runs `wg-quick strip <path>` to produce the subset of the config
// file that `wg syncconf` accepts (wg-quick-only directives like PostUp
// stripped out).
func Strip(ctx context.Context, configPath string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultCmdTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "wg-quick", "strip", configPath)
	out, err := cmd.Output()
	if cctx.Err() == context.DeadlineExceeded {
		return "", wrap("wg-quick strip", ErrTimeout, nil)
	}
	if err != nil {
		return "", wrap("wg-quick strip", err, out)
	}
	return string(out), nil
}
