// Package registry is the durable store of record for peers, sessions, the
// bootstrap admin account, and pending invites. It is the authoritative
// plane in the tri-plane consistency model: internal/lifecycle writes a new
// peer to the tunnel configuration file and the kernel first and inserts
// its row here only once those succeed, so a row seen here is also live in
// the kernel.
//
// Grounded on original_source/app/database.py's schema and query set
// (get_all_users, get_user_by_username, create_user, update_user_status,
// delete_user, get_used_ips), reimplemented with gorm.io/gorm over
// github.com/glebarez/sqlite — a pure-Go SQLite driver, chosen over
// mattn/go-sqlite3 so the binary stays cgo-free, and over the original's
// MySQL backend because a single-host control plane has no need for a
// separate database service.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"vpnctl/internal/domain"
)

// Registry wraps a gorm connection scoped to the control plane's schema.
type Registry struct {
	db *gorm.DB
}

// Open migrates and returns a Registry backed by the sqlite file at path.
func Open(path string) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("registry: opening %s: %w", path, err)
	}
	if err := db.AutoMigrate(&domain.Peer{}, &domain.Session{}, &domain.Admin{}, &domain.Invite{}); err != nil {
		return nil, fmt.Errorf("registry: migrating schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Ping verifies connectivity, used by the readiness probe.
func (r *Registry) Ping() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRegistry, err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRegistry, err)
	}
	return nil
}

// ListPeers returns every peer, newest first.
func (r *Registry) ListPeers() ([]domain.Peer, error) {
	var peers []domain.Peer
	if err := r.db.Order("created_at desc").Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("registry: listing peers: %w", domain.ErrRegistry)
	}
	return peers, nil
}

// GetPeerByHandle fetches a peer by its human-assigned handle.
func (r *Registry) GetPeerByHandle(handle string) (*domain.Peer, error) {
	var peer domain.Peer
	err := r.db.Where("handle = ?", handle).First(&peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("registry: handle %q: %w", handle, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: fetching peer %q: %w", handle, domain.ErrRegistry)
	}
	return &peer, nil
}

// GetPeerByPublicKey fetches a peer by its current WireGuard public key.
func (r *Registry) GetPeerByPublicKey(publicKey string) (*domain.Peer, error) {
	var peer domain.Peer
	err := r.db.Where("public_key = ?", publicKey).First(&peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("registry: public key: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: fetching peer by public key: %w", domain.ErrRegistry)
	}
	return &peer, nil
}

// UsedAddresses returns the set of addresses currently assigned, for the
// allocator to scan against.
func (r *Registry) UsedAddresses() (map[string]bool, error) {
	var addrs []string
	if err := r.db.Model(&domain.Peer{}).Pluck("address", &addrs).Error; err != nil {
		return nil, fmt.Errorf("registry: listing used addresses: %w", domain.ErrRegistry)
	}
	used := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		used[a] = true
	}
	return used, nil
}

// CreatePeer inserts a new peer row. Returns domain.ErrConflict if the
// handle, public key, or address already exists.
func (r *Registry) CreatePeer(peer *domain.Peer) error {
	if err := r.db.Create(peer).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registry: %w", domain.ErrConflict)
		}
		return fmt.Errorf("registry: creating peer: %w", domain.ErrRegistry)
	}
	return nil
}

// UpdatePeer persists a mutated peer in place, by ID.
func (r *Registry) UpdatePeer(peer *domain.Peer) error {
	if err := r.db.Save(peer).Error; err != nil {
		return fmt.Errorf("registry: updating peer %d: %w", peer.ID, domain.ErrRegistry)
	}
	return nil
}

// DeletePeer removes a peer by ID. Idempotent.
func (r *Registry) DeletePeer(id uint) error {
	if err := r.db.Delete(&domain.Peer{}, id).Error; err != nil {
		return fmt.Errorf("registry: deleting peer %d: %w", id, domain.ErrRegistry)
	}
	return nil
}

// UpdateTelemetry applies a poller-derived delta to a peer's cumulative
// counters and handshake/endpoint bookkeeping in a single statement, so
// concurrent poller ticks never race on a read-modify-write round trip.
func (r *Registry) UpdateTelemetry(publicKey string, addRx, addTx uint64, lastHandshakeUnix int64, endpoint string) error {
	updates := map[string]any{
		"total_rx":      gorm.Expr("total_rx + ?", addRx),
		"total_tx":      gorm.Expr("total_tx + ?", addTx),
		"last_endpoint": endpoint,
	}
	if lastHandshakeUnix > 0 {
		updates["last_handshake"] = gorm.Expr("?", lastHandshakeUnix)
	}
	err := r.db.Model(&domain.Peer{}).Where("public_key = ?", publicKey).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("registry: updating telemetry for %s: %w", publicKey, domain.ErrRegistry)
	}
	return nil
}

// OpenSession records the start of a new connection interval.
func (r *Registry) OpenSession(session *domain.Session) error {
	if err := r.db.Create(session).Error; err != nil {
		return fmt.Errorf("registry: opening session: %w", domain.ErrRegistry)
	}
	return nil
}

// CloseActiveSessions marks every still-open session for a peer as ended,
// used when a peer drops offline or is disabled. bytesRx/bytesTx are the
// final tick's delta and are added to the session's accumulated totals,
// not assigned, since IncrementSessionBytes has already been adding prior
// ticks into the same row while the session was live.
func (r *Registry) CloseActiveSessions(publicKey string, endTime time.Time, bytesRx, bytesTx uint64) error {
	err := r.db.Model(&domain.Session{}).
		Where("public_key = ? AND is_active = ?", publicKey, true).
		Updates(map[string]any{
			"end_time":  endTime,
			"is_active": false,
			"bytes_rx":  gorm.Expr("bytes_rx + ?", bytesRx),
			"bytes_tx":  gorm.Expr("bytes_tx + ?", bytesTx),
		}).Error
	if err != nil {
		return fmt.Errorf("registry: closing sessions for %s: %w", publicKey, domain.ErrRegistry)
	}
	return nil
}

// IncrementSessionBytes adds a per-tick delta to a peer's currently open
// session, keeping its stored totals current across the whole connection
// interval instead of only its final tick.
func (r *Registry) IncrementSessionBytes(publicKey string, addRx, addTx uint64) error {
	err := r.db.Model(&domain.Session{}).
		Where("public_key = ? AND is_active = ?", publicKey, true).
		Updates(map[string]any{
			"bytes_rx": gorm.Expr("bytes_rx + ?", addRx),
			"bytes_tx": gorm.Expr("bytes_tx + ?", addTx),
		}).Error
	if err != nil {
		return fmt.Errorf("registry: incrementing session bytes for %s: %w", publicKey, domain.ErrRegistry)
	}
	return nil
}

// ListSessions returns a peer's connection history, newest first, capped at
// limit rows (0 means unbounded).
func (r *Registry) ListSessions(publicKey string, limit int) ([]domain.Session, error) {
	var sessions []domain.Session
	q := r.db.Where("public_key = ?", publicKey).Order("start_time desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("registry: listing sessions for %s: %w", publicKey, domain.ErrRegistry)
	}
	return sessions, nil
}

// GetAdmin returns the single bootstrap admin row, if any.
func (r *Registry) GetAdmin() (*domain.Admin, error) {
	var admin domain.Admin
	err := r.db.First(&admin, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("registry: admin: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: fetching admin: %w", domain.ErrRegistry)
	}
	return &admin, nil
}

// UpsertAdmin creates or overwrites the single admin row (id 1), matching
// original_source's create_admin session.merge pattern.
func (r *Registry) UpsertAdmin(admin *domain.Admin) error {
	admin.ID = 1
	if err := r.db.Save(admin).Error; err != nil {
		return fmt.Errorf("registry: upserting admin: %w", domain.ErrRegistry)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
