// Package domain holds the data model shared by every layer of the
// control plane: peers, sessions, telemetry frames and the typed error
// taxonomy used to map failures onto HTTP status codes.
package domain

import "time"

// PeerStatus is the lifecycle state of a Peer.
type PeerStatus string

const (
	PeerActive   PeerStatus = "active"
	PeerDisabled PeerStatus = "disabled"
)

// Platform identifies the client application family, which drives the
// DNS/AllowedIPs rendering rules in the client artifact (see artifact.Render).
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformLinux   Platform = "linux"
	PlatformIOS     Platform = "ios"
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
)

// ValidPlatform reports whether p is one of the five recognized client platforms.
func ValidPlatform(p string) bool {
	switch Platform(p) {
	case PlatformAndroid, PlatformLinux, PlatformIOS, PlatformWindows, PlatformMacOS:
		return true
	}
	return false
}

// ACLProfile names an access-control class a Peer is assigned to.
type ACLProfile string

const (
	ProfileFull         ACLProfile = "full"
	ProfileInternetOnly ACLProfile = "internet-only"
	ProfileIntranetOnly ACLProfile = "intranet-only"
)

// ValidACLProfile reports whether p is one of the three recognized profiles.
func ValidACLProfile(p string) bool {
	switch ACLProfile(p) {
	case ProfileFull, ProfileInternetOnly, ProfileIntranetOnly:
		return true
	}
	return false
}

// Peer is a tunnel client: its durable keys, assigned address, ACL profile
// and cumulative transfer counters. Mutated only by the lifecycle manager
// and the telemetry poller (counters, last handshake/endpoint).
type Peer struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	Handle    string `gorm:"uniqueIndex;size:32" json:"handle"`
	PublicKey string `gorm:"uniqueIndex;size:64" json:"public_key"`

	// EncryptedPrivateKey is the peer's private key, sealed at rest with
	// cryptutil.Seal. Empty when NEVER_STORE_PRIVATE_KEYS is enabled.
	EncryptedPrivateKey string `gorm:"type:text" json:"-"`

	Address    string     `gorm:"uniqueIndex;size:32" json:"address"`
	Platform   Platform   `gorm:"size:16" json:"platform"`
	Status     PeerStatus `gorm:"size:16;index" json:"status"`
	ACLProfile ACLProfile `gorm:"size:32" json:"acl_profile"`

	TotalRx uint64 `json:"total_rx"`
	TotalTx uint64 `json:"total_tx"`

	LastHandshake *time.Time `json:"last_handshake,omitempty"`
	LastEndpoint  string     `json:"last_endpoint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// Session is a derived record of one logical connection interval for a peer.
// Sessions are recoverable telemetry, never authoritative: losing them is
// non-fatal (see reconciler/telemetry design notes).
type Session struct {
	ID              uint      `gorm:"primarykey" json:"id"`
	PeerID          uint      `gorm:"index" json:"peer_id"`
	PublicKey       string    `gorm:"size:64;index" json:"public_key"`
	StartTime       time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	StartEndpoint   string    `json:"start_endpoint,omitempty"`
	BytesRx         uint64    `json:"bytes_rx"`
	BytesTx         uint64    `json:"bytes_tx"`
	IsActive        bool      `gorm:"index" json:"is_active"`
}

// Admin is the single administrator row. Credential verification and TOTP
// enrolment are out of scope (see internal/adminauth); this struct exists
// only so the registry schema has a home for the bootstrap row.
type Admin struct {
	ID           uint   `gorm:"primarykey"`
	Username     string `gorm:"uniqueIndex;size:255"`
	PasswordHash string `gorm:"type:text"`
	TOTPSecret   string `gorm:"size:32"`
}

// Invite is out of core scope (registration/invite flow); kept minimal so the
// registry schema matches original_source/app/database.py's UserInvite table.
type Invite struct {
	ID            uint       `gorm:"primarykey"`
	Email         string     `gorm:"uniqueIndex;size:255"`
	Token         string     `gorm:"uniqueIndex;size:64"`
	OTP           string     `gorm:"size:6"`
	OTPExpiresAt  *time.Time
	Verified      bool
	CreatedAt     time.Time
}
