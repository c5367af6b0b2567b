// Package httpapi is the external HTTP/WS surface: the thin gin layer that
// turns the peer lifecycle manager, reconciler, and telemetry fan-out into
// the REST+WS contract named in spec §6, mapping every domain error through
// domain.StatusFor.
//
// Grounded on the teacher's internal/handler/config.go (one method per
// route, gin.Context binding, swaggo annotation style) and
// original_source/app/users.py's route set (list/create/delete/toggle/
// get_config/sync_all), reimplemented against internal/lifecycle instead of
// direct service calls.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vpnctl/internal/artifact"
	"vpnctl/internal/domain"
	"vpnctl/internal/lifecycle"
	"vpnctl/internal/reconciler"
	"vpnctl/internal/telemetry"
)

// Handlers bundles the collaborators the /api/users surface depends on.
type Handlers struct {
	Lifecycle  *lifecycle.Manager
	Reconciler *reconciler.Reconciler
	Sessions   SessionLister

	// Fanout, if set, enriches ListPeers with the most recently broadcast
	// live telemetry sample per peer. Nil is tolerated (tests that don't
	// care about live state can leave it unset) and just yields peers with
	// no live fields populated.
	Fanout *telemetry.Fanout
}

// SessionLister is the subset of *registry.Registry the session-history
// route needs.
type SessionLister interface {
	ListSessions(publicKey string, limit int) ([]domain.Session, error)
	GetPeerByHandle(handle string) (*domain.Peer, error)
}

type createPeerRequest struct {
	Handle     string `json:"handle" binding:"required"`
	Platform   string `json:"platform" binding:"required"`
	ACLProfile string `json:"acl_profile" binding:"required"`
}

type peerResponse struct {
	Peer   *domain.Peer `json:"peer"`
	Config string       `json:"config,omitempty"`
}

func fail(c *gin.Context, err error) {
	c.JSON(domain.StatusFor(err), domain.ErrorResponse{Error: err.Error()})
}

// peerListEntry is a registry peer enriched with its most recently
// broadcast live telemetry sample, per spec §6 ("lists peers enriched with
// live state"). Fields beyond domain.Peer are zero-valued when no sample
// has arrived yet (fresh start, or the peer has never connected).
type peerListEntry struct {
	domain.Peer
	Connected       bool   `json:"connected"`
	LiveRx          uint64 `json:"live_rx,omitempty"`
	LiveTx          uint64 `json:"live_tx,omitempty"`
	LatestHandshake int64  `json:"latest_handshake,omitempty"`
}

// ListPeers godoc
// @Summary      List peers, enriched with live connection state
// @Tags         peers
// @Produce      json
// @Success      200  {array}  peerListEntry
// @Router       /api/users [get]
func (h *Handlers) ListPeers(c *gin.Context) {
	peers, err := h.Lifecycle.Registry.ListPeers()
	if err != nil {
		fail(c, err)
		return
	}

	var snapshot map[string]domain.PeerSample
	if h.Fanout != nil {
		snapshot = h.Fanout.Snapshot()
	}

	entries := make([]peerListEntry, len(peers))
	for i, peer := range peers {
		entry := peerListEntry{Peer: peer}
		if sample, ok := snapshot[peer.PublicKey]; ok {
			entry.Connected = sample.Connected
			entry.LiveRx = sample.TransferRx
			entry.LiveTx = sample.TransferTx
			entry.LatestHandshake = sample.LatestHandshake
		}
		entries[i] = entry
	}
	c.JSON(http.StatusOK, entries)
}

// CreatePeer godoc
// @Summary      Create a peer
// @Tags         peers
// @Accept       json
// @Produce      json
// @Param        request  body      createPeerRequest  true  "New peer"
// @Success      201  {object}  peerResponse
// @Failure      400  {object}  domain.ErrorResponse
// @Failure      409  {object}  domain.ErrorResponse
// @Router       /api/users [post]
func (h *Handlers) CreatePeer(c *gin.Context) {
	var req createPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: err.Error()})
		return
	}

	peer, config, err := h.Lifecycle.Create(c.Request.Context(), req.Handle, domain.Platform(req.Platform), domain.ACLProfile(req.ACLProfile))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, peerResponse{Peer: peer, Config: config})
}

// DeletePeer godoc
// @Summary      Delete a peer
// @Tags         peers
// @Param        handle  path  string  true  "Peer handle"
// @Success      204
// @Failure      404  {object}  domain.ErrorResponse
// @Router       /api/users/{handle} [delete]
func (h *Handlers) DeletePeer(c *gin.Context) {
	if err := h.Lifecycle.Delete(c.Request.Context(), c.Param("handle")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TogglePeer godoc
// @Summary      Toggle a peer between active and disabled
// @Tags         peers
// @Param        handle  path  string  true  "Peer handle"
// @Success      200  {object}  domain.Peer
// @Failure      404  {object}  domain.ErrorResponse
// @Router       /api/users/{handle}/toggle [patch]
func (h *Handlers) TogglePeer(c *gin.Context) {
	peer, err := h.Lifecycle.Toggle(c.Request.Context(), c.Param("handle"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, peer)
}

// RotatePeerKeys godoc
// @Summary      Rotate a peer's keypair
// @Tags         peers
// @Param        handle  path  string  true  "Peer handle"
// @Success      200  {object}  peerResponse
// @Failure      404  {object}  domain.ErrorResponse
// @Router       /api/users/{handle}/rotate [post]
func (h *Handlers) RotatePeerKeys(c *gin.Context) {
	peer, config, err := h.Lifecycle.RotateKeys(c.Request.Context(), c.Param("handle"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, peerResponse{Peer: peer, Config: config})
}

type artifactResponse struct {
	Config string `json:"config"`
	QR     string `json:"qr_data_uri"`
}

// GetPeerArtifact godoc
// @Summary      Fetch a peer's client configuration and QR code
// @Tags         peers
// @Param        handle  path  string  true  "Peer handle"
// @Success      200  {object}  artifactResponse
// @Failure      404  {object}  domain.ErrorResponse
// @Router       /api/users/{handle}/config [get]
func (h *Handlers) GetPeerArtifact(c *gin.Context) {
	_, config, err := h.Lifecycle.GetArtifact(c.Request.Context(), c.Param("handle"))
	if err != nil {
		fail(c, err)
		return
	}
	qr, err := artifact.QRDataURI(config)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, artifactResponse{Config: config, QR: qr})
}

// ListPeerSessions godoc
// @Summary      List a peer's connection history
// @Tags         peers
// @Param        handle  path   string  true   "Peer handle"
// @Param        limit   query  int     false  "Max rows, 0 for unbounded"
// @Success      200  {array}  domain.Session
// @Failure      404  {object}  domain.ErrorResponse
// @Router       /api/users/{handle}/sessions [get]
func (h *Handlers) ListPeerSessions(c *gin.Context) {
	peer, err := h.Sessions.GetPeerByHandle(c.Param("handle"))
	if err != nil {
		fail(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	sessions, err := h.Sessions.ListSessions(peer.PublicKey, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// SyncAll godoc
// @Summary      Force the homeostatic reconciler to run immediately
// @Tags         admin
// @Success      200  {object}  reconciler.Result
// @Router       /api/users/sync_all [post]
func (h *Handlers) SyncAll(c *gin.Context) {
	result, err := h.Reconciler.Reconcile(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
