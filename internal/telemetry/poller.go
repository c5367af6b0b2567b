package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpnctl/internal/domain"
	"vpnctl/internal/keytool"
	"vpnctl/internal/logger"
)

// RegistryStore is the subset of *registry.Registry the poller needs, kept
// as an interface so tests substitute a fake registry.
type RegistryStore interface {
	ListPeers() ([]domain.Peer, error)
	GetPeerByPublicKey(publicKey string) (*domain.Peer, error)
	UpdateTelemetry(publicKey string, addRx, addTx uint64, lastHandshakeUnix int64, endpoint string) error
	OpenSession(session *domain.Session) error
	IncrementSessionBytes(publicKey string, addRx, addTx uint64) error
	CloseActiveSessions(publicKey string, endTime time.Time, bytesRx, bytesTx uint64) error
}

type peerState struct {
	rx, tx      uint64
	sessionOpen bool
}

// Poller is the single cooperative worker described in the homeostatic
// telemetry design: it samples the kernel dump, derives connected/session
// state, persists deltas, and broadcasts to the fan-out.
//
// Grounded on original_source/app/stats.py's sync_stats_to_db (delta
// accumulation via SQL-level addition, session open/close transitions,
// disconnect-by-absence handling) reimplemented against
// internal/registry instead of raw SQLAlchemy, with the idle-backoff and
// observer-count gate from the expanded specification.
type Poller struct {
	Keytool        keytool.Tool
	Registry       RegistryStore
	Fanout         *Fanout
	LivenessWindow time.Duration
	IdleInterval   time.Duration
	PollInterval   time.Duration
	DBSyncInterval time.Duration

	mu       sync.Mutex
	lastSeen map[string]peerState
	lastSync time.Time
}

// NewPoller builds a Poller ready for Run.
func NewPoller(kt keytool.Tool, reg RegistryStore, fanout *Fanout, livenessWindow, idleInterval, pollInterval, dbSyncInterval time.Duration) *Poller {
	return &Poller{
		Keytool:        kt,
		Registry:       reg,
		Fanout:         fanout,
		LivenessWindow: livenessWindow,
		IdleInterval:   idleInterval,
		PollInterval:   pollInterval,
		DBSyncInterval: dbSyncInterval,
		lastSeen:       map[string]peerState{},
	}
}

// Run blocks, looping until ctx is cancelled. Back-pressures to
// IdleInterval whenever no observers are subscribed.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if p.Fanout.Count() == 0 {
			if !sleepCtx(ctx, p.IdleInterval) {
				return
			}
			continue
		}

		dump, err := p.Keytool.Dump(ctx)
		if err != nil {
			logger.Logger.Error("telemetry: dumping kernel state", zap.Error(err))
			if !sleepCtx(ctx, p.PollInterval) {
				return
			}
			continue
		}

		p.tick(dump)

		if !sleepCtx(ctx, p.PollInterval) {
			return
		}
	}
}

// tick computes the connected flag for every sampled peer, broadcasts the
// frame enriched with registry cumulative totals, and (every
// DBSyncInterval) detaches a persistence pass so a slow store never stalls
// the broadcast.
func (p *Poller) tick(dump map[string]domain.PeerSample) {
	totals := map[string]domain.Peer{}
	if peers, err := p.Registry.ListPeers(); err != nil {
		logger.Logger.Warn("telemetry: listing registry peers for enrichment", zap.Error(err))
	} else {
		for _, peer := range peers {
			totals[peer.PublicKey] = peer
		}
	}

	frameData := make(map[string]domain.PeerSample, len(dump))
	persistData := make(map[string]domain.PeerSample, len(dump))
	for publicKey, sample := range dump {
		sample.Connected = sample.LatestHandshake > 0 &&
			time.Since(time.Unix(sample.LatestHandshake, 0)) < p.LivenessWindow
		persistData[publicKey] = sample
		if total, ok := totals[publicKey]; ok {
			sample.TransferRx = total.TotalRx + sample.TransferRx
			sample.TransferTx = total.TotalTx + sample.TransferTx
		}
		frameData[publicKey] = sample
	}
	p.Fanout.Broadcast(domain.NewTelemetryFrame(frameData))

	if time.Since(p.lastSync) >= p.DBSyncInterval {
		p.lastSync = time.Now()
		go p.persist(persistData)
	}
}

// persist accumulates deltas into durable totals and derives session
// transitions, incrementing an already-open session's bytes on every live
// tick rather than only at open/close. Tolerant of counter resets: a dump
// value smaller than the last-seen value is interpreted as the post-reset
// absolute value, not a negative delta.
func (p *Poller) persist(dump map[string]domain.PeerSample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	seen := make(map[string]bool, len(dump))

	for publicKey, sample := range dump {
		seen[publicKey] = true
		state := p.lastSeen[publicKey]

		deltaRx := delta(sample.TransferRx, state.rx)
		deltaTx := delta(sample.TransferTx, state.tx)

		if deltaRx > 0 || deltaTx > 0 || sample.Endpoint != "" {
			if err := p.Registry.UpdateTelemetry(publicKey, deltaRx, deltaTx, sample.LatestHandshake, sample.Endpoint); err != nil {
				logger.Logger.Error("telemetry: persisting counters", zap.String("publicKey", publicKey), zap.Error(err))
			}
		}

		switch {
		case sample.Connected && !state.sessionOpen:
			p.openSession(publicKey, sample, now, deltaRx, deltaTx)
			state.sessionOpen = true
		case sample.Connected && state.sessionOpen:
			if deltaRx > 0 || deltaTx > 0 {
				if err := p.Registry.IncrementSessionBytes(publicKey, deltaRx, deltaTx); err != nil {
					logger.Logger.Error("telemetry: incrementing session bytes", zap.String("publicKey", publicKey), zap.Error(err))
				}
			}
		case !sample.Connected && state.sessionOpen:
			if err := p.Registry.CloseActiveSessions(publicKey, now, deltaRx, deltaTx); err != nil {
				logger.Logger.Error("telemetry: closing session", zap.String("publicKey", publicKey), zap.Error(err))
			}
			state.sessionOpen = false
		}

		state.rx, state.tx = sample.TransferRx, sample.TransferTx
		p.lastSeen[publicKey] = state
	}

	// Peers no longer present in the dump at all (interface reload, peer
	// removed out-of-band) are disconnects too.
	for publicKey, state := range p.lastSeen {
		if seen[publicKey] {
			continue
		}
		if state.sessionOpen {
			if err := p.Registry.CloseActiveSessions(publicKey, now, 0, 0); err != nil {
				logger.Logger.Error("telemetry: closing session for vanished peer", zap.String("publicKey", publicKey), zap.Error(err))
			}
		}
		delete(p.lastSeen, publicKey)
	}
}

func (p *Poller) openSession(publicKey string, sample domain.PeerSample, now time.Time, deltaRx, deltaTx uint64) {
	peer, err := p.Registry.GetPeerByPublicKey(publicKey)
	if err != nil {
		logger.Logger.Warn("telemetry: opening session for unknown peer", zap.String("publicKey", publicKey), zap.Error(err))
		return
	}
	session := &domain.Session{
		PeerID:        peer.ID,
		PublicKey:     publicKey,
		StartTime:     now,
		StartEndpoint: sample.Endpoint,
		BytesRx:       deltaRx,
		BytesTx:       deltaTx,
		IsActive:      true,
	}
	if err := p.Registry.OpenSession(session); err != nil {
		logger.Logger.Error("telemetry: opening session", zap.String("publicKey", publicKey), zap.Error(err))
	}
}

func delta(current, last uint64) uint64 {
	if current >= last {
		return current - last
	}
	return current
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
