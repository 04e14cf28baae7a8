// Package transport is the delivery policy layer: per report it picks
// the direct network link, the mesh, or the offline queue, and drains
// the queue opportunistically with exponential backoff.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/queue"
	"github.com/fieldbeacon/fieldbeacon/internal/report"
)

// Result describes how a report left the device (or didn't).
type Result int

const (
	DeliveredDirect Result = iota
	DeliveredMesh
	Queued
	Failed
)

func (r Result) String() string {
	switch r {
	case DeliveredDirect:
		return "delivered-direct"
	case DeliveredMesh:
		return "delivered-mesh"
	case Queued:
		return "queued"
	default:
		return "failed"
	}
}

// MediaBlob is a captured attachment awaiting upload. Media travels only
// over the direct link; the mesh carries text/metadata exclusively.
type MediaBlob struct {
	Name string
	Data []byte
}

// DirectClient is the direct-network-path dependency.
type DirectClient interface {
	Available() bool
	UploadIncident(ctx context.Context, inc *report.Incident) error
	UploadMedia(ctx context.Context, name string, blob []byte) (string, error)
}

// MeshSender is the mesh-path dependency.
type MeshSender interface {
	SendIncident(inc *report.Incident) bool
}

// OfflineStore is the queue dependency.
type OfflineStore interface {
	Store(inc *report.Incident) error
	MarkSent(seq uint32) error
	PendingCount() (int, error)
	NextPending() (*report.Incident, bool, error)
}

// Options tune queue draining.
type Options struct {
	DrainInterval    time.Duration // base interval between drain cycles
	DrainMaxInterval time.Duration // backoff ceiling
}

func (o *Options) applyDefaults() {
	if o.DrainInterval == 0 {
		o.DrainInterval = 15 * time.Second
	}
	if o.DrainMaxInterval == 0 {
		o.DrainMaxInterval = 5 * time.Minute
	}
}

// Manager routes each report to the best available path. Safe for
// concurrent use; bridge callbacks and the main loop may both call in.
type Manager struct {
	direct DirectClient
	mesh   MeshSender
	store  OfflineStore
	log    *zap.Logger
	opts   Options

	mu        sync.Mutex
	interval  time.Duration // current drain interval (grows on failure)
	nextDrain time.Time
}

// NewManager wires the three paths together.
func NewManager(direct DirectClient, mesh MeshSender, store OfflineStore, opts Options, log *zap.Logger) *Manager {
	opts.applyDefaults()
	return &Manager{
		direct:   direct,
		mesh:     mesh,
		store:    store,
		log:      log,
		opts:     opts,
		interval: opts.DrainInterval,
	}
}

// SendIncident applies the delivery policy:
//
//  1. Direct first, for every priority — it is the only path that can
//     carry media. Media blobs are uploaded before the document.
//  2. Mesh, but only when no media is attached.
//  3. Offline queue as last resort; a full queue is a hard failure
//     surfaced upward, never a silent drop.
func (m *Manager) SendIncident(ctx context.Context, inc *report.Incident, media []MediaBlob) Result {
	if m.direct.Available() {
		if err := m.sendDirect(ctx, inc, media); err == nil {
			return DeliveredDirect
		} else {
			m.log.Warn("transport: direct delivery failed", zap.Error(err))
		}
	}

	if len(media) == 0 {
		if m.mesh.SendIncident(inc) {
			return DeliveredMesh
		}
	}

	if err := m.store.Store(inc); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			m.log.Error("transport: queue full, report lost upstream",
				zap.Uint32("seq", inc.Sequence))
		} else {
			m.log.Error("transport: queue store failed", zap.Error(err))
		}
		return Failed
	}
	m.log.Info("transport: report queued",
		zap.Uint32("seq", inc.Sequence),
		zap.String("priority", inc.Priority.String()),
	)
	return Queued
}

func (m *Manager) sendDirect(ctx context.Context, inc *report.Incident, media []MediaBlob) error {
	for _, blob := range media {
		url, err := m.direct.UploadMedia(ctx, blob.Name, blob.Data)
		if err != nil {
			return err
		}
		inc.MediaRefs = append(inc.MediaRefs, url)
	}
	return m.direct.UploadIncident(ctx, inc)
}

// ProcessQueue drains pending reports over the direct link, oldest
// first. Runs at most once per backoff interval; the first failure ends
// the cycle and doubles the interval (capped), a success resets it.
func (m *Manager) ProcessQueue(ctx context.Context, now time.Time) {
	m.mu.Lock()
	if now.Before(m.nextDrain) {
		m.mu.Unlock()
		return
	}
	m.nextDrain = now.Add(m.interval)
	m.mu.Unlock()

	if !m.direct.Available() {
		return
	}

	drained := 0
	for {
		inc, ok, err := m.store.NextPending()
		if err != nil {
			m.log.Error("transport: read queue", zap.Error(err))
			return
		}
		if !ok {
			break
		}

		if err := m.direct.UploadIncident(ctx, inc); err != nil {
			// Stop for this cycle: preserves ordering and spares a
			// still-flaky link.
			m.backoff(now)
			m.log.Warn("transport: drain stopped",
				zap.Uint32("seq", inc.Sequence),
				zap.Int("drained", drained),
				zap.Error(err),
			)
			return
		}
		if err := m.store.MarkSent(inc.Sequence); err != nil {
			m.log.Error("transport: mark sent", zap.Error(err))
			return
		}
		drained++
	}

	if drained > 0 {
		m.resetBackoff(now)
		m.log.Info("transport: queue drained", zap.Int("count", drained))
	}
}

// DrainInterval exposes the current backoff interval for diagnostics.
func (m *Manager) DrainInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Manager) backoff(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval *= 2
	if m.interval > m.opts.DrainMaxInterval {
		m.interval = m.opts.DrainMaxInterval
	}
	m.nextDrain = now.Add(m.interval)
}

func (m *Manager) resetBackoff(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = m.opts.DrainInterval
	m.nextDrain = now.Add(m.interval)
}
