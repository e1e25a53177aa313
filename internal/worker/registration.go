package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/observability"
	"github.com/kjstillabower/itinerary-weather/internal/respcache"
)

// MessageSkipWaiting forces the waiting version to activate.
const MessageSkipWaiting = "SKIP_WAITING"

var (
	ErrUnknownMessage = errors.New("unknown worker message")
	ErrNoWaiting      = errors.New("no waiting worker version")
)

// State is a worker version's lifecycle state.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Version is one installable worker: an identifier and its precache manifest.
type Version struct {
	ID       string
	Manifest []PrecacheEntry
	Shell    string

	state       State
	installedAt time.Time
	activatedAt time.Time
}

// Message is a command posted to the registration.
type Message struct {
	Type string `json:"type"`
}

// VersionStatus describes one version slot.
type VersionStatus struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	InstalledAt time.Time `json:"installedAt,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}

// Status is a snapshot of the registration.
type Status struct {
	Active     *VersionStatus `json:"active,omitempty"`
	Waiting    *VersionStatus `json:"waiting,omitempty"`
	Installing *VersionStatus `json:"installing,omitempty"`
	Clients    int            `json:"clients"`
}

// Registration tracks installing, waiting and active worker versions. A new
// version waits while clients are attached unless skipWaiting is set.
type Registration struct {
	precache    *Precache
	skipWaiting bool
	logger      *zap.Logger
	now         func() time.Time

	mu         sync.Mutex
	installing *Version
	waiting    *Version
	active     *Version
	clients    int
}

// NewRegistration returns an empty registration. With skipWaiting every
// installed version activates immediately.
func NewRegistration(p *Precache, skipWaiting bool, logger *zap.Logger) *Registration {
	return &Registration{precache: p, skipWaiting: skipWaiting, logger: observability.OrNop(logger), now: time.Now}
}

// Install precaches v's manifest and then activates it or leaves it waiting.
// A failed precache makes v redundant and leaves the current versions alone.
func (r *Registration) Install(ctx context.Context, v *Version) error {
	if v.Shell == "" {
		v.Shell = DefaultShell
	}
	r.mu.Lock()
	if r.active != nil && r.active.ID == v.ID {
		r.mu.Unlock()
		return nil
	}
	v.state = StateInstalling
	r.installing = v
	r.mu.Unlock()

	report, err := r.precache.Install(ctx, v.Manifest)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installing == v {
		r.installing = nil
	}
	if err != nil {
		v.state = StateRedundant
		r.logger.Error("worker install failed", zap.String("version", v.ID), zap.Error(err))
		return fmt.Errorf("install worker %s: %w", v.ID, err)
	}
	v.state = StateInstalled
	v.installedAt = r.now()
	r.logger.Info("worker installed",
		zap.String("version", v.ID),
		zap.Int("downloaded", report.Downloaded),
		zap.Int("unchanged", report.Unchanged))

	switch {
	case r.active == nil:
		r.activateLocked(ctx, v, "first_install")
	case r.skipWaiting:
		r.activateLocked(ctx, v, "skip_waiting")
	case r.clients == 0:
		r.activateLocked(ctx, v, "no_clients")
	default:
		if r.waiting != nil {
			r.waiting.state = StateRedundant
		}
		r.waiting = v
	}
	return nil
}

func (r *Registration) activateLocked(ctx context.Context, v *Version, reason string) {
	if r.active != nil {
		r.active.state = StateRedundant
	}
	if r.waiting == v {
		r.waiting = nil
	}
	v.state = StateActivated
	v.activatedAt = r.now()
	r.active = v
	r.precache.Cleanup(ctx, v.Manifest)
	observability.WorkerActivationsTotal.WithLabelValues(reason).Inc()
	r.logger.Info("worker activated", zap.String("version", v.ID), zap.String("reason", reason))
}

// Attach registers a controlled client. The returned func releases it; when
// the last client releases, a waiting version activates.
func (r *Registration) Attach() (release func()) {
	r.mu.Lock()
	r.clients++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.clients--
			if r.clients == 0 && r.waiting != nil {
				r.activateLocked(context.Background(), r.waiting, "clients_released")
			}
		})
	}
}

// PostMessage handles a command from a client.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	if msg.Type != MessageSkipWaiting {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == nil {
		return ErrNoWaiting
	}
	r.activateLocked(ctx, r.waiting, "skip_waiting")
	return nil
}

// HasActive reports whether an activated version controls requests.
func (r *Registration) HasActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// HasWaiting reports whether an installed version waits for activation.
func (r *Registration) HasWaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting != nil
}

// Status returns a snapshot of every version slot.
func (r *Registration) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Active:     versionStatus(r.active),
		Waiting:    versionStatus(r.waiting),
		Installing: versionStatus(r.installing),
		Clients:    r.clients,
	}
}

func versionStatus(v *Version) *VersionStatus {
	if v == nil {
		return nil
	}
	return &VersionStatus{ID: v.ID, State: v.state, InstalledAt: v.installedAt, ActivatedAt: v.activatedAt}
}

func (r *Registration) activeManifest() ([]PrecacheEntry, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ""
	}
	return r.active.Manifest, r.active.Shell
}

// LookupPrecached returns the active version's precached copy of rawURL.
func (r *Registration) LookupPrecached(ctx context.Context, rawURL string) (*respcache.Entry, bool) {
	manifest, _ := r.activeManifest()
	if manifest == nil {
		return nil, false
	}
	return r.precache.Lookup(ctx, manifest, rawURL)
}

// Shell returns the active version's shell document.
func (r *Registration) Shell(ctx context.Context) (*respcache.Entry, bool) {
	manifest, shell := r.activeManifest()
	if manifest == nil {
		return nil, false
	}
	return r.precache.Lookup(ctx, manifest, r.precache.AbsURL(shell))
}
