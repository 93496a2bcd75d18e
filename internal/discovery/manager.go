package discovery

import (
	"context"
	"time"

	"peerchat/internal/telemetry"
)

// Hooks are how discovery reports changes upward. Discovered fires
// once per peer while it stays live; Expired fires when it ages out.
type Hooks struct {
	Discovered func(Remote)
	Expired    func(Remote)
}

// Manager runs the responder and the periodic probe loop, feeding
// sightings through the tracker and persisting them in the peer store.
type Manager struct {
	cfg     Announce
	tracker *Tracker
	store   *PeerStore
	log     telemetry.Logger
}

// Announce bundles what this node advertises on the LAN.
type Announce struct {
	Config
	SelfID     string
	ListenAddr string
	Nick       string
}

func NewManager(g Announce, store *PeerStore, log telemetry.Logger) *Manager {
	g.Config.fill()
	if log == nil {
		log = telemetry.Discard()
	}
	return &Manager{
		cfg:     g,
		tracker: NewTracker(g.TTL),
		store:   store,
		log:     log,
	}
}

func (m *Manager) Tracker() *Tracker { return m.tracker }

// SetListenAddr fills in the advertised listen address once the
// transport is actually bound. Must be called before Run.
func (m *Manager) SetListenAddr(addr string) { m.cfg.ListenAddr = addr }

// Bootstrap returns persisted peers worth dialing on startup.
func (m *Manager) Bootstrap(limit int) []Remote {
	if m.store == nil {
		return nil
	}
	return m.store.Candidates(5, limit)
}

// NoteConnected records a successful connection to a peer.
func (m *Manager) NoteConnected(id, addr string) {
	if m.store != nil && addr != "" {
		if err := m.store.NoteSuccess(id, addr); err != nil {
			m.log.Printf("discovery: peerstore success for %s: %v", id, err)
		}
	}
}

// NoteFailed records a failed dial.
func (m *Manager) NoteFailed(id string) {
	if m.store != nil && id != "" {
		if err := m.store.NoteFailure(id); err != nil {
			m.log.Printf("discovery: peerstore failure for %s: %v", id, err)
		}
	}
}

// Run starts the responder and probes the LAN until ctx is done.
func (m *Manager) Run(ctx context.Context, hooks Hooks) error {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	if err := StartResponder(stop, m.cfg.Config, m.cfg.SelfID, m.cfg.ListenAddr, m.cfg.Nick); err != nil {
		return err
	}

	go func() {
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()

		// Probe immediately so the first peers show up without waiting
		// a full interval.
		m.probeOnce(hooks)

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.probeOnce(hooks)
			}
		}
	}()

	return nil
}

func (m *Manager) probeOnce(hooks Hooks) {
	found, err := Probe(m.cfg.Config, m.cfg.SelfID, m.cfg.ListenAddr)
	if err != nil {
		m.log.Printf("discovery: probe failed: %v", err)
	}

	for _, r := range found {
		if m.tracker.Observe(r) {
			m.log.Printf("discovery: found %s at %s", r.ID, r.Addr)
			if hooks.Discovered != nil {
				hooks.Discovered(r)
			}
		}
	}

	for _, r := range m.tracker.Sweep(time.Now()) {
		m.log.Printf("discovery: lost %s", r.ID)
		if hooks.Expired != nil {
			hooks.Expired(r)
		}
	}
}
