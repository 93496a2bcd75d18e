// Package client is the chat engine a frontend drives: it owns the
// identity, the swarm, the nickname cache, and channel membership, and
// turns swarm events into chat-level events.
//
// An Engine is single-consumer: one goroutine calls its methods and
// drains its events. That goroutine is the only writer of the caches,
// so they need no locking.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peerchat/internal/discovery"
	"peerchat/internal/identity"
	"peerchat/internal/netx"
	"peerchat/internal/swarm"
	"peerchat/internal/telemetry"
	"peerchat/internal/wire"
)

var (
	ErrNotInChannel = errors.New("client: not a member of that channel")
	ErrBadChannel   = errors.New("client: invalid channel identifier")
	ErrBadNickname  = errors.New("client: invalid nickname")
)

type Config struct {
	Nick   string
	Listen string   // multiaddr, e.g. /ip4/0.0.0.0/tcp/0
	Dials  []string // multiaddrs to connect to on startup

	// PeerStorePath persists known peers; empty disables persistence.
	PeerStorePath string

	// DiscoveryPort overrides the LAN discovery port; 0 uses the
	// default. Negative disables LAN discovery entirely.
	DiscoveryPort int

	Logger telemetry.Logger
	Debug  bool
}

type nickState uint8

const (
	nickUnknown nickState = iota
	nickPending
	nickResolved
)

type nickEntry struct {
	state nickState
	nick  string
}

type Engine struct {
	cfg Config
	id  *identity.Identity
	sw  *swarm.Swarm
	log telemetry.Logger

	store *discovery.PeerStore

	// Single-consumer state; see the package comment.
	nicks        map[identity.PeerID]nickEntry
	pendingNicks map[[32]byte]identity.PeerID // in-flight nickname lookups
	pendingChans map[[32]byte]string          // in-flight channel lookups
	channels     []string                     // membership, join order
	selfNick     string
	seq          uint64 // record sequence counter

	cancel context.CancelFunc
}

func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	if cfg.Nick != "" {
		if err := validNick(cfg.Nick); err != nil {
			return nil, err
		}
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		id:           id,
		log:          cfg.Logger,
		nicks:        make(map[identity.PeerID]nickEntry),
		pendingNicks: make(map[[32]byte]identity.PeerID),
		pendingChans: make(map[[32]byte]string),
		selfNick:     cfg.Nick,
		seq:          uint64(time.Now().Unix()),
	}

	var mgr *discovery.Manager
	if cfg.DiscoveryPort >= 0 {
		if cfg.PeerStorePath != "" {
			e.store, err = discovery.OpenPeerStore(cfg.PeerStorePath)
			if err != nil {
				return nil, fmt.Errorf("client: open peer store: %w", err)
			}
		}
		dcfg := discovery.DefaultConfig()
		if cfg.DiscoveryPort > 0 {
			dcfg.Port = cfg.DiscoveryPort
		}
		mgr = discovery.NewManager(discovery.Announce{
			Config: dcfg,
			SelfID: string(id.ID),
			Nick:   cfg.Nick,
		}, e.store, cfg.Logger)
	}

	e.sw, err = swarm.New(swarm.Config{
		Identity:  id,
		Network:   netx.NewTCPNetwork(),
		Logger:    cfg.Logger,
		Debug:     cfg.Debug,
		Discovery: mgr,
	})
	if err != nil {
		if e.store != nil {
			_ = e.store.Close()
		}
		return nil, err
	}
	return e, nil
}

// ID returns this node's peer id.
func (e *Engine) ID() identity.PeerID { return e.id.ID }

// Nickname returns this node's own display name.
func (e *Engine) Nickname() string { return e.selfNick }

// Start brings the engine online: listen, discover, announce. The
// context gates the background loops, not the engine's lifetime.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	bind := "127.0.0.1:0"
	if e.cfg.Listen != "" {
		addr, err := netx.ParseMultiaddr(e.cfg.Listen)
		if err != nil {
			return fmt.Errorf("client: listen address: %w", err)
		}
		bind = string(addr)
	}
	if err := e.sw.Listen(bind); err != nil {
		return err
	}

	e.sw.Subscribe(wire.ControlTopic)
	e.sw.RunMaintenance(ctx)

	if err := e.sw.StartDiscovery(ctx); err != nil {
		return fmt.Errorf("client: start discovery: %w", err)
	}

	for _, m := range e.cfg.Dials {
		if err := e.Dial(m); err != nil {
			e.log.Printf("client: bad dial address %q: %v", m, err)
		}
	}

	// Make this node's name resolvable before anyone asks.
	if e.selfNick != "" {
		e.nicks[e.id.ID] = nickEntry{state: nickResolved, nick: e.selfNick}
		e.publishNickname(e.selfNick)
	}
	return nil
}

// Close tears everything down.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	err := e.sw.Close()
	if e.store != nil {
		if cerr := e.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Dial starts connecting to a peer given its multiaddr. Non-blocking;
// the outcome arrives as an event.
func (e *Engine) Dial(m string) error {
	addr, err := netx.ParseMultiaddr(m)
	if err != nil {
		return err
	}
	e.sw.Dial(addr)
	return nil
}

// Addresses returns this node's listen address as a multiaddr.
func (e *Engine) Addresses() []string {
	addr := e.sw.ListenAddr()
	if addr == "" {
		return nil
	}
	m, err := netx.ToMultiaddr(addr)
	if err != nil {
		return nil
	}
	return []string{m.String()}
}

// PeerCount reports live sessions.
func (e *Engine) PeerCount() int { return e.sw.PeerCount() }

func (e *Engine) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func validNick(nick string) error {
	if len(nick) == 0 || len(nick) > wire.MaxNicknameLength {
		return fmt.Errorf("%w: %d bytes", ErrBadNickname, len(nick))
	}
	return nil
}

func validChannel(ident string) error {
	if len(ident) == 0 || len(ident) > wire.MaxChannelLength {
		return fmt.Errorf("%w: %d bytes", ErrBadChannel, len(ident))
	}
	return nil
}
