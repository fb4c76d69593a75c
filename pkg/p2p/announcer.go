package p2p

import (
	"context"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/cardex-io/cardex/pkg/trade"
)

const topicEvents = "cardex-events-v1"

// Announcer gossips trade events to peer nodes over libp2p pubsub, so
// market watchers and mirror nodes can track sales and auctions without
// polling the API.
type Announcer struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tEvents   *pubsub.Topic
	subEvents *pubsub.Subscription

	muH     sync.RWMutex
	handler func(trade.Event)
}

type AnnouncerConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewAnnouncer(ctx context.Context, cfg AnnouncerConfig) (*Announcer, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	a := &Announcer{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if a.tEvents, err = ps.Join(topicEvents); err != nil {
		return nil, err
	}
	if a.subEvents, err = a.tEvents.Subscribe(); err != nil {
		return nil, err
	}

	go a.handleEvents(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return a, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// SetHandler registers a callback for events received from peers.
// Events published by this node are not delivered to the handler.
func (a *Announcer) SetHandler(fn func(trade.Event)) {
	a.muH.Lock()
	a.handler = fn
	a.muH.Unlock()
}

func (a *Announcer) Host() host.Host { return a.h }

// Announce publishes a trade event to the gossip topic.
func (a *Announcer) Announce(ctx context.Context, evt trade.Event) error {
	payload, err := gobEncode(evt)
	if err != nil {
		return err
	}
	data, err := gobEncode(EventWire{Event: payload})
	if err != nil {
		return err
	}
	return a.tEvents.Publish(ctx, data)
}

func (a *Announcer) handleEvents(ctx context.Context) {
	for {
		msg, err := a.subEvents.Next(ctx)
		if err != nil {
			return
		}
		// Skip our own announcements
		if msg.ReceivedFrom == a.h.ID() {
			continue
		}
		var w EventWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		var evt trade.Event
		if err := gobDecode(w.Event, &evt); err != nil {
			continue
		}

		a.muH.RLock()
		fn := a.handler
		a.muH.RUnlock()
		if fn != nil {
			fn(evt)
		}
	}
}
