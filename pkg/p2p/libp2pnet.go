package p2p

import (
	"context"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/util"
)

const (
	topicWindow  = "hyperdesk-settle-window"
	topicReceipt = "hyperdesk-settle-receipt"
)

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

// node is the gossip endpoint shared by Relay and Responder.
type node struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tWindow, tReceipt *pubsub.Topic
}

func newNode(ctx context.Context, cfg Libp2pConfig) (*node, error) {
	log := util.OrNop(cfg.Logger)
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
		h.Close()
		return nil, err
	}

	n := &node{h: h, ps: ps, log: log}
	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}
	if n.tWindow, err = ps.Join(topicWindow); err != nil {
		h.Close()
		return nil, err
	}
	if n.tReceipt, err = ps.Join(topicReceipt); err != nil {
		h.Close()
		return nil, err
	}
	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
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

func (n *node) Host() host.Host { return n.h }

// consume delivers every message on sub that was not published by this
// host. It returns when ctx is done.
func (n *node) consume(ctx context.Context, sub *pubsub.Subscription, fn func([]byte)) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		fn(msg.Data)
	}
}

func (n *node) Close() error { return n.h.Close() }
