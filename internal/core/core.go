// Package core wires the six routing components together and exposes
// the host plugin contract as plain Go methods: session lifecycle,
// signalling, and the three packet entry points. It is the
// process-wide singleton initialized at plugin init and torn down at
// plugin shutdown; all routing logic lives in the component packages.
package core

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/sfuforge/routingcore/internal/config"
	"github.com/sfuforge/routingcore/internal/forwarding"
	"github.com/sfuforge/routingcore/internal/host"
	"github.com/sfuforge/routingcore/internal/ids"
	"github.com/sfuforge/routingcore/internal/logging"
	"github.com/sfuforge/routingcore/internal/metrics"
	"github.com/sfuforge/routingcore/internal/sessiontable"
	"github.com/sfuforge/routingcore/internal/signaling"
	"github.com/sfuforge/routingcore/internal/switchboard"
)

// Core is the routing engine's top-level object.
type Core struct {
	cfg config.Config

	table      *sessiontable.Table
	board      *switchboard.Board
	registry   *ids.Registry
	path       *forwarding.Path
	dispatcher *signaling.Dispatcher
}

// New assembles a Core against the given host callbacks. The block
// store named by the configuration is dialed and the persisted block
// set seeded before New returns, so no traffic ever races the seed.
func New(ctx context.Context, cfg config.Config, h host.Host) (*Core, error) {
	table := sessiontable.New()
	board := switchboard.New(cfg.MaxRoomSize)

	switch cfg.BlockStore {
	case config.BlockStoreFile:
		if err := board.SetStore(ctx, switchboard.FileBlockStore{Path: cfg.BlockStorePath}); err != nil {
			return nil, err
		}
	case config.BlockStoreRedis:
		store, err := switchboard.NewRedisBlockStore(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		if err := board.SetStore(ctx, store); err != nil {
			return nil, err
		}
	}

	path := forwarding.New(table, board, h)
	registry := ids.NewRegistry()
	dispatcher, err := signaling.New(table, board, registry, path, h, cfg.SignallingRatePerSession)
	if err != nil {
		return nil, err
	}

	return &Core{
		cfg:        cfg,
		table:      table,
		board:      board,
		registry:   registry,
		path:       path,
		dispatcher: dispatcher,
	}, nil
}

// CreateSession registers a newly attached host session handle.
func (c *Core) CreateSession(handle uint64) {
	c.table.Insert(sessiontable.Handle(handle))
	metrics.IncSession()
	logging.Info(context.Background(), "session attached")
}

// DestroySession runs the teardown cascade for a detached handle:
// switchboard leave (with its leave event), negotiator cancellation,
// then removal from the session table. Safe against an unknown or
// already-removed handle. When DestroySession returns, no further
// operation will touch the handle.
func (c *Core) DestroySession(handle uint64) {
	h := sessiontable.Handle(handle)
	ctx := context.Background()
	removed := c.table.Remove(h, func(*sessiontable.Session) {
		c.dispatcher.SessionClosed(ctx, h)
	})
	if removed {
		metrics.DecSession()
	}
}

// HandleMessage dispatches one inbound control message and returns the
// encoded reply plus an optional JSEP to enclose with it. Asynchronous
// events caused by the message reach other sessions via the host's
// push primitive before HandleMessage returns.
func (c *Core) HandleMessage(ctx context.Context, handle uint64, transaction string, body []byte, jsep *host.JSEP) ([]byte, *host.JSEP, error) {
	reply, replyJSEP := c.dispatcher.Dispatch(ctx, sessiontable.Handle(handle), transaction, body, jsep)
	raw, err := json.Marshal(reply)
	if err != nil {
		return nil, nil, fmt.Errorf("core: encode reply: %w", err)
	}
	return raw, replyJSEP, nil
}

// IncomingRTP forwards one RTP packet from the given session.
func (c *Core) IncomingRTP(handle uint64, video bool, buf []byte) {
	c.path.IncomingRTP(sessiontable.Handle(handle), video, buf)
}

// IncomingRTCP forwards one RTCP packet from the given session.
func (c *Core) IncomingRTCP(handle uint64, video bool, buf []byte) {
	c.path.IncomingRTCP(sessiontable.Handle(handle), video, buf)
}

// IncomingData forwards one data-channel payload from the given
// session.
func (c *Core) IncomingData(handle uint64, label, protocol string, binary bool, buf []byte) {
	c.path.IncomingData(sessiontable.Handle(handle), label, protocol, binary, buf)
}

// Sessions reports the current live-session count.
func (c *Core) Sessions() int { return c.table.Len() }

// Rooms reports the currently non-empty rooms.
func (c *Core) Rooms() []ids.RoomID { return c.board.Rooms() }

// Shutdown drains every live session and returns once all in-flight
// forwarding-path guards have released, or once ctx expires. After
// Shutdown no handle remains in the table and every room is empty.
func (c *Core) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		for _, h := range c.table.Handles() {
			c.DestroySession(uint64(h))
		}
		close(done)
	}()

	select {
	case <-done:
		logging.Info(ctx, "core shut down cleanly")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("core: shutdown interrupted with %d sessions remaining: %w", c.table.Len(), ctx.Err())
	}
}
