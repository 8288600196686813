// Package hub owns the room-code-to-session mapping: the only resource
// shared across rooms. It runs as its own actor so concurrent creations and
// removals serialize here while each room's internals stay untouched.
package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/clay-spfmlp/agile-hub/internal/engine"
	"github.com/clay-spfmlp/agile-hub/internal/persist"
	"github.com/clay-spfmlp/agile-hub/internal/room"
)

var ErrTooManySessions = errors.New("live session limit reached")

type Msg interface{ isHubMsg() }

type CreateParams struct {
	Name        string
	ScaleName   string
	ScaleValues []engine.Card
	Settings    engine.Settings
	Items       []*engine.Item
}

type Create struct {
	Params CreateParams
	Reply  chan CreateResult
}

type CreateResult struct {
	Code string
	Room *room.Room
	Err  error
}

type Get struct {
	Code  string
	Reply chan *room.Room
}

type Remove struct{ Code string }

type ShutdownHub struct{}

func (Create) isHubMsg()      {}
func (Get) isHubMsg()         {}
func (Remove) isHubMsg()      {}
func (ShutdownHub) isHubMsg() {}

type Options struct {
	SessionTTL      time.Duration
	SweepInterval   time.Duration
	EmptyGrace      time.Duration
	GraceWindow     time.Duration
	MaxSessions     int
	MaxParticipants int
	Sink            persist.Sink
	Logger          *zap.Logger
	Clock           func() time.Time
}

type entry struct {
	room       *room.Room
	emptySince time.Time
}

type Hub struct {
	inbox chan Msg
	rooms map[string]*entry
	opts  Options
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 4 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.EmptyGrace <= 0 {
		opts.EmptyGrace = 2 * time.Minute
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 30 * time.Second
	}
	h := &Hub{
		inbox:  make(chan Msg, 64),
		rooms:  make(map[string]*entry),
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

func (h *Hub) loop() {
	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-ticker.C:
			h.sweep()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Create:
				msg.Reply <- h.create(msg.Params)

			case Get:
				if e := h.rooms[Normalize(msg.Code)]; e != nil {
					msg.Reply <- e.room
				} else {
					msg.Reply <- nil
				}

			case Remove:
				h.remove(Normalize(msg.Code))

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) create(params CreateParams) CreateResult {
	if h.opts.MaxSessions > 0 && len(h.rooms) >= h.opts.MaxSessions {
		return CreateResult{Err: ErrTooManySessions}
	}

	scale := engine.DefaultScale()
	if params.ScaleName != "" || len(params.ScaleValues) > 0 {
		s, err := engine.NewScale(params.ScaleName, params.ScaleValues)
		if err != nil {
			return CreateResult{Err: err}
		}
		scale = s
	}

	var code string
	for {
		c, err := GenerateCode()
		if err != nil {
			return CreateResult{Err: err}
		}
		if _, taken := h.rooms[c]; !taken {
			code = c
			break
		}
		h.log.Debug("room code collision, regenerating", zap.String("code", c))
	}

	now := h.opts.Clock()
	session := engine.NewSession(code, params.Name, scale, params.Settings, params.Items, h.opts.MaxParticipants, now, h.opts.SessionTTL)
	rm := room.New(h.ctx, session, room.Options{
		GraceWindow: h.opts.GraceWindow,
		Sink:        h.opts.Sink,
		Logger:      h.log,
		Clock:       h.opts.Clock,
	})
	h.rooms[code] = &entry{room: rm}
	h.log.Info("session created", zap.String("code", code), zap.String("scale", scale.Name))
	return CreateResult{Code: code, Room: rm}
}

// sweep reclaims rooms that ended, expired, or sat empty past the grace
// period. It runs on the ticker only, never inline with a client request,
// so a late reconnect can't race its own room's teardown.
func (h *Hub) sweep() {
	now := h.opts.Clock()
	for code, e := range h.rooms {
		reply := make(chan room.StatsReply, 1)
		e.room.Inbox() <- room.Stats{Reply: reply}

		var stats room.StatsReply
		select {
		case stats = <-reply:
		case <-time.After(time.Second):
			continue
		}

		switch {
		case stats.Ended, now.After(stats.ExpiresAt):
			h.remove(code)
		case stats.Participants == 0:
			if e.emptySince.IsZero() {
				e.emptySince = now
			} else if now.Sub(e.emptySince) > h.opts.EmptyGrace {
				h.remove(code)
			}
		default:
			e.emptySince = time.Time{}
		}
	}
}

func (h *Hub) remove(code string) {
	e, ok := h.rooms[code]
	if !ok {
		return
	}
	e.room.Inbox() <- room.Shutdown{}
	delete(h.rooms, code)
	h.log.Info("session removed", zap.String("code", code))
}

func (h *Hub) shutdown() {
	for code, e := range h.rooms {
		e.room.Inbox() <- room.Shutdown{}
		delete(h.rooms, code)
	}
	h.cancel()
}
