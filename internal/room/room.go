// Package room runs one goroutine per live session. That goroutine is the
// session's single serialization point: every action, timer fire, and
// connection change for a room flows through its inbox and is applied in
// arrival order. Rooms never share state, so a fault in one cannot reach
// another.
package room

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/clay-spfmlp/agile-hub/internal/engine"
	"github.com/clay-spfmlp/agile-hub/internal/persist"
	"github.com/clay-spfmlp/agile-hub/pkg/protocol"
)

type Msg interface{ isRoomMsg() }

// Attach registers a connection. The snapshot is generated and queued on the
// outbox in the same loop iteration that adds the subscription, so no event
// can slip between snapshot and stream start.
type Attach struct {
	ConnID string
	Token  string
	Name   string
	Role   engine.Role
	Outbox chan protocol.ServerMessage
	Reply  chan AttachResult
}

type AttachResult struct {
	ParticipantID string
	Token         string
	Err           error
}

// Detach marks the connection's participant as disconnected and arms the
// grace timer. The participant's vote survives until the timer expires.
type Detach struct{ ConnID string }

// FromClient is one decoded action from a connected client.
type FromClient struct {
	ConnID string
	Msg    protocol.ClientMessage
}

type Shutdown struct{}

// Stats is how the hub's sweeper inspects a room without touching its state.
type Stats struct{ Reply chan StatsReply }

type StatsReply struct {
	Participants int
	Connected    int
	Ended        bool
	ExpiresAt    time.Time
}

// GetView reflects internal state for tests without data races.
type GetView struct{ Reply chan View }

type View struct {
	Phase         engine.Phase
	HostID        string
	NumClients    int
	Participants  int
	OpenVotes     int
	Result        *engine.Summary
	CurrentItemID string
	Ended         bool
}

type graceExpired struct {
	participantID string
	gen           int
}

type timerFired struct{ gen int }

func (Attach) isRoomMsg()       {}
func (Detach) isRoomMsg()       {}
func (FromClient) isRoomMsg()   {}
func (Shutdown) isRoomMsg()     {}
func (Stats) isRoomMsg()        {}
func (GetView) isRoomMsg()      {}
func (graceExpired) isRoomMsg() {}
func (timerFired) isRoomMsg()   {}

type client struct {
	connID        string
	participantID string
	outbox        chan protocol.ServerMessage
}

type Options struct {
	GraceWindow time.Duration
	Sink        persist.Sink
	Logger      *zap.Logger
	Clock       func() time.Time
}

type Room struct {
	code    string
	inbox   chan Msg
	session *engine.Session
	clients map[string]*client // by connection id
	conns   map[string]string  // participant id -> connection id

	graceGen map[string]int
	timerGen int

	grace time.Duration
	sink  persist.Sink
	log   *zap.Logger
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, session *engine.Session, opts Options) *Room {
	ctx, cancel := context.WithCancel(parent)
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sink == nil {
		opts.Sink = persist.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Room{
		code:     session.Code,
		inbox:    make(chan Msg, 64),
		session:  session,
		clients:  make(map[string]*client),
		conns:    make(map[string]string),
		graceGen: make(map[string]int),
		grace:    opts.GraceWindow,
		sink:     opts.Sink,
		log:      opts.Logger.With(zap.String("room", session.Code)),
		now:      opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

// Inbox is where the ws layer, the hub, and tests send messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Attach:
				r.handleAttach(msg)

			case Detach:
				r.handleDetach(msg.ConnID)

			case FromClient:
				r.handleAction(msg)

			case graceExpired:
				if msg.gen != r.graceGen[msg.participantID] {
					break // reconnected or already evicted
				}
				delete(r.graceGen, msg.participantID)
				events, err := r.session.Evict(msg.participantID, r.now())
				if err != nil {
					break
				}
				r.log.Info("participant evicted after grace window",
					zap.String("participant", msg.participantID))
				r.handleEvents(events)

			case timerFired:
				if msg.gen != r.timerGen {
					break // round already revealed or reopened
				}
				events, err := engine.Apply(r.session, engine.Command{Type: engine.CmdTimerExpired, Now: r.now()})
				if err != nil {
					break
				}
				r.log.Info("voting timer expired, revealing")
				r.handleEvents(events)

			case Stats:
				msg.Reply <- StatsReply{
					Participants: len(r.session.Participants),
					Connected:    r.session.ConnectedCount(),
					Ended:        r.session.Ended,
					ExpiresAt:    r.session.ExpiresAt,
				}

			case GetView:
				v := View{
					Phase:         r.session.Phase,
					HostID:        r.session.HostID,
					NumClients:    len(r.clients),
					Participants:  len(r.session.Participants),
					Result:        r.session.Result,
					CurrentItemID: r.session.CurrentItemID,
					Ended:         r.session.Ended,
				}
				if r.session.Round != nil {
					v.OpenVotes = len(r.session.Round.Votes)
				}
				msg.Reply <- v

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleAttach(msg Attach) {
	p, events, err := r.session.Join(msg.Token, msg.Name, msg.Role, r.now())
	if err != nil {
		msg.Reply <- AttachResult{Err: err}
		return
	}

	// Same identity on a second live connection: the newer connection wins
	// and the older one is told why it is being cut off.
	if oldConn, ok := r.conns[p.ID]; ok && oldConn != msg.ConnID {
		if old := r.clients[oldConn]; old != nil {
			r.trySend(old, protocol.ServerMessage{Type: protocol.EventSessionTakenOver})
			close(old.outbox)
			delete(r.clients, oldConn)
		}
	}
	r.graceGen[p.ID]++ // cancels any pending eviction

	c := &client{connID: msg.ConnID, participantID: p.ID, outbox: msg.Outbox}
	r.clients[msg.ConnID] = c
	r.conns[p.ID] = msg.ConnID

	// Snapshot before anything else can reach this outbox.
	c.outbox <- protocol.ServerMessage{Type: protocol.EventStateSnapshot, State: snapshotFor(r.session, p.ID, p.Token)}
	msg.Reply <- AttachResult{ParticipantID: p.ID, Token: p.Token}

	r.broadcastExcept(msg.ConnID, events)
}

func (r *Room) handleDetach(connID string) {
	c, ok := r.clients[connID]
	if !ok {
		return
	}
	delete(r.clients, connID)
	close(c.outbox)
	if r.conns[c.participantID] != connID {
		return // connection was already superseded by a takeover
	}
	delete(r.conns, c.participantID)

	events, err := r.session.MarkDisconnected(c.participantID, r.now())
	if err != nil {
		return
	}
	r.armGraceTimer(c.participantID)
	r.handleEvents(events)
}

func (r *Room) handleAction(msg FromClient) {
	c, ok := r.clients[msg.ConnID]
	if !ok {
		return
	}

	if msg.Msg.Type == protocol.ActionLeave {
		// Voluntary exit: immediate eviction, no grace.
		delete(r.clients, msg.ConnID)
		delete(r.conns, c.participantID)
		r.graceGen[c.participantID]++
		close(c.outbox)
		events, err := r.session.Evict(c.participantID, r.now())
		if err != nil {
			return
		}
		r.handleEvents(events)
		return
	}

	cmd, ok := toCommand(msg.Msg, c.participantID, r.now())
	if !ok {
		r.trySend(c, protocol.ServerMessage{Type: protocol.EventActionRejected, Reason: "unknown action"})
		return
	}

	events, err := engine.Apply(r.session, cmd)
	if err != nil {
		// Rejections go to the initiator only; no state changed, nothing to
		// broadcast.
		r.trySend(c, protocol.ServerMessage{Type: protocol.EventActionRejected, Reason: err.Error()})
		return
	}
	r.handleEvents(events)
}

// handleEvents runs side effects (timers, finalize sideline) and fans the
// events out to every connected client.
func (r *Room) handleEvents(events []engine.Event) {
	for _, ev := range events {
		switch ev.Type {
		case engine.EvtPhaseChanged:
			if ev.Phase == engine.PhaseVoting {
				r.armVotingTimer()
			}
		case engine.EvtRoundRevealed:
			r.timerGen++ // disarm the voting timer
		case engine.EvtItemFinalized:
			r.finalize(ev)
		}
	}
	r.broadcastExcept("", events)
}

func (r *Room) broadcastExcept(skipConnID string, events []engine.Event) {
	if len(events) == 0 {
		return
	}
	var dropped []string
	for connID, c := range r.clients {
		if connID == skipConnID {
			continue
		}
		for _, ev := range events {
			out, ok := projectEvent(ev, c.participantID)
			if !ok {
				continue
			}
			if !r.send(c, out) {
				dropped = append(dropped, connID)
				break
			}
		}
	}
	for _, connID := range dropped {
		r.dropClient(connID)
	}
}

// send delivers without blocking the loop. A full outbox means the client
// is too slow to keep its view consistent; the caller drops it.
func (r *Room) send(c *client, out protocol.ServerMessage) bool {
	select {
	case c.outbox <- out:
		return true
	default:
		return false
	}
}

// trySend is send for scoped one-offs where a slow client is just pruned
// without the detach bookkeeping cascading.
func (r *Room) trySend(c *client, out protocol.ServerMessage) {
	select {
	case c.outbox <- out:
	default:
	}
}

func (r *Room) dropClient(connID string) {
	if _, ok := r.clients[connID]; !ok {
		return
	}
	r.log.Warn("dropping slow client", zap.String("conn", connID))
	r.handleDetach(connID)
}

func (r *Room) armGraceTimer(participantID string) {
	r.graceGen[participantID]++
	gen := r.graceGen[participantID]
	grace := r.grace
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case r.inbox <- graceExpired{participantID: participantID, gen: gen}:
			case <-r.ctx.Done():
			}
		case <-r.ctx.Done():
		}
	}()
}

func (r *Room) armVotingTimer() {
	d := r.session.Settings.TimerDuration
	r.timerGen++
	if d <= 0 {
		return
	}
	gen := r.timerGen
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case r.inbox <- timerFired{gen: gen}:
			case <-r.ctx.Done():
			}
		case <-r.ctx.Done():
		}
	}()
}

// finalize emits the record for the persistence collaborator. Best effort:
// the goroutine logs failures and nobody waits for it.
func (r *Room) finalize(ev engine.Event) {
	snapshot, err := json.Marshal(ev.Votes)
	if err != nil {
		snapshot = []byte("[]")
	}
	rec := persist.FinalizedItem{
		SessionCode:   r.code,
		ItemID:        ev.ItemID,
		FinalEstimate: string(ev.Value),
		VoteSnapshot:  string(snapshot),
		FinalizedAt:   r.now(),
	}
	if ev.Item != nil {
		rec.ItemTitle = ev.Item.Title
	}
	sink, log := r.sink, r.log
	go func() {
		if err := sink.SaveFinalized(context.Background(), rec); err != nil {
			log.Warn("finalize record not persisted", zap.String("item", rec.ItemID), zap.Error(err))
		}
	}()
}

func (r *Room) shutdown() {
	for id, c := range r.clients {
		close(c.outbox)
		delete(r.clients, id)
	}
	r.cancel()
}
