package engine

import (
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseVoting     Phase = "voting"
	PhaseDiscussing Phase = "discussing"
	PhaseRevealing  Phase = "revealing"
	PhaseCompleted  Phase = "completed"
)

type Role string

const (
	RoleHost     Role = "host"
	RoleVoter    Role = "voter"
	RoleObserver Role = "observer"
)

// Votable reports whether this role's vote counts toward auto-reveal quorum.
func (r Role) Votable() bool { return r == RoleHost || r == RoleVoter }

type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

type Participant struct {
	ID         string          `json:"id"`
	Token      string          `json:"-"` // identity token, never sent to other clients
	Name       string          `json:"name"`
	Role       Role            `json:"role"`
	Connection ConnectionState `json:"connection"`
	JoinedAt   time.Time       `json:"joinedAt"`
	LastSeenAt time.Time       `json:"lastSeenAt"`
}

type Item struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	FinalEstimate Card   `json:"finalEstimate,omitempty"`
}

type Vote struct {
	ParticipantID string    `json:"participantId"`
	ItemID        string    `json:"itemId"`
	Value         Card      `json:"value"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

type RoundStatus string

const (
	RoundOpen   RoundStatus = "open"
	RoundClosed RoundStatus = "closed"
)

// Round is the voting activity scoped to one work item. One vote per
// participant; resubmission overwrites.
type Round struct {
	ItemID  string          `json:"itemId"`
	OpensAt time.Time       `json:"opensAt"`
	Status  RoundStatus     `json:"status"`
	Votes   map[string]Vote `json:"votes"`
}

type Settings struct {
	AutoReveal    bool          `json:"autoReveal"`
	AllowRevoting bool          `json:"allowRevoting"`
	TimerDuration time.Duration `json:"timerDuration,omitempty"`
}

// Session is one room's authoritative state. It is owned by exactly one room
// actor; nothing here is safe for concurrent use.
type Session struct {
	Code            string                  `json:"code"`
	Name            string                  `json:"name,omitempty"`
	Phase           Phase                   `json:"phase"`
	HostID          string                  `json:"hostId"`
	Scale           Scale                   `json:"scale"`
	Settings        Settings                `json:"settings"`
	Participants    map[string]*Participant `json:"participants"`
	Items           []*Item                 `json:"items"`
	CurrentItemID   string                  `json:"currentItemId,omitempty"`
	Round           *Round                  `json:"round,omitempty"`
	Result          *Summary                `json:"result,omitempty"`
	MaxParticipants int                     `json:"-"`
	CreatedAt       time.Time               `json:"createdAt"`
	ExpiresAt       time.Time               `json:"expiresAt"`
	Ended           bool                    `json:"ended"`
}

func NewSession(code, name string, scale Scale, settings Settings, items []*Item, maxParticipants int, now time.Time, ttl time.Duration) *Session {
	return &Session{
		Code:            code,
		Name:            name,
		Phase:           PhaseWaiting,
		Scale:           scale,
		Settings:        settings,
		Participants:    make(map[string]*Participant),
		Items:           items,
		MaxParticipants: maxParticipants,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

func (s *Session) item(id string) *Item {
	for _, it := range s.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// nextPendingItem returns the first queued item with no final estimate that
// is not the one just completed.
func (s *Session) nextPendingItem() *Item {
	for _, it := range s.Items {
		if it.FinalEstimate == "" && it.ID != s.CurrentItemID {
			return it
		}
	}
	return nil
}

// ConnectedCount counts participants currently connected.
func (s *Session) ConnectedCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Connection == Connected {
			n++
		}
	}
	return n
}

// quorumReached reports whether every connected votable participant has a
// vote in the open round. Observers never block quorum.
func (s *Session) quorumReached() bool {
	if s.Round == nil || s.Round.Status != RoundOpen {
		return false
	}
	voters := 0
	for id, p := range s.Participants {
		if p.Connection != Connected || !p.Role.Votable() {
			continue
		}
		voters++
		if _, ok := s.Round.Votes[id]; !ok {
			return false
		}
	}
	return voters > 0
}

// Join attaches a participant. A token matching an existing participant
// resurrects that identity, preserving its vote in the open round; otherwise
// a new participant is created. The first participant in an empty session
// becomes host.
func (s *Session) Join(token, name string, role Role, now time.Time) (*Participant, []Event, error) {
	if s.Ended {
		return nil, nil, ErrSessionEnded
	}
	if token != "" {
		for _, p := range s.Participants {
			if p.Token == token {
				p.Connection = Connected
				p.LastSeenAt = now
				if name != "" {
					p.Name = name
				}
				events := []Event{{Type: EvtParticipantJoined, Participant: snapshotParticipant(p)}}
				return p, events, nil
			}
		}
	}
	if s.MaxParticipants > 0 && len(s.Participants) >= s.MaxParticipants {
		return nil, nil, ErrSessionFull
	}
	if token == "" {
		token = uuid.NewString()
	}
	// Clients pick voter or observer; host is assigned, never claimed, and
	// anything unrecognized falls back to voter.
	if role != RoleVoter && role != RoleObserver {
		role = RoleVoter
	}
	p := &Participant{
		ID:         uuid.NewString(),
		Token:      token,
		Name:       name,
		Role:       role,
		Connection: Connected,
		JoinedAt:   now,
		LastSeenAt: now,
	}
	events := []Event{}
	if s.HostID == "" {
		p.Role = RoleHost
		s.HostID = p.ID
		events = append(events, Event{Type: EvtHostChanged, ParticipantID: p.ID})
	}
	s.Participants[p.ID] = p
	events = append([]Event{{Type: EvtParticipantJoined, Participant: snapshotParticipant(p)}}, events...)
	return p, events, nil
}

// MarkDisconnected flags a participant as gone without voiding anything; the
// caller is expected to arm a grace timer and Evict on expiry. Quorum is
// re-checked because the connected population shrank.
func (s *Session) MarkDisconnected(participantID string, now time.Time) ([]Event, error) {
	p, ok := s.Participants[participantID]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	if p.Connection == Disconnected {
		return nil, nil
	}
	p.Connection = Disconnected
	p.LastSeenAt = now
	events := []Event{{Type: EvtParticipantDisconnected, ParticipantID: p.ID}}
	return s.maybeAutoReveal(events, now), nil
}

// Evict removes a participant for good: its vote in the open round is voided
// and host duty moves to the longest-connected survivor. Closed-round votes
// are untouched; the aggregation already computed stands.
func (s *Session) Evict(participantID string, now time.Time) ([]Event, error) {
	p, ok := s.Participants[participantID]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	delete(s.Participants, participantID)
	if s.Round != nil && s.Round.Status == RoundOpen {
		delete(s.Round.Votes, participantID)
	}
	events := []Event{{Type: EvtParticipantLeft, ParticipantID: p.ID, Participant: snapshotParticipant(p)}}
	if s.HostID == participantID {
		s.HostID = ""
		if next := s.oldestRemaining(); next != nil {
			next.Role = RoleHost
			s.HostID = next.ID
			events = append(events, Event{Type: EvtHostChanged, ParticipantID: next.ID})
		}
	}
	return s.maybeAutoReveal(events, now), nil
}

func (s *Session) oldestRemaining() *Participant {
	var best *Participant
	// Connected participants outrank disconnected ones still in grace.
	better := func(a, b *Participant) bool {
		if (a.Connection == Connected) != (b.Connection == Connected) {
			return a.Connection == Connected
		}
		return a.JoinedAt.Before(b.JoinedAt)
	}
	for _, p := range s.Participants {
		if best == nil || better(p, best) {
			best = p
		}
	}
	return best
}

func snapshotParticipant(p *Participant) *Participant {
	c := *p
	c.Token = ""
	return &c
}
