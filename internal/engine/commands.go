package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrWrongPhase         = errors.New("action not allowed in current phase")
	ErrNotHost            = errors.New("action restricted to the host")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrUnknownItem        = errors.New("unknown work item")
	ErrIllegalVote        = errors.New("value is not on the voting scale")
	ErrRevotingDisabled   = errors.New("revoting is disabled for this session")
	ErrItemFinalized      = errors.New("item already has a final estimate")
	ErrNoPendingItems     = errors.New("no work items left to estimate")
	ErrSessionFull        = errors.New("participant limit reached")
	ErrSessionEnded       = errors.New("session has ended")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

type CommandType string

const (
	CmdStartVoting      CommandType = "StartVoting"
	CmdSubmitVote       CommandType = "SubmitVote"
	CmdReveal           CommandType = "Reveal"
	CmdReopenVoting     CommandType = "ReopenVoting"
	CmdSetFinalEstimate CommandType = "SetFinalEstimate"
	CmdNextItem         CommandType = "NextItem"
	CmdAddItem          CommandType = "AddItem"
	CmdTimerExpired     CommandType = "TimerExpired"
)

// Command is one client (or timer) action against a session. ActorID is
// empty only for engine-internal commands such as TimerExpired.
type Command struct {
	Type        CommandType
	ActorID     string
	ItemID      string
	Title       string
	Description string
	Value       Card
	Now         time.Time
}

type EventType string

const (
	EvtParticipantJoined       EventType = "ParticipantJoined"
	EvtParticipantLeft         EventType = "ParticipantLeft"
	EvtParticipantDisconnected EventType = "ParticipantDisconnected"
	EvtHostChanged             EventType = "HostChanged"
	EvtVoteSubmitted           EventType = "VoteSubmitted"
	EvtRoundRevealed           EventType = "RoundRevealed"
	EvtPhaseChanged            EventType = "PhaseChanged"
	EvtItemAdded               EventType = "ItemAdded"
	EvtItemFinalized           EventType = "ItemFinalized"
	EvtSessionEnded            EventType = "SessionEnded"
)

type Event struct {
	Type          EventType
	ParticipantID string
	Participant   *Participant
	ItemID        string
	Value         Card
	Phase         Phase
	Votes         []Vote
	Summary       *Summary
	Item          *Item
}

// Apply validates cmd against the session's phase and the actor's identity,
// mutates the session on success, and returns the events to broadcast. On
// error the session is unchanged and nothing should be broadcast beyond a
// rejection scoped to the actor.
func Apply(s *Session, cmd Command) ([]Event, error) {
	if s.Ended {
		return nil, ErrSessionEnded
	}

	switch cmd.Type {
	case CmdStartVoting:
		if _, ok := s.Participants[cmd.ActorID]; !ok {
			return nil, ErrUnknownParticipant
		}
		if s.Phase != PhaseWaiting && s.Phase != PhaseCompleted {
			return nil, ErrWrongPhase
		}
		it := s.item(cmd.ItemID)
		if it == nil {
			return nil, ErrUnknownItem
		}
		if it.FinalEstimate != "" {
			// Reopening an estimated item is a host decision.
			if cmd.ActorID != s.HostID {
				return nil, ErrItemFinalized
			}
			it.FinalEstimate = ""
		}
		return s.openRound(it.ID, cmd.Now), nil

	case CmdSubmitVote:
		if s.Phase != PhaseVoting {
			return nil, ErrWrongPhase
		}
		p, ok := s.Participants[cmd.ActorID]
		if !ok {
			return nil, ErrUnknownParticipant
		}
		if !s.Scale.Contains(cmd.Value) {
			return nil, ErrIllegalVote
		}
		s.Round.Votes[p.ID] = Vote{
			ParticipantID: p.ID,
			ItemID:        s.Round.ItemID,
			Value:         cmd.Value,
			SubmittedAt:   cmd.Now,
		}
		events := []Event{{Type: EvtVoteSubmitted, ParticipantID: p.ID, Value: cmd.Value}}
		return s.maybeAutoReveal(events, cmd.Now), nil

	case CmdReveal:
		if err := s.requireHost(cmd.ActorID); err != nil {
			return nil, err
		}
		if s.Phase != PhaseVoting {
			return nil, ErrWrongPhase
		}
		return s.reveal(nil), nil

	case CmdReopenVoting:
		if err := s.requireHost(cmd.ActorID); err != nil {
			return nil, err
		}
		if s.Phase != PhaseRevealing {
			return nil, ErrWrongPhase
		}
		if !s.Settings.AllowRevoting {
			return nil, ErrRevotingDisabled
		}
		return s.openRound(s.CurrentItemID, cmd.Now), nil

	case CmdSetFinalEstimate:
		if err := s.requireHost(cmd.ActorID); err != nil {
			return nil, err
		}
		if s.Phase != PhaseRevealing {
			return nil, ErrWrongPhase
		}
		it := s.item(s.CurrentItemID)
		if it == nil {
			return nil, ErrUnknownItem
		}
		it.FinalEstimate = cmd.Value
		s.Phase = PhaseCompleted
		votes := s.voteSnapshot()
		return []Event{
			{Type: EvtItemFinalized, ItemID: it.ID, Value: cmd.Value, Votes: votes, Item: it},
			{Type: EvtPhaseChanged, Phase: PhaseCompleted, ItemID: it.ID},
		}, nil

	case CmdNextItem:
		if err := s.requireHost(cmd.ActorID); err != nil {
			return nil, err
		}
		if s.Phase != PhaseCompleted {
			return nil, ErrWrongPhase
		}
		var it *Item
		if cmd.ItemID != "" {
			if it = s.item(cmd.ItemID); it == nil {
				return nil, ErrUnknownItem
			}
		} else if it = s.nextPendingItem(); it == nil {
			// Queue exhausted: the session is done.
			s.Ended = true
			return []Event{{Type: EvtSessionEnded}}, nil
		}
		if it.FinalEstimate != "" {
			it.FinalEstimate = ""
		}
		return s.openRound(it.ID, cmd.Now), nil

	case CmdAddItem:
		if err := s.requireHost(cmd.ActorID); err != nil {
			return nil, err
		}
		it := &Item{ID: cmd.ItemID, Title: cmd.Title, Description: cmd.Description}
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if s.item(it.ID) != nil {
			return nil, errors.New("duplicate item id")
		}
		s.Items = append(s.Items, it)
		return []Event{{Type: EvtItemAdded, Item: it, ItemID: it.ID}}, nil

	case CmdTimerExpired:
		// Soft deadline: reveal whatever votes exist, auto-reveal setting or
		// not. Stale fires land here after a reveal and are rejected.
		if s.Phase != PhaseVoting {
			return nil, ErrWrongPhase
		}
		return s.reveal(nil), nil

	default:
		return nil, ErrUnsupportedCommand
	}
}

func (s *Session) requireHost(actorID string) error {
	if _, ok := s.Participants[actorID]; !ok {
		return ErrUnknownParticipant
	}
	if actorID != s.HostID {
		return ErrNotHost
	}
	return nil
}

func (s *Session) openRound(itemID string, now time.Time) []Event {
	s.CurrentItemID = itemID
	s.Round = &Round{
		ItemID:  itemID,
		OpensAt: now,
		Status:  RoundOpen,
		Votes:   make(map[string]Vote),
	}
	s.Result = nil
	s.Phase = PhaseVoting
	return []Event{{Type: EvtPhaseChanged, Phase: PhaseVoting, ItemID: itemID}}
}

// reveal closes the round, runs aggregation, and moves to Revealing. Extra
// events already accumulated by the caller are emitted first.
func (s *Session) reveal(events []Event) []Event {
	s.Round.Status = RoundClosed
	summary := Summarize(s.voteSnapshot(), s.Scale)
	s.Result = &summary
	s.Phase = PhaseRevealing
	return append(events,
		Event{Type: EvtRoundRevealed, ItemID: s.Round.ItemID, Votes: s.voteSnapshot(), Summary: s.Result},
		Event{Type: EvtPhaseChanged, Phase: PhaseRevealing, ItemID: s.Round.ItemID},
	)
}

func (s *Session) maybeAutoReveal(events []Event, now time.Time) []Event {
	if s.Phase == PhaseVoting && s.Settings.AutoReveal && s.quorumReached() {
		return s.reveal(events)
	}
	return events
}

// voteSnapshot copies the current round's votes in a stable order.
func (s *Session) voteSnapshot() []Vote {
	if s.Round == nil {
		return nil
	}
	votes := make([]Vote, 0, len(s.Round.Votes))
	for _, v := range s.Round.Votes {
		votes = append(votes, v)
	}
	sortVotes(votes)
	return votes
}
