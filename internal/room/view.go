package room

import (
	"sort"
	"time"

	"github.com/clay-spfmlp/agile-hub/internal/engine"
	"github.com/clay-spfmlp/agile-hub/pkg/protocol"
)

// snapshotFor projects the full session state for one viewer. Vote values
// belong to their owners until the round closes: before reveal the viewer
// sees everyone's hasVoted flag, their own vote, and nothing else.
func snapshotFor(s *engine.Session, viewerID, token string) *protocol.SessionView {
	view := &protocol.SessionView{
		Code:        s.Code,
		Name:        s.Name,
		SelfID:      viewerID,
		Token:       token,
		Phase:       s.Phase,
		HostID:      s.HostID,
		Scale:       s.Scale,
		CurrentItem: s.CurrentItemID,
		Settings: protocol.SettingsView{
			AutoReveal:    s.Settings.AutoReveal,
			AllowRevoting: s.Settings.AllowRevoting,
			TimerSeconds:  int(s.Settings.TimerDuration / time.Second),
		},
		Result: s.Result,
	}

	for _, it := range s.Items {
		view.Items = append(view.Items, *it)
	}

	for _, p := range s.Participants {
		pv := protocol.ParticipantView{
			ID:        p.ID,
			Name:      p.Name,
			Role:      p.Role,
			Connected: p.Connection == engine.Connected,
			JoinedAt:  p.JoinedAt,
		}
		if s.Round != nil {
			_, pv.HasVoted = s.Round.Votes[p.ID]
		}
		view.Participants = append(view.Participants, pv)
	}
	sort.Slice(view.Participants, func(i, j int) bool {
		if view.Participants[i].JoinedAt.Equal(view.Participants[j].JoinedAt) {
			return view.Participants[i].ID < view.Participants[j].ID
		}
		return view.Participants[i].JoinedAt.Before(view.Participants[j].JoinedAt)
	})

	if s.Round != nil {
		view.RoundStatus = s.Round.Status
		if own, ok := s.Round.Votes[viewerID]; ok {
			view.OwnVote = own.Value
		}
		if s.Round.Status == engine.RoundClosed {
			votes := make([]engine.Vote, 0, len(s.Round.Votes))
			for _, v := range s.Round.Votes {
				votes = append(votes, v)
			}
			sort.Slice(votes, func(i, j int) bool { return votes[i].ParticipantID < votes[j].ParticipantID })
			view.Votes = votes
		}
	}
	return view
}

// projectEvent turns an engine event into the wire message one viewer may
// see. A vote submission acknowledges the value to the submitter; everyone
// else learns only that this participant has voted.
func projectEvent(ev engine.Event, viewerID string) (protocol.ServerMessage, bool) {
	switch ev.Type {
	case engine.EvtParticipantJoined:
		return protocol.ServerMessage{Type: protocol.EventParticipantJoined, Participant: ev.Participant}, true
	case engine.EvtParticipantLeft:
		return protocol.ServerMessage{Type: protocol.EventParticipantLeft, ParticipantID: ev.ParticipantID}, true
	case engine.EvtParticipantDisconnected:
		return protocol.ServerMessage{Type: protocol.EventParticipantDisconnected, ParticipantID: ev.ParticipantID}, true
	case engine.EvtHostChanged:
		return protocol.ServerMessage{Type: protocol.EventHostChanged, ParticipantID: ev.ParticipantID}, true
	case engine.EvtVoteSubmitted:
		out := protocol.ServerMessage{Type: protocol.EventVoteSubmitted, ParticipantID: ev.ParticipantID}
		if viewerID == ev.ParticipantID {
			out.Value = ev.Value
		}
		return out, true
	case engine.EvtRoundRevealed:
		return protocol.ServerMessage{Type: protocol.EventRoundRevealed, ItemID: ev.ItemID, Votes: ev.Votes, Result: ev.Summary}, true
	case engine.EvtPhaseChanged:
		return protocol.ServerMessage{Type: protocol.EventPhaseChanged, Phase: ev.Phase, ItemID: ev.ItemID}, true
	case engine.EvtItemAdded:
		return protocol.ServerMessage{Type: protocol.EventItemAdded, Item: ev.Item}, true
	case engine.EvtItemFinalized:
		return protocol.ServerMessage{Type: protocol.EventItemFinalized, ItemID: ev.ItemID, Value: ev.Value}, true
	case engine.EvtSessionEnded:
		return protocol.ServerMessage{Type: protocol.EventSessionEnded}, true
	default:
		return protocol.ServerMessage{}, false
	}
}

func toCommand(m protocol.ClientMessage, actorID string, now time.Time) (engine.Command, bool) {
	base := engine.Command{ActorID: actorID, Now: now}
	switch m.Type {
	case protocol.ActionStartVoting:
		base.Type = engine.CmdStartVoting
		base.ItemID = m.ItemID
	case protocol.ActionSubmitVote:
		base.Type = engine.CmdSubmitVote
		base.Value = m.Value
	case protocol.ActionReveal:
		base.Type = engine.CmdReveal
	case protocol.ActionReopenVoting:
		base.Type = engine.CmdReopenVoting
	case protocol.ActionSetFinalEstimate:
		base.Type = engine.CmdSetFinalEstimate
		base.Value = m.Value
	case protocol.ActionNextItem:
		base.Type = engine.CmdNextItem
		base.ItemID = m.ItemID
	case protocol.ActionAddItem:
		base.Type = engine.CmdAddItem
		base.ItemID = m.ItemID
		base.Title = m.Title
		base.Description = m.Description
	default:
		return engine.Command{}, false
	}
	return base, true
}
