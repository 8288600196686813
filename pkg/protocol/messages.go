package protocol

import (
	"time"

	"github.com/clay-spfmlp/agile-hub/internal/engine"
)

// Inbound action types.
const (
	ActionJoin             = "join"
	ActionLeave            = "leave"
	ActionStartVoting      = "startVoting"
	ActionSubmitVote       = "submitVote"
	ActionReveal           = "reveal"
	ActionReopenVoting     = "reopenVoting"
	ActionSetFinalEstimate = "setFinalEstimate"
	ActionNextItem         = "nextItem"
	ActionAddItem          = "addItem"
)

// Outbound event types.
const (
	EventStateSnapshot           = "stateSnapshot"
	EventParticipantJoined       = "participantJoined"
	EventParticipantLeft         = "participantLeft"
	EventParticipantDisconnected = "participantDisconnected"
	EventHostChanged             = "hostChanged"
	EventVoteSubmitted           = "voteSubmitted"
	EventRoundRevealed           = "roundRevealed"
	EventPhaseChanged            = "phaseChanged"
	EventItemAdded               = "itemAdded"
	EventItemFinalized           = "itemFinalized"
	EventSessionEnded            = "sessionEnded"
	EventActionRejected          = "actionRejected"
	EventSessionTakenOver        = "sessionTakenOver"
)

// ClientMessage is one inbound action. Type selects which fields matter.
type ClientMessage struct {
	Type        string      `json:"type"`
	Token       string      `json:"token,omitempty"`
	Name        string      `json:"name,omitempty"`
	Role        string      `json:"role,omitempty"`
	ItemID      string      `json:"itemId,omitempty"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Value       engine.Card `json:"value,omitempty"`
}

// ServerMessage is one outbound event. Type selects which fields are set.
type ServerMessage struct {
	Type          string              `json:"type"`
	State         *SessionView        `json:"state,omitempty"`
	Participant   *engine.Participant `json:"participant,omitempty"`
	ParticipantID string              `json:"participantId,omitempty"`
	ItemID        string              `json:"itemId,omitempty"`
	Item          *engine.Item        `json:"item,omitempty"`
	Value         engine.Card         `json:"value,omitempty"`
	Phase         engine.Phase        `json:"phase,omitempty"`
	Votes         []engine.Vote       `json:"votes,omitempty"`
	Result        *engine.Summary     `json:"result,omitempty"`
	Reason        string              `json:"reason,omitempty"`
}

// SessionView is the per-viewer projection of a session: until the round is
// revealed, other participants' vote values are reduced to a hasVoted flag.
type SessionView struct {
	Code         string             `json:"code"`
	Name         string             `json:"name,omitempty"`
	SelfID       string             `json:"selfId"`
	Token        string             `json:"token,omitempty"`
	Phase        engine.Phase       `json:"phase"`
	HostID       string             `json:"hostId"`
	Scale        engine.Scale       `json:"scale"`
	Settings     SettingsView       `json:"settings"`
	Participants []ParticipantView  `json:"participants"`
	Items        []engine.Item      `json:"items"`
	CurrentItem  string             `json:"currentItemId,omitempty"`
	RoundStatus  engine.RoundStatus `json:"roundStatus,omitempty"`
	OwnVote      engine.Card        `json:"ownVote,omitempty"`
	Votes        []engine.Vote      `json:"votes,omitempty"`
	Result       *engine.Summary    `json:"result,omitempty"`
}

type SettingsView struct {
	AutoReveal    bool `json:"autoReveal"`
	AllowRevoting bool `json:"allowRevoting"`
	TimerSeconds  int  `json:"timerSeconds,omitempty"`
}

type ParticipantView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Role      engine.Role `json:"role"`
	Connected bool        `json:"connected"`
	HasVoted  bool        `json:"hasVoted"`
	JoinedAt  time.Time   `json:"joinedAt"`
}
