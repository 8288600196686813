package room

import (
	"context"
	"testing"
	"time"

	"github.com/clay-spfmlp/agile-hub/internal/engine"
	"github.com/clay-spfmlp/agile-hub/pkg/protocol"
)

func newTestRoom(t *testing.T, settings engine.Settings, grace time.Duration, itemIDs ...string) *Room {
	t.Helper()
	items := make([]*engine.Item, 0, len(itemIDs))
	for _, id := range itemIDs {
		items = append(items, &engine.Item{ID: id, Title: "story " + id})
	}
	scale, err := engine.NewScale(engine.ScaleFibonacci, nil)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	session := engine.NewSession("TESTRM", "sprint planning", scale, settings, items, 0, time.Now(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, session, Options{GraceWindow: grace})
}

type testClient struct {
	connID        string
	participantID string
	token         string
	outbox        chan protocol.ServerMessage
}

func attach(t *testing.T, r *Room, connID, token, name string, role engine.Role) *testClient {
	t.Helper()
	outbox := make(chan protocol.ServerMessage, 32)
	reply := make(chan AttachResult, 1)
	r.Inbox() <- Attach{ConnID: connID, Token: token, Name: name, Role: role, Outbox: outbox, Reply: reply}

	var res AttachResult
	select {
	case res = <-reply:
	case <-time.After(time.Second):
		t.Fatalf("timed out attaching %s", connID)
	}
	if res.Err != nil {
		t.Fatalf("attach %s: %v", connID, res.Err)
	}
	return &testClient{connID: connID, participantID: res.ParticipantID, token: res.Token, outbox: outbox}
}

// recvMsg receives one message with a timeout so tests never hang.
func recvMsg(t *testing.T, ch <-chan protocol.ServerMessage, within time.Duration) protocol.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for message")
		return protocol.ServerMessage{} // unreachable
	}
}

// recvType skips messages until one of the wanted type arrives.
func recvType(t *testing.T, ch <-chan protocol.ServerMessage, msgType string, within time.Duration) protocol.ServerMessage {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed while waiting for %s", msgType)
			}
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
			return protocol.ServerMessage{} // unreachable
		}
	}
}

func recvNoMsg(t *testing.T, ch <-chan protocol.ServerMessage, within time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no message within %v, got %+v", within, msg)
	case <-time.After(within):
	}
}

func view(t *testing.T, r *Room) View {
	t.Helper()
	reply := make(chan View, 1)
	r.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func TestRoom_AttachSendsSnapshotFirst(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, time.Minute, "a")
	c := attach(t, r, "conn1", "", "alice", engine.RoleVoter)

	first := recvMsg(t, c.outbox, time.Second)
	if first.Type != protocol.EventStateSnapshot {
		t.Fatalf("want snapshot first, got %s", first.Type)
	}
	if first.State == nil || first.State.SelfID != c.participantID {
		t.Fatalf("snapshot should identify the viewer, got %+v", first.State)
	}
	if first.State.Phase != engine.PhaseWaiting {
		t.Fatalf("want waiting phase, got %s", first.State.Phase)
	}
	if first.State.Token == "" {
		t.Fatal("snapshot should return the minted identity token")
	}
}

func TestRoom_VoteValueHiddenFromOthersUntilReveal(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, time.Minute, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)  // snapshot
	_ = recvMsg(t, voter.outbox, time.Second) // snapshot

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	recvType(t, host.outbox, protocol.EventPhaseChanged, time.Second)
	recvType(t, voter.outbox, protocol.EventPhaseChanged, time.Second)

	r.Inbox() <- FromClient{ConnID: voter.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "8"}}

	ack := recvType(t, voter.outbox, protocol.EventVoteSubmitted, time.Second)
	if ack.Value != "8" {
		t.Fatalf("submitter should see their own value, got %q", ack.Value)
	}

	seen := recvType(t, host.outbox, protocol.EventVoteSubmitted, time.Second)
	if seen.Value != "" {
		t.Fatalf("other participants must not see the value before reveal, got %q", seen.Value)
	}
	if seen.ParticipantID != voter.participantID {
		t.Fatalf("progress event should name the voter, got %s", seen.ParticipantID)
	}
}

func TestRoom_RevealBroadcastsVotesAndResult(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, time.Minute, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	_ = recvMsg(t, voter.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "5"}}
	r.Inbox() <- FromClient{ConnID: voter.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "5"}}
	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionReveal}}

	revealed := recvType(t, voter.outbox, protocol.EventRoundRevealed, time.Second)
	if len(revealed.Votes) != 2 {
		t.Fatalf("want both votes revealed, got %d", len(revealed.Votes))
	}
	if revealed.Result == nil || !revealed.Result.Consensus {
		t.Fatalf("identical votes should reach consensus, got %+v", revealed.Result)
	}
}

func TestRoom_AutoRevealWithoutExplicitCall(t *testing.T) {
	r := newTestRoom(t, engine.Settings{AutoReveal: true}, time.Minute, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	_ = recvMsg(t, voter.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "3"}}
	r.Inbox() <- FromClient{ConnID: voter.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "8"}}

	recvType(t, host.outbox, protocol.EventRoundRevealed, time.Second)
	if v := view(t, r); v.Phase != engine.PhaseRevealing {
		t.Fatalf("want revealing after auto-reveal, got %s", v.Phase)
	}
}

func TestRoom_AutoRevealWhenNonVoterDetaches(t *testing.T) {
	r := newTestRoom(t, engine.Settings{AutoReveal: true}, time.Hour, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	straggler := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	_ = recvMsg(t, straggler.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "5"}}
	recvType(t, straggler.outbox, protocol.EventVoteSubmitted, time.Second)

	// The non-voter dropping means everyone still connected has voted. The
	// grace window is an hour, so the reveal must come from the disconnect
	// itself, not eviction.
	r.Inbox() <- Detach{ConnID: straggler.connID}

	recvType(t, host.outbox, protocol.EventParticipantDisconnected, time.Second)
	revealed := recvType(t, host.outbox, protocol.EventRoundRevealed, time.Second)
	if len(revealed.Votes) != 1 {
		t.Fatalf("want the single submitted vote revealed, got %d", len(revealed.Votes))
	}
	if v := view(t, r); v.Phase != engine.PhaseRevealing {
		t.Fatalf("want revealing after the disconnect, got %s", v.Phase)
	}
}

func TestRoom_RejectionScopedToInitiator(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, time.Minute, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	_ = recvMsg(t, voter.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	recvType(t, host.outbox, protocol.EventPhaseChanged, time.Second)
	recvType(t, voter.outbox, protocol.EventPhaseChanged, time.Second)
	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionReveal}}
	recvType(t, host.outbox, protocol.EventRoundRevealed, time.Second)
	recvType(t, voter.outbox, protocol.EventRoundRevealed, time.Second)
	recvType(t, host.outbox, protocol.EventPhaseChanged, time.Second)
	recvType(t, voter.outbox, protocol.EventPhaseChanged, time.Second)

	// Non-host tries to finalize: rejected to them alone, no broadcast.
	r.Inbox() <- FromClient{ConnID: voter.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSetFinalEstimate, Value: "5"}}

	rejected := recvMsg(t, voter.outbox, time.Second)
	if rejected.Type != protocol.EventActionRejected {
		t.Fatalf("want actionRejected, got %s", rejected.Type)
	}
	recvNoMsg(t, host.outbox, 150*time.Millisecond)

	if v := view(t, r); v.Phase != engine.PhaseRevealing {
		t.Fatalf("rejected action must not move the phase, got %s", v.Phase)
	}
}

func TestRoom_GraceEvictionVoidsVoteAndPromotesHost(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, 50*time.Millisecond, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	_ = recvMsg(t, voter.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "5"}}
	recvType(t, voter.outbox, protocol.EventVoteSubmitted, time.Second)

	r.Inbox() <- Detach{ConnID: host.connID}
	recvType(t, voter.outbox, protocol.EventParticipantDisconnected, time.Second)

	recvType(t, voter.outbox, protocol.EventHostChanged, time.Second)
	v := view(t, r)
	if v.HostID != voter.participantID {
		t.Fatalf("want surviving participant promoted to host, got %s", v.HostID)
	}
	if v.OpenVotes != 0 {
		t.Fatalf("evicted participant's vote should be voided, got %d", v.OpenVotes)
	}

	// The promoted host can reveal.
	r.Inbox() <- FromClient{ConnID: voter.connID, Msg: protocol.ClientMessage{Type: protocol.ActionReveal}}
	recvType(t, voter.outbox, protocol.EventRoundRevealed, time.Second)
}

func TestRoom_ReconnectWithinGraceKeepsVote(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, 500*time.Millisecond, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	snap := recvMsg(t, voter.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	r.Inbox() <- FromClient{ConnID: voter.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "8"}}
	recvType(t, voter.outbox, protocol.EventVoteSubmitted, time.Second)

	r.Inbox() <- Detach{ConnID: voter.connID}
	recvType(t, host.outbox, protocol.EventParticipantDisconnected, time.Second)

	back := attach(t, r, "conn3", snap.State.Token, "bob", engine.RoleVoter)
	if back.participantID != voter.participantID {
		t.Fatal("same token should resurrect the same participant")
	}
	resnap := recvMsg(t, back.outbox, time.Second)
	if resnap.Type != protocol.EventStateSnapshot || resnap.State.OwnVote != "8" {
		t.Fatalf("reconnect within grace should keep the vote, got %+v", resnap.State)
	}

	// Well past the grace window, the resurrected participant must survive.
	time.Sleep(700 * time.Millisecond)
	if v := view(t, r); v.Participants != 2 {
		t.Fatalf("stale grace timer evicted a reconnected participant, have %d", v.Participants)
	}
}

func TestRoom_EvictionAfterGraceDropsVote(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, 50*time.Millisecond, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	snap := recvMsg(t, voter.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	r.Inbox() <- FromClient{ConnID: voter.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "8"}}
	recvType(t, voter.outbox, protocol.EventVoteSubmitted, time.Second)

	r.Inbox() <- Detach{ConnID: voter.connID}
	recvType(t, host.outbox, protocol.EventParticipantLeft, time.Second)

	// Rejoining with the old token after eviction is a fresh join.
	back := attach(t, r, "conn3", snap.State.Token, "bob", engine.RoleVoter)
	resnap := recvMsg(t, back.outbox, time.Second)
	if resnap.State.OwnVote != "" {
		t.Fatalf("vote must not be restored after the grace window, got %q", resnap.State.OwnVote)
	}
}

func TestRoom_TakeoverNotifiesOldConnection(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, time.Minute, "a")
	first := attach(t, r, "conn1", "tok-1", "alice", engine.RoleVoter)
	_ = recvMsg(t, first.outbox, time.Second)

	second := attach(t, r, "conn2", "tok-1", "alice", engine.RoleVoter)
	if second.participantID != first.participantID {
		t.Fatal("takeover should bind the same participant")
	}

	over := recvMsg(t, first.outbox, time.Second)
	if over.Type != protocol.EventSessionTakenOver {
		t.Fatalf("old connection should learn about the takeover, got %s", over.Type)
	}
	if _, ok := <-first.outbox; ok {
		t.Fatal("old outbox should be closed after takeover")
	}
}

func TestRoom_VotingTimerRevealsPartialVotes(t *testing.T) {
	r := newTestRoom(t, engine.Settings{TimerDuration: 80 * time.Millisecond}, time.Minute, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	_ = recvMsg(t, voter.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionStartVoting, ItemID: "a"}}
	r.Inbox() <- FromClient{ConnID: host.connID, Msg: protocol.ClientMessage{Type: protocol.ActionSubmitVote, Value: "13"}}

	revealed := recvType(t, voter.outbox, protocol.EventRoundRevealed, time.Second)
	if len(revealed.Votes) != 1 {
		t.Fatalf("timer should reveal whatever votes exist, got %d", len(revealed.Votes))
	}
}

func TestRoom_LeaveIsImmediateEviction(t *testing.T) {
	r := newTestRoom(t, engine.Settings{}, time.Hour, "a")
	host := attach(t, r, "conn1", "", "host", engine.RoleVoter)
	voter := attach(t, r, "conn2", "", "bob", engine.RoleVoter)
	_ = recvMsg(t, host.outbox, time.Second)
	_ = recvMsg(t, voter.outbox, time.Second)

	r.Inbox() <- FromClient{ConnID: voter.connID, Msg: protocol.ClientMessage{Type: protocol.ActionLeave}}

	left := recvType(t, host.outbox, protocol.EventParticipantLeft, time.Second)
	if left.ParticipantID != voter.participantID {
		t.Fatalf("want leave broadcast for %s, got %s", voter.participantID, left.ParticipantID)
	}
	if v := view(t, r); v.Participants != 1 {
		t.Fatalf("leave should evict immediately, have %d participants", v.Participants)
	}
}
