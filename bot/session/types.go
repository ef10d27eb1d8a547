// Package session models the per-user multi-step conversation state.
// Each user has at most one session; writing a new one replaces the
// previous record unconditionally.
package session

import "github.com/m3rciful/anonbot/bot/relay"

// Step tags the state a user's conversation is in. The step decides how
// the next inbound message from that user is interpreted.
type Step string

const (
	StepSend              Step = "send"
	StepReply             Step = "reply"
	StepPendingMembership Step = "pending_membership"

	StepBroadcastMessage       Step = "broadcast_message"
	StepBroadcastAskInline     Step = "broadcast_ask_inline"
	StepBroadcastAskCount      Step = "broadcast_ask_count"
	StepBroadcastAskButtonName Step = "broadcast_ask_button_name"
	StepBroadcastAskButtonURL  Step = "broadcast_ask_button_url"

	StepForwardMessage Step = "forward_message"

	StepSetChannelCount Step = "set_channel_count"
	StepSetChannelID    Step = "set_channel_id"
	StepSetChannelLink  Step = "set_channel_link"

	StepGetUserID Step = "get_user_id"
)

// AdminOnly reports whether the step belongs to an admin flow.
func (s Step) AdminOnly() bool {
	switch s {
	case StepBroadcastMessage, StepBroadcastAskInline, StepBroadcastAskCount,
		StepBroadcastAskButtonName, StepBroadcastAskButtonURL,
		StepForwardMessage,
		StepSetChannelCount, StepSetChannelID, StepSetChannelLink,
		StepGetUserID:
		return true
	}
	return false
}

// Payload is the step-specific data attached to a session. The concrete
// type is determined by the step tag; see PayloadFor.
type Payload interface{ isPayload() }

// SendTarget holds the recipient of an anonymous message being composed.
type SendTarget struct {
	ReceiverID int64 `json:"receiver_id"`
}

// ReplyTarget holds the original sender an anonymous reply goes back to.
type ReplyTarget struct {
	SenderID int64 `json:"sender_id"`
}

// PendingStart parks /start arguments while channel membership is pending.
type PendingStart struct {
	Args []string `json:"args"`
}

// BroadcastDraft accumulates a broadcast through its button sub-steps.
type BroadcastDraft struct {
	Content relay.Content `json:"content"`
	Count   int           `json:"count,omitempty"`
	Names   []string      `json:"names,omitempty"`
	URLs    []string      `json:"urls,omitempty"`
}

// ChannelDraft is one gating channel collected during setup.
type ChannelDraft struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Link string `json:"link"`
}

// ChannelSetup accumulates the mandatory-channel list being configured.
type ChannelSetup struct {
	Count    int            `json:"count"`
	Channels []ChannelDraft `json:"channels"`
	Current  int            `json:"current"`
}

// Empty is the payload for steps that carry no data.
type Empty struct{}

func (SendTarget) isPayload()     {}
func (ReplyTarget) isPayload()    {}
func (PendingStart) isPayload()   {}
func (BroadcastDraft) isPayload() {}
func (ChannelSetup) isPayload()   {}
func (Empty) isPayload()          {}

// Session is one user's in-progress multi-step interaction.
type Session struct {
	UserID  int64
	Step    Step
	Payload Payload
}
