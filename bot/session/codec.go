package session

import (
	"encoding/json"
	"fmt"
)

// PayloadFor returns the zero payload value a step expects.
func PayloadFor(step Step) (Payload, error) {
	switch step {
	case StepSend:
		return SendTarget{}, nil
	case StepReply:
		return ReplyTarget{}, nil
	case StepPendingMembership:
		return PendingStart{}, nil
	case StepBroadcastAskInline, StepBroadcastAskCount,
		StepBroadcastAskButtonName, StepBroadcastAskButtonURL:
		return BroadcastDraft{}, nil
	case StepSetChannelID, StepSetChannelLink:
		return ChannelSetup{}, nil
	case StepBroadcastMessage, StepForwardMessage, StepSetChannelCount, StepGetUserID:
		return Empty{}, nil
	}
	return nil, fmt.Errorf("session: unknown step %q", step)
}

// EncodePayload serializes a session payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		p = Empty{}
	}
	return json.Marshal(p)
}

// DecodePayload restores the payload for a step from its stored form.
// Empty data yields the step's zero payload.
func DecodePayload(step Step, data []byte) (Payload, error) {
	if len(data) == 0 {
		return PayloadFor(step)
	}
	switch step {
	case StepSend:
		var p SendTarget
		return p, unmarshal(data, &p)
	case StepReply:
		var p ReplyTarget
		return p, unmarshal(data, &p)
	case StepPendingMembership:
		var p PendingStart
		return p, unmarshal(data, &p)
	case StepBroadcastAskInline, StepBroadcastAskCount,
		StepBroadcastAskButtonName, StepBroadcastAskButtonURL:
		var p BroadcastDraft
		return p, unmarshal(data, &p)
	case StepSetChannelID, StepSetChannelLink:
		var p ChannelSetup
		return p, unmarshal(data, &p)
	case StepBroadcastMessage, StepForwardMessage, StepSetChannelCount, StepGetUserID:
		var p Empty
		return p, unmarshal(data, &p)
	}
	return nil, fmt.Errorf("session: unknown step %q", step)
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("session: decode payload: %w", err)
	}
	return nil
}
