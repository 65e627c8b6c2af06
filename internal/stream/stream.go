package stream

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Frame types on the subscriber channel. Client -> server frames (subscribe,
// prompt, stop, typing, ping) are decoded by the hub; everything here can be
// fanned out.
const (
	FrameSubscribed       = "subscribed"
	FrameSandboxEvent     = "sandbox_event"
	FrameReplayComplete   = "replay_complete"
	FrameSandboxStatus    = "sandbox_status"
	FrameProcessingStatus = "processing_status"
	FrameSandboxWarming   = "sandbox_warming"
	FrameSandboxReady     = "sandbox_ready"
	FrameParticipantJoin  = "participant_joined"
	FrameParticipantLeave = "participant_left"
	FrameTyping           = "typing"
	FramePong             = "pong"
)

// Frame is one server -> client message. Only the fields relevant to Type are
// set; Event rides along for sandbox_event frames so the hub can apply its
// replay-boundary filter without re-reading the store.
type Frame struct {
	Type        string             `json:"type"`
	Event       *model.Event       `json:"event,omitempty"`
	Status      string             `json:"status,omitempty"`
	MessageID   string             `json:"message_id,omitempty"`
	Participant *model.Participant `json:"participant,omitempty"`
	ClientID    string             `json:"client_id,omitempty"`
	State       any                `json:"state,omitempty"`
	Data        map[string]any     `json:"data,omitempty"`
}

func channelFor(sessionID string) string {
	return fmt.Sprintf("duet:session:%s:stream", sessionID)
}

// Publisher fans frames out to every hub instance subscribed to the session.
// Running fan-out through Redis keeps socket writes off the actor's critical
// section and makes replicas equivalent.
type Publisher struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewPublisher(rdb *redis.Client, log *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log}
}

// Publish sends one frame to the session's stream. Publish failures are
// logged, not propagated: the event log is already durable and subscribers
// reconnect through replay.
func (p *Publisher) Publish(ctx context.Context, sessionID string, f Frame) {
	b, err := sonic.Marshal(f)
	if err != nil {
		p.log.Error("marshal frame", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, channelFor(sessionID), b).Err(); err != nil {
		p.log.Warn("publish frame", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Subscriber receives a session's live frames.
type Subscriber struct {
	rdb *redis.Client
}

func NewSubscriber(rdb *redis.Client) *Subscriber {
	return &Subscriber{rdb: rdb}
}

// Subscribe opens the session stream. The returned PubSub must be closed by
// the caller; frames arrive on pubsub.Channel() and decode via DecodeFrame.
func (s *Subscriber) Subscribe(ctx context.Context, sessionID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channelFor(sessionID))
}

func DecodeFrame(payload string) (Frame, error) {
	var f Frame
	if err := sonic.Unmarshal([]byte(payload), &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
