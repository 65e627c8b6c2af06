package hub

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/duetcode/duet/internal/modules/service"
	"github.com/duetcode/duet/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// eventKey is the (createdAt, id) tuple ordering the event log.
type eventKey struct {
	at time.Time
	id string
}

func keyOf(e *model.Event) eventKey {
	return eventKey{at: e.CreatedAt, id: e.ID}
}

func (k eventKey) after(o eventKey) bool {
	if k.at.Equal(o.at) {
		return k.id > o.id
	}
	return k.at.After(o.at)
}

// conn is one live subscriber. The writer goroutine is the only socket
// writer; everything else goes through the send channel. A full channel
// means the client cannot keep up and the connection is closed; the client
// reconnects and replays.
type conn struct {
	hub         *Hub
	ws          *websocket.Conn
	sessionID   string
	participant *model.Participant
	clientID    string

	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, sessionID string, p *model.Participant, clientID string) *conn {
	return &conn{
		hub:         h,
		ws:          ws,
		sessionID:   sessionID,
		participant: p,
		clientID:    clientID,
		send:        make(chan []byte, h.cfg.Hub.SendBuffer),
		stop:        make(chan struct{}),
	}
}

func (c *conn) run(snapshot *service.StateSnapshot) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before replay so no event falls between the tail read and the
	// live stream; the boundary filter drops the overlap.
	pubsub := c.hub.sub.Subscribe(ctx, c.sessionID)
	defer pubsub.Close()

	go c.writeLoop()

	c.enqueueFrame(stream.Frame{
		Type:        stream.FrameSubscribed,
		State:       snapshot,
		Participant: c.participant,
	})

	boundary, ok := c.replay(ctx)
	if !ok {
		c.shutdown()
		return
	}

	c.hub.pub.Publish(ctx, c.sessionID, stream.Frame{
		Type:        stream.FrameParticipantJoin,
		Participant: c.participant,
		ClientID:    c.clientID,
	})
	c.hub.svc.TouchPresence(ctx, c.participant.ID)

	go c.forwardLive(ctx, pubsub, boundary)

	c.readLoop(ctx)

	cancel()
	c.hub.pub.Publish(context.Background(), c.sessionID, stream.Frame{
		Type:        stream.FrameParticipantLeave,
		Participant: c.participant,
		ClientID:    c.clientID,
	})
	c.shutdown()
}

// replay emits the bounded tail of the event log, oldest first, then
// replay_complete. It returns the key of the last replayed event; live
// delivery starts strictly after it.
func (c *conn) replay(ctx context.Context) (eventKey, bool) {
	var boundary eventKey

	tail, err := c.hub.svc.ReplayTail(ctx, c.sessionID, c.hub.cfg.Hub.ReplayLimit)
	if err != nil {
		c.hub.log.Error("replay tail", zap.String("session_id", c.sessionID), zap.Error(err))
		return boundary, false
	}

	for i := range tail {
		e := tail[i]
		if !c.enqueueFrame(stream.Frame{Type: stream.FrameSandboxEvent, Event: &e}) {
			return boundary, false
		}
		boundary = keyOf(&e)
	}
	if !c.enqueueFrame(stream.Frame{Type: stream.FrameReplayComplete}) {
		return boundary, false
	}
	return boundary, true
}

// forwardLive relays the Redis stream onto this connection. sandbox_event
// frames at or before the replay boundary are dropped so the combined
// replay+live stream stays strictly monotonic.
func (c *conn) forwardLive(ctx context.Context, pubsub *redis.PubSub, boundary eventKey) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f, err := stream.DecodeFrame(msg.Payload)
			if err != nil {
				c.hub.log.Warn("bad stream frame", zap.String("session_id", c.sessionID), zap.Error(err))
				continue
			}
			if f.Type == stream.FrameSandboxEvent && f.Event != nil && !keyOf(f.Event).after(boundary) {
				continue
			}
			if !c.enqueueRaw([]byte(msg.Payload)) {
				return
			}
		}
	}
}

// readLoop handles client frames until the socket dies or the keepalive
// grace period lapses.
func (c *conn) readLoop(ctx context.Context) {
	grace := time.Duration(c.hub.cfg.Hub.PongGraceSec) * time.Second
	c.ws.SetReadDeadline(time.Now().Add(grace))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(grace))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(grace))

		var f clientFrame
		if err := sonic.Unmarshal(raw, &f); err != nil {
			continue
		}

		switch f.Type {
		case "ping":
			c.enqueueFrame(stream.Frame{Type: stream.FramePong})
			c.hub.svc.TouchPresence(ctx, c.participant.ID)

		case "typing":
			c.hub.pub.Publish(ctx, c.sessionID, stream.Frame{
				Type:        stream.FrameTyping,
				Participant: c.participant,
				ClientID:    c.clientID,
			})

		case "prompt":
			if f.Content == "" {
				continue
			}
			_, _, err := c.hub.svc.EnqueuePrompt(ctx, c.sessionID, service.PromptInput{
				Content:         f.Content,
				AuthorID:        c.participant.UserID,
				Source:          model.SourceWeb,
				Attachments:     f.Attachments,
				ReasoningEffort: f.ReasoningEffort,
			})
			if err != nil {
				c.hub.log.Warn("subscriber prompt rejected",
					zap.String("session_id", c.sessionID),
					zap.Error(err))
			}

		case "stop":
			if err := c.hub.svc.Stop(ctx, c.sessionID); err != nil {
				c.hub.log.Warn("subscriber stop failed",
					zap.String("session_id", c.sessionID),
					zap.Error(err))
			}
		}
	}
}

// writeLoop is the single socket writer. It also drives protocol-level pings;
// application pings are answered inline from the read loop.
func (c *conn) writeLoop() {
	interval := time.Duration(c.hub.cfg.Hub.PingIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case raw, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) enqueueFrame(f stream.Frame) bool {
	raw, err := sonic.Marshal(f)
	if err != nil {
		c.hub.log.Error("marshal frame", zap.String("session_id", c.sessionID), zap.Error(err))
		return true
	}
	return c.enqueueRaw(raw)
}

// enqueueRaw queues one outbound payload. A full buffer closes the
// connection rather than stalling the session's other subscribers.
func (c *conn) enqueueRaw(raw []byte) bool {
	select {
	case c.send <- raw:
		return true
	default:
		c.hub.log.Warn("subscriber too slow, dropping connection",
			zap.String("session_id", c.sessionID),
			zap.String("participant_id", c.participant.ID))
		c.shutdown()
		return false
	}
}

func (c *conn) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	_ = c.ws.Close()
}
