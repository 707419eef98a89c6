// Package relay forwards signaling and chat traffic between connections. It
// keeps no per-message state: signaling frames (offers, answers, ICE
// candidates) are delivered 1:1 to their target and chat lines are fanned out
// to the sender's room. A target that is not connected anywhere is dropped
// silently; negotiation payloads are perishable and the peer will retry or
// time out on its own.
//
// When a NATS client is configured the relay spans server instances: signal
// frames for non-local targets are published to signal.<conn_id>, and chat
// broadcasts are mirrored on room.<room_id> so members hosted elsewhere see
// them too.
package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerprep/practice-server/internal/messaging"
	"github.com/peerprep/practice-server/internal/metrics"
	"github.com/peerprep/practice-server/internal/protocol"
	"github.com/peerprep/practice-server/internal/ws"
)

// Local is the view of the connection registry the relay needs: lookup by
// connection ID for 1:1 delivery and room-scoped listing for chat fan-out.
// *ws.ConnectionManager satisfies it.
type Local interface {
	Get(id string) *ws.Connection
	InRoom(roomID string) []*ws.Connection
}

// Delivery outcomes for the relayed-signals counter.
const (
	outcomeDelivered = "delivered" // written to a local connection
	outcomeForwarded = "forwarded" // published to NATS for another instance
	outcomeDropped   = "dropped"   // target not connected anywhere we can see
)

// roomEvent is the envelope for chat broadcasts mirrored over NATS. Origin
// identifies the publishing relay instance so it can skip its own events;
// SenderID lets receiving instances skip the author if it migrated.
type roomEvent struct {
	Origin   string          `json:"origin"`
	SenderID string          `json:"sender_id"`
	RoomID   string          `json:"room_id"`
	Frame    json.RawMessage `json:"frame"`
}

// Relay routes signaling and chat frames between connections, locally and
// (when NATS is configured) across instances.
type Relay struct {
	instanceID string
	local      Local
	nats       *messaging.Client // nil in single-instance mode

	mu       sync.Mutex
	roomRefs map[string]int // roomID -> local member count, drives room subscriptions
}

// New creates a Relay over the given local registry. nats may be nil, in
// which case the relay operates in single-instance mode and non-local targets
// are dropped.
func New(local Local, nats *messaging.Client) *Relay {
	return &Relay{
		instanceID: uuid.New().String(),
		local:      local,
		nats:       nats,
		roomRefs:   make(map[string]int),
	}
}

// Register subscribes to the connection's signal subject so that frames
// published by other instances reach it. No-op in single-instance mode.
func (r *Relay) Register(connID string) {
	if r.nats == nil {
		return
	}
	err := r.nats.SubscribeSignal(connID, func(data []byte) {
		c := r.local.Get(connID)
		if c == nil {
			return
		}
		if err := c.WriteMessage(data); err != nil {
			log.Printf("[relay] remote signal write failed conn=%s: %v", connID, err)
		}
	})
	if err != nil {
		log.Printf("[relay] signal subscribe failed conn=%s: %v", connID, err)
	}
}

// Unregister drops the connection's signal subscription.
func (r *Relay) Unregister(connID string) {
	if r.nats == nil {
		return
	}
	if err := r.nats.UnsubscribeSignal(connID); err != nil {
		log.Printf("[relay] signal unsubscribe failed conn=%s: %v", connID, err)
	}
}

// Forward delivers a signaling frame to its target, tagging it with the
// sender so the receiver can reply. The payload is passed through verbatim.
// An absent target is dropped without notifying the sender.
func (r *Relay) Forward(senderID, msgType string, sig protocol.SignalMsg) {
	frame, err := protocol.NewServerMessage(msgType, protocol.ServerSignalMsg{
		SenderID: senderID,
		Payload:  sig.Payload,
	})
	if err != nil {
		log.Printf("[relay] failed to build %s frame from conn=%s: %v", msgType, senderID, err)
		return
	}

	if c := r.local.Get(sig.TargetID); c != nil {
		if err := c.WriteMessage(frame); err != nil {
			log.Printf("[relay] %s write failed target=%s: %v", msgType, sig.TargetID, err)
			metrics.SignalsTotal.WithLabelValues(msgType, outcomeDropped).Inc()
			return
		}
		metrics.SignalsTotal.WithLabelValues(msgType, outcomeDelivered).Inc()
		return
	}

	if r.nats != nil {
		if err := r.nats.PublishSignal(sig.TargetID, frame); err != nil {
			log.Printf("[relay] %s publish failed target=%s: %v", msgType, sig.TargetID, err)
			metrics.SignalsTotal.WithLabelValues(msgType, outcomeDropped).Inc()
			return
		}
		metrics.SignalsTotal.WithLabelValues(msgType, outcomeForwarded).Inc()
		return
	}

	metrics.SignalsTotal.WithLabelValues(msgType, outcomeDropped).Inc()
}

// Broadcast fans a chat line out to every connection in the sender's room
// except the sender itself, and mirrors it over NATS for members hosted on
// other instances.
func (r *Relay) Broadcast(sender *ws.Connection, text string) {
	roomID := sender.RoomID()
	if roomID == "" {
		return
	}

	frame, err := protocol.NewServerMessage(protocol.TypeChatMessage, protocol.ServerChatMsg{
		Sender: sender.Name(),
		Text:   text,
		Ts:     time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[relay] failed to build chat frame from conn=%s: %v", sender.ID, err)
		return
	}

	r.deliverToRoom(roomID, sender.ID, frame)
	metrics.ChatMessagesTotal.Inc()

	if r.nats == nil {
		return
	}
	event, err := json.Marshal(roomEvent{
		Origin:   r.instanceID,
		SenderID: sender.ID,
		RoomID:   roomID,
		Frame:    frame,
	})
	if err != nil {
		log.Printf("[relay] failed to marshal room event room=%s: %v", roomID, err)
		return
	}
	if err := r.nats.PublishRoom(roomID, event); err != nil {
		log.Printf("[relay] room publish failed room=%s: %v", roomID, err)
	}
}

// deliverToRoom writes a frame to every local room member except skipID.
// Failed writes are left for the heartbeat to clean up.
func (r *Relay) deliverToRoom(roomID, skipID string, frame []byte) {
	for _, c := range r.local.InRoom(roomID) {
		if c.ID == skipID {
			continue
		}
		if err := c.WriteMessage(frame); err != nil {
			log.Printf("[relay] chat write failed conn=%s: %v", c.ID, err)
		}
	}
}

// JoinRoom tracks a local member joining a room. The first member on this
// instance opens the room's NATS subscription.
func (r *Relay) JoinRoom(roomID string) {
	if r.nats == nil {
		return
	}

	r.mu.Lock()
	r.roomRefs[roomID]++
	first := r.roomRefs[roomID] == 1
	r.mu.Unlock()

	if !first {
		return
	}
	err := r.nats.SubscribeRoom(roomID, func(data []byte) {
		var event roomEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[relay] bad room event room=%s: %v", roomID, err)
			return
		}
		// Our own publish echoes back; local members already got it.
		if event.Origin == r.instanceID {
			return
		}
		r.deliverToRoom(roomID, event.SenderID, event.Frame)
	})
	if err != nil {
		log.Printf("[relay] room subscribe failed room=%s: %v", roomID, err)
	}
}

// LeaveRoom tracks a local member leaving a room. The last member on this
// instance closes the room's NATS subscription.
func (r *Relay) LeaveRoom(roomID string) {
	if r.nats == nil || roomID == "" {
		return
	}

	r.mu.Lock()
	if r.roomRefs[roomID] > 0 {
		r.roomRefs[roomID]--
	}
	last := r.roomRefs[roomID] == 0
	if last {
		delete(r.roomRefs, roomID)
	}
	r.mu.Unlock()

	if !last {
		return
	}
	if err := r.nats.UnsubscribeRoom(roomID); err != nil {
		log.Printf("[relay] room unsubscribe failed room=%s: %v", roomID, err)
	}
}
