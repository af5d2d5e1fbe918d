package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/roomwire/presence/internal/protocol"
	"github.com/roomwire/presence/internal/ratelimit"
	"github.com/roomwire/presence/internal/registry"
	"github.com/roomwire/presence/internal/store"
	"github.com/roomwire/presence/internal/ws"
)

// RegisterHandlers binds every inbound event type to its controller handler.
func (ctl *Controller) RegisterHandlers(r *ws.Router) {
	r.Register(protocol.TypePing, ctl.handlePing)
	r.Register(protocol.TypeJoinRoom, ctl.handleJoinRoom)
	r.Register(protocol.TypeLeaveRoom, ctl.handleLeaveRoom)
	r.Register(protocol.TypeTyping, ctl.handleTyping)
	r.Register(protocol.TypeMessage, ctl.handleMessage)
	r.Register(protocol.TypeReadReceipt, ctl.handleReadReceipt)
	r.Register(protocol.TypeResync, ctl.handleResync)
}

func (ctl *Controller) handlePing(c *registry.Connection, _ interface{}) {
	c.TouchHeartbeat()
	ctl.reply(c, protocol.TypePong, protocol.PongEvent{Ts: time.Now().Unix()})
}

func (ctl *Controller) handleJoinRoom(c *registry.Connection, msg interface{}) {
	ev, ok := msg.(protocol.JoinRoomEvent)
	if !ok || ev.RoomID == "" {
		ctl.replyError(c, protocol.CodeInvalidRoom, "room_id is required", false)
		return
	}

	if ctl.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := ctl.store.AddMember(ctx, ev.RoomID, c.Identity)
		cancel()
		if err != nil {
			log.Printf("session: persist join failed room=%s identity=%s: %v", ev.RoomID, c.Identity, err)
			ctl.replyError(c, protocol.CodeStoreUnavailable, "could not persist room membership", true)
			return
		}
	}

	ctl.rooms.Join(ev.RoomID, c.Identity)
	ctl.syncGauges()
	ctl.reply(c, protocol.TypeRoomJoined, protocol.RoomJoinedEvent{RoomID: ev.RoomID})
}

func (ctl *Controller) handleLeaveRoom(c *registry.Connection, msg interface{}) {
	ev, ok := msg.(protocol.LeaveRoomEvent)
	if !ok || ev.RoomID == "" {
		ctl.replyError(c, protocol.CodeInvalidRoom, "room_id is required", false)
		return
	}

	// Leaving while composing owes the room a stopped notification; members
	// would otherwise show the identity typing until the expiry sweep.
	if ctl.typing.Clear(ev.RoomID, c.Identity) {
		ctl.broadcastTypingStopped(ev.RoomID, c.Identity)
	}

	ctl.rooms.Leave(ev.RoomID, c.Identity)

	if ctl.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := ctl.store.RemoveMember(ctx, ev.RoomID, c.Identity)
		cancel()
		if err != nil {
			log.Printf("session: persist leave failed room=%s identity=%s: %v", ev.RoomID, c.Identity, err)
		}
	}

	ctl.syncGauges()
	ctl.reply(c, protocol.TypeRoomLeft, protocol.RoomLeftEvent{RoomID: ev.RoomID})
}

func (ctl *Controller) handleTyping(c *registry.Connection, msg interface{}) {
	ev, ok := msg.(protocol.TypingEvent)
	if !ok || ev.RoomID == "" {
		ctl.replyError(c, protocol.CodeInvalidRoom, "room_id is required", false)
		return
	}
	if !ctl.rooms.IsMember(ev.RoomID, c.Identity) {
		ctl.replyError(c, protocol.CodeInvalidRoom, "not a member of this room", false)
		return
	}

	if ev.IsTyping {
		ctl.typing.Set(ev.RoomID, c.Identity, ctl.config.TypingTTL)
	} else {
		ctl.typing.Clear(ev.RoomID, c.Identity)
	}
	ctl.syncGauges()

	payload, err := protocol.NewServerEvent(protocol.TypeTyping, protocol.ServerTypingEvent{
		RoomID:   ev.RoomID,
		Identity: c.Identity,
		IsTyping: ev.IsTyping,
	})
	if err != nil {
		log.Printf("session: failed to build typing event room=%s: %v", ev.RoomID, err)
		return
	}
	ctl.disp.BroadcastToRoom(ev.RoomID, payload, c.Identity)
}

func (ctl *Controller) handleMessage(c *registry.Connection, msg interface{}) {
	ev, ok := msg.(protocol.MessageEvent)
	if !ok || ev.RoomID == "" {
		ctl.replyError(c, protocol.CodeInvalidRoom, "room_id is required", false)
		return
	}
	if err := protocol.ValidateMessageText(ev.Text); err != nil {
		ctl.replyError(c, protocol.CodeInvalidMessage, err.Error(), false)
		return
	}
	if !ctl.rooms.IsMember(ev.RoomID, c.Identity) {
		ctl.replyError(c, protocol.CodeInvalidRoom, "not a member of this room", false)
		return
	}
	if !ctl.allow(c.Identity, ratelimit.RuleMessage) {
		ctl.replyError(c, protocol.CodeRateLimited, "too many messages, slow down", true)
		return
	}

	if ctl.store == nil {
		ctl.replyError(c, protocol.CodeStoreUnavailable, "message store unavailable", true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	saved, err := ctl.store.SaveMessage(ctx, ev.RoomID, c.Identity, ev.Text)
	cancel()
	if err != nil {
		log.Printf("session: save message failed room=%s identity=%s: %v", ev.RoomID, c.Identity, err)
		ctl.replyError(c, protocol.CodeStoreUnavailable, "message could not be stored", true)
		return
	}

	// Sending a message implies the author stopped composing. Cleared
	// silently: the message itself tells members the typing ended.
	ctl.typing.Clear(ev.RoomID, c.Identity)
	ctl.syncGauges()

	payload, err := protocol.NewServerEvent(protocol.TypeMessage, protocol.ServerMessageEvent{
		MessageID: saved.ID,
		RoomID:    saved.RoomID,
		Sender:    saved.Sender,
		Text:      saved.Text,
		Ts:        saved.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("session: failed to build message event room=%s: %v", ev.RoomID, err)
		return
	}
	// No exclusion: the sender's other devices need the message too. The
	// originating connection additionally gets the delivery ack.
	ctl.disp.BroadcastToRoom(ev.RoomID, payload, "")

	ack, err := protocol.NewServerEvent(protocol.TypeMessageSent, protocol.MessageSentEvent{
		TempID:    ev.TempID,
		MessageID: saved.ID,
	})
	if err == nil {
		ctl.disp.SendToConnection(c.ID, ack)
	}
}

func (ctl *Controller) handleReadReceipt(c *registry.Connection, msg interface{}) {
	ev, ok := msg.(protocol.ReadReceiptEvent)
	if !ok || ev.RoomID == "" || ev.MessageID <= 0 {
		ctl.replyError(c, protocol.CodeInvalidMessage, "room_id and message_id are required", false)
		return
	}
	if !ctl.rooms.IsMember(ev.RoomID, c.Identity) {
		ctl.replyError(c, protocol.CodeInvalidRoom, "not a member of this room", false)
		return
	}
	if !ctl.allow(c.Identity, ratelimit.RuleReceipt) {
		ctl.replyError(c, protocol.CodeRateLimited, "too many read receipts", true)
		return
	}

	if ctl.store == nil {
		ctl.replyError(c, protocol.CodeStoreUnavailable, "receipt store unavailable", true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	readAt, err := ctl.store.SaveReadReceipt(ctx, ev.RoomID, ev.MessageID, c.Identity)
	cancel()
	if errors.Is(err, store.ErrMessageNotFound) {
		ctl.replyError(c, protocol.CodeInvalidMessage, "no such message in this room", false)
		return
	}
	if err != nil {
		log.Printf("session: save receipt failed message=%d identity=%s: %v", ev.MessageID, c.Identity, err)
		ctl.replyError(c, protocol.CodeStoreUnavailable, "receipt could not be stored", true)
		return
	}

	payload, err := protocol.NewServerEvent(protocol.TypeReadReceipt, protocol.ServerReadReceiptEvent{
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
		Identity:  c.Identity,
		ReadAt:    readAt.Unix(),
	})
	if err != nil {
		log.Printf("session: failed to build receipt event room=%s: %v", ev.RoomID, err)
		return
	}
	ctl.disp.BroadcastToRoom(ev.RoomID, payload, c.Identity)
}

func (ctl *Controller) handleResync(c *registry.Connection, msg interface{}) {
	ev, ok := msg.(protocol.ResyncEvent)
	if !ok || ev.RoomID == "" {
		ctl.replyError(c, protocol.CodeInvalidRoom, "room_id is required", false)
		return
	}
	if !ctl.rooms.IsMember(ev.RoomID, c.Identity) {
		ctl.replyError(c, protocol.CodeInvalidRoom, "not a member of this room", false)
		return
	}

	if ctl.store == nil {
		ctl.replyError(c, protocol.CodeStoreUnavailable, "message store unavailable", true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	msgs, err := ctl.store.MessagesAfter(ctx, ev.RoomID, ev.AfterID)
	cancel()
	if err != nil {
		log.Printf("session: resync failed room=%s identity=%s: %v", ev.RoomID, c.Identity, err)
		ctl.replyError(c, protocol.CodeStoreUnavailable, "resync unavailable", true)
		return
	}

	out := make([]protocol.ResyncMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.ResyncMessage{
			MessageID: m.ID,
			Sender:    m.Sender,
			Text:      m.Text,
			Ts:        m.CreatedAt.Unix(),
		})
	}
	ctl.reply(c, protocol.TypeResyncResult, protocol.ResyncResultEvent{
		RoomID:   ev.RoomID,
		Messages: out,
	})
}

// allow consults the event rate limiter. A nil limiter or a limiter backend
// error never blocks traffic.
func (ctl *Controller) allow(identity string, rule ratelimit.Rule) bool {
	if ctl.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	allowed, _ := ctl.limiter.Allow(ctx, identity, rule)
	return allowed
}

// reply sends a server event to a single connection through the dispatcher so
// a broken transport gets cleaned up.
func (ctl *Controller) reply(c *registry.Connection, eventType string, payload interface{}) {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		log.Printf("session: failed to build %s event conn=%s: %v", eventType, c.ID, err)
		return
	}
	ctl.disp.SendToConnection(c.ID, data)
}

func (ctl *Controller) replyError(c *registry.Connection, code, message string, retryable bool) {
	ctl.reply(c, protocol.TypeError, protocol.ErrorEvent{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	})
}
