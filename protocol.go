package centrifuge

import (
	"github.com/centrifugal/protocol"
)

func newCommandEncoder(protoType protocol.Type) protocol.CommandEncoder {
	if protoType == protocol.TypeJSON {
		return protocol.NewJSONCommandEncoder()
	}
	return protocol.NewProtobufCommandEncoder()
}

func newReplyDecoder(protoType protocol.Type, data []byte) protocol.ReplyDecoder {
	if protoType == protocol.TypeJSON {
		return protocol.NewJSONReplyDecoder(data)
	}
	return protocol.NewProtobufReplyDecoder(data)
}

// commandFrameType returns the frame type of an outgoing command for
// metrics and log labeling.
func commandFrameType(cmd *protocol.Command) protocol.FrameType {
	switch {
	case cmd.Connect != nil:
		return protocol.FrameTypeConnect
	case cmd.Subscribe != nil:
		return protocol.FrameTypeSubscribe
	case cmd.Unsubscribe != nil:
		return protocol.FrameTypeUnsubscribe
	case cmd.Publish != nil:
		return protocol.FrameTypePublish
	case cmd.Presence != nil:
		return protocol.FrameTypePresence
	case cmd.PresenceStats != nil:
		return protocol.FrameTypePresenceStats
	case cmd.History != nil:
		return protocol.FrameTypeHistory
	case cmd.Send != nil:
		return protocol.FrameTypeSend
	case cmd.Rpc != nil:
		return protocol.FrameTypeRPC
	case cmd.Refresh != nil:
		return protocol.FrameTypeRefresh
	case cmd.SubRefresh != nil:
		return protocol.FrameTypeSubRefresh
	default:
		// Empty command, client answer to a server ping.
		return protocol.FrameType(0)
	}
}

func frameTypeString(frameType protocol.FrameType) string {
	switch frameType {
	case protocol.FrameTypeConnect:
		return "connect"
	case protocol.FrameTypeSubscribe:
		return "subscribe"
	case protocol.FrameTypeUnsubscribe:
		return "unsubscribe"
	case protocol.FrameTypePublish:
		return "publish"
	case protocol.FrameTypePresence:
		return "presence"
	case protocol.FrameTypePresenceStats:
		return "presence_stats"
	case protocol.FrameTypeHistory:
		return "history"
	case protocol.FrameTypeSend:
		return "send"
	case protocol.FrameTypeRPC:
		return "rpc"
	case protocol.FrameTypeRefresh:
		return "refresh"
	case protocol.FrameTypeSubRefresh:
		return "sub_refresh"
	default:
		return "ping"
	}
}

// replyKind names a decoded reply for per-kind counters.
func replyKind(reply *protocol.Reply) string {
	switch {
	case reply.Push != nil:
		return pushKind(reply.Push)
	case reply.Connect != nil:
		return "connect"
	case reply.Subscribe != nil:
		return "subscribe"
	case reply.Unsubscribe != nil:
		return "unsubscribe"
	case reply.Publish != nil:
		return "publish"
	case reply.Presence != nil:
		return "presence"
	case reply.PresenceStats != nil:
		return "presence_stats"
	case reply.History != nil:
		return "history"
	case reply.Rpc != nil:
		return "rpc"
	case reply.Refresh != nil:
		return "refresh"
	case reply.SubRefresh != nil:
		return "sub_refresh"
	case reply.Error != nil:
		return "error"
	default:
		return "ping"
	}
}

func pushKind(push *protocol.Push) string {
	switch {
	case push.Pub != nil:
		return "publication"
	case push.Join != nil:
		return "join"
	case push.Leave != nil:
		return "leave"
	case push.Subscribe != nil:
		return "server_subscribe"
	case push.Unsubscribe != nil:
		return "server_unsubscribe"
	case push.Message != nil:
		return "message"
	case push.Disconnect != nil:
		return "disconnect"
	case push.Connect != nil:
		return "server_connect"
	case push.Refresh != nil:
		return "server_refresh"
	default:
		return "unknown"
	}
}
