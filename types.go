package centrifuge

import (
	"github.com/centrifugal/protocol"
)

// Publication contains Data sent to channel subscribers.
// In channels with recover option on it also has incremental Offset.
// If Publication sent from client side it can also have ClientInfo (otherwise nil).
type Publication struct {
	Offset uint64
	Data   []byte
	Info   *ClientInfo
	Tags   map[string]string
}

func publicationFromProto(pp *protocol.Publication) Publication {
	pub := Publication{
		Offset: pp.Offset,
		Data:   pp.Data,
		Tags:   pp.Tags,
	}
	if pp.GetInfo() != nil {
		pub.Info = clientInfoFromProto(pp.GetInfo())
	}
	return pub
}

// ClientInfo contains information about client connection.
// This is returned in presence response, sent in Join/Leave messages,
// can also be attached to Publication.
type ClientInfo struct {
	User     string
	Client   string
	ConnInfo []byte
	ChanInfo []byte
}

func clientInfoFromProto(pi *protocol.ClientInfo) *ClientInfo {
	return &ClientInfo{
		User:     pi.User,
		Client:   pi.Client,
		ConnInfo: pi.ConnInfo,
		ChanInfo: pi.ChanInfo,
	}
}

// StreamPosition describes a position of publication inside a channel stream.
type StreamPosition struct {
	// Offset of publication in channel stream.
	Offset uint64
	// Epoch of current stream lineage. Offset-based recovery only makes
	// sense within one epoch.
	Epoch string
}

// PublishResult is a result of a successful publish request.
type PublishResult struct{}

// RPCResult contains data returned from a server RPC handler.
type RPCResult struct {
	Data []byte
}

// HistoryResult is a result of a history request.
type HistoryResult struct {
	// Publications is an array of publications in channel history.
	Publications []Publication
	// Offset of the last publication in channel stream.
	Offset uint64
	// Epoch of current stream lineage.
	Epoch string
}

// PresenceResult is a result of a presence request.
type PresenceResult struct {
	// Clients currently subscribed to a channel, keyed by client id.
	Clients map[string]ClientInfo
}

// PresenceStatsResult is a short summary of a channel presence information.
type PresenceStatsResult struct {
	NumClients int
	NumUsers   int
}

// HistoryOptions define time how history operation should behave.
type HistoryOptions struct {
	// Limit sets the max amount of publications to return. 0 means no
	// publications, only current stream position.
	Limit int32
	// Since is a stream position to return publications after.
	Since *StreamPosition
	// Reverse direction of iteration.
	Reverse bool
}

// HistoryOption is a type to represent various history request options.
type HistoryOption func(options *HistoryOptions)

// WithHistorySince allows setting Since option.
func WithHistorySince(sp *StreamPosition) HistoryOption {
	return func(options *HistoryOptions) {
		options.Since = sp
	}
}

// WithHistoryLimit allows setting Limit option.
func WithHistoryLimit(limit int32) HistoryOption {
	return func(options *HistoryOptions) {
		options.Limit = limit
	}
}

// WithHistoryReverse allows setting Reverse option.
func WithHistoryReverse(reverse bool) HistoryOption {
	return func(options *HistoryOptions) {
		options.Reverse = reverse
	}
}
