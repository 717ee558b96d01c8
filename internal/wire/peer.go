package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Federation frames share the client framing: a msgpack envelope with a
// stream id multiplexing per-player sessions, asset traffic, chat,
// calendar fetches, and control messages over one connection per peer.

// StreamControl is the reserved stream id for connection-scoped
// messages (asset swarm, bans, ACL probes). Player sessions use ids
// allocated from 1 upward by the opening side.
const StreamControl uint32 = 0

type PeerKind uint8

const (
	PAssetWant PeerKind = iota
	PAssetHave
	PAssetBlob
	PSessionOpen
	PSessionInput
	PSessionOutput
	PSessionClose
	PChatDeliver
	PCalendarFetch
	PCalendarEntries
	PACLProbe
	PACLResult
	PBanAnnounce
)

// PeerMessage is one federation payload.
type PeerMessage struct {
	Kind PeerKind

	Asset  string // AssetWant/Have/Blob
	Bytes  []byte // AssetBlob
	Player string // SessionOpen: remote principal; ChatDeliver: sender or recipient
	Owner  string // SessionOpen target realm, CalendarFetch, ACLProbe
	Realm  string // asset id of target realm
	Input  []byte // SessionInput: encoded ClientMessage
	Output []byte // SessionOutput: encoded ServerMessage
	Reason string // SessionClose, ACLResult deny reason, BanAnnounce

	Recipient string // ChatDeliver: local recipient name
	Body      string // ChatDeliver
	Created   int64  // ChatDeliver: unix ms, dedupe key with sender/recipient

	Entries []CalendarEntry // CalendarEntries
	Allowed bool            // ACLResult
	Probe   uint64          // ACLProbe/Result correlation
}

// PeerEnvelope is the frame actually written to a peer socket.
type PeerEnvelope struct {
	Stream  uint32
	Message PeerMessage
}

type peerAssetBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Asset    string
}

type peerBlobBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Asset    string
	Bytes    []byte
}

type peerSessionOpenBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Player   string
	Owner    string
	Realm    string
}

type peerRawBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Bytes    []byte
}

type peerReasonBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Reason   string
}

type peerChatBody struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Player    string
	Recipient string
	Created   int64
	Body      string
}

type peerCalendarFetchBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Owner    string
	Realm    string
	Player   string
}

type peerCalendarEntriesBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Entries  []CalendarEntry
}

type peerACLProbeBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Probe    uint64
	Player   string
	Owner    string
	Realm    string
}

type peerACLResultBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Probe    uint64
	Allowed  bool
	Reason   string
}

var _ msgpack.CustomEncoder = (*PeerEnvelope)(nil)
var _ msgpack.CustomDecoder = (*PeerEnvelope)(nil)

func (e *PeerEnvelope) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeUint32(e.Stream); err != nil {
		return err
	}
	m := &e.Message
	if err := enc.EncodeUint8(uint8(m.Kind)); err != nil {
		return err
	}
	switch m.Kind {
	case PAssetWant, PAssetHave:
		return enc.Encode(&peerAssetBody{Asset: m.Asset})
	case PAssetBlob:
		return enc.Encode(&peerBlobBody{Asset: m.Asset, Bytes: m.Bytes})
	case PSessionOpen:
		return enc.Encode(&peerSessionOpenBody{Player: m.Player, Owner: m.Owner, Realm: m.Realm})
	case PSessionInput:
		return enc.Encode(&peerRawBody{Bytes: m.Input})
	case PSessionOutput:
		return enc.Encode(&peerRawBody{Bytes: m.Output})
	case PSessionClose, PBanAnnounce:
		return enc.Encode(&peerReasonBody{Reason: m.Reason})
	case PChatDeliver:
		return enc.Encode(&peerChatBody{Player: m.Player, Recipient: m.Recipient, Created: m.Created, Body: m.Body})
	case PCalendarFetch:
		return enc.Encode(&peerCalendarFetchBody{Owner: m.Owner, Realm: m.Realm, Player: m.Player})
	case PCalendarEntries:
		return enc.Encode(&peerCalendarEntriesBody{Entries: m.Entries})
	case PACLProbe:
		return enc.Encode(&peerACLProbeBody{Probe: m.Probe, Player: m.Player, Owner: m.Owner, Realm: m.Realm})
	case PACLResult:
		return enc.Encode(&peerACLResultBody{Probe: m.Probe, Allowed: m.Allowed, Reason: m.Reason})
	default:
		return fmt.Errorf("peer message: unknown kind %d", m.Kind)
	}
}

func (e *PeerEnvelope) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("peer envelope: arity %d", n)
	}
	if e.Stream, err = dec.DecodeUint32(); err != nil {
		return err
	}
	tag, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	e.Message = PeerMessage{Kind: PeerKind(tag)}
	m := &e.Message
	switch m.Kind {
	case PAssetWant, PAssetHave:
		var b peerAssetBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Asset = b.Asset
	case PAssetBlob:
		var b peerBlobBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Asset, m.Bytes = b.Asset, b.Bytes
	case PSessionOpen:
		var b peerSessionOpenBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Player, m.Owner, m.Realm = b.Player, b.Owner, b.Realm
	case PSessionInput:
		var b peerRawBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Input = b.Bytes
	case PSessionOutput:
		var b peerRawBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Output = b.Bytes
	case PSessionClose, PBanAnnounce:
		var b peerReasonBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Reason = b.Reason
	case PChatDeliver:
		var b peerChatBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Player, m.Recipient, m.Created, m.Body = b.Player, b.Recipient, b.Created, b.Body
	case PCalendarFetch:
		var b peerCalendarFetchBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Owner, m.Realm, m.Player = b.Owner, b.Realm, b.Player
	case PCalendarEntries:
		var b peerCalendarEntriesBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Entries = b.Entries
	case PACLProbe:
		var b peerACLProbeBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Probe, m.Player, m.Owner, m.Realm = b.Probe, b.Player, b.Owner, b.Realm
	case PACLResult:
		var b peerACLResultBody
		if err := dec.Decode(&b); err != nil {
			return err
		}
		m.Probe, m.Allowed, m.Reason = b.Probe, b.Allowed, b.Reason
	default:
		return fmt.Errorf("peer message: unknown tag %d", tag)
	}
	return nil
}
