package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ResponseStatus is the outcome of a client request. NotAllowed is safe
// to show the user; InternalError deliberately carries no detail.
type ResponseStatus uint8

const (
	StatusSuccess ResponseStatus = iota
	StatusNotAllowed
	StatusInternalError
)

// Property is one named client-visible value set by consequence rules.
type Property struct {
	_msgpack struct{} `msgpack:",as_array"`

	Name  string
	Value Value
}

// Setting is one owner-adjustable realm setting.
type Setting struct {
	_msgpack struct{} `msgpack:",as_array"`

	Name  string
	Value Value
}

// GateState reports one manifold edge gate.
type GateState struct {
	_msgpack struct{} `msgpack:",as_array"`

	Edge uint64
	Open bool
}

// Snapshot is everything a freshly admitted player needs to render a
// realm. The manifold itself travels inside the template asset, which
// the client fetches separately by id.
type Snapshot struct {
	_msgpack struct{} `msgpack:",as_array"`

	Name          string
	Asset         string
	Seed          int64
	Settings      []Setting
	Properties    []Property
	Gates         []GateState
	Players       []string
	Announcements []Announcement
	Chat          []ChatLine
	Spawn         Point
	JitterMs      uint32
}

type ServerKind uint8

const (
	SResponse ServerKind = iota
	SAssetData
	SRealmSnapshot
	SPropertyChanged
	SGateChanged
	SCommittedPath
	SPresenceChanged
	SChat
	SAnnouncements
	SAccessCurrent
	SBookmarks
	SCalendarEntries
	SLost
	SEmote
	SSettingChanged
	SFollowRequest
	SEmoteRequest
)

// ServerMessage is the top-level server-to-client union. Seq is a
// per-session monotonic sequence number; clients drop duplicates after
// a reconnect.
type ServerMessage struct {
	Kind ServerKind
	Seq  uint64

	ID      string         // Response, AssetData: request id
	Status  ResponseStatus // Response
	Detail  string         // Response (NotAllowed reason), Lost
	Asset   string         // AssetData
	Bytes   []byte         // AssetData; nil when not found
	Found   bool           // AssetData
	Snap    Snapshot       // RealmSnapshot
	Prop    Property       // PropertyChanged
	Gates   []GateState    // GateChanged
	Player  string         // CommittedPath, PresenceChanged: principal
	Base    int64          // CommittedPath: unix ms
	Steps   []PathStep     // CommittedPath
	Online  bool           // PresenceChanged
	At      Point          // PresenceChanged
	Line    ChatLine       // Chat
	Realm   bool           // Chat: realm-scoped vs direct
	Notices []Announcement // Announcements
	ACLKind string         // AccessCurrent
	Rules   []AccessRule   // AccessCurrent
	Default bool           // AccessCurrent
	Marks   []Bookmark     // Bookmarks
	Entries []CalendarEntry

	Animation string  // Emote
	Duration  uint32  // Emote, milliseconds
	Change    Setting // SettingChanged
}

type responseBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	ID       string
	Status   ResponseStatus
	Detail   string
}

type assetDataBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	ID       string
	Asset    string
	Found    bool
	Bytes    []byte
}

type snapshotBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Snap     Snapshot
}

type propertyBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Prop     Property
}

type gatesBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Gates    []GateState
}

type pathBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Player   string
	Base     int64
	Steps    []PathStep
}

type presenceBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Player   string
	Online   bool
	At       Point
}

type chatBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Line     ChatLine
	Realm    bool
}

type announcementsBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Notices  []Announcement
}

type accessCurrentBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	ACLKind  string
	Rules    []AccessRule
	Default  bool
}

type bookmarksBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Marks    []Bookmark
}

type calendarEntriesBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Entries  []CalendarEntry
}

type lostBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Detail   string
}

type emoteBcastBody struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Seq       uint64
	Player    string
	Animation string
	Duration  uint32
}

type settingChangedBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      uint64
	Change   Setting
}

var _ msgpack.CustomEncoder = (*ServerMessage)(nil)
var _ msgpack.CustomDecoder = (*ServerMessage)(nil)

func (m *ServerMessage) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch m.Kind {
	case SResponse:
		return encodeVariant(enc, uint8(m.Kind), &responseBody{Seq: m.Seq, ID: m.ID, Status: m.Status, Detail: m.Detail})
	case SAssetData:
		return encodeVariant(enc, uint8(m.Kind), &assetDataBody{Seq: m.Seq, ID: m.ID, Asset: m.Asset, Found: m.Found, Bytes: m.Bytes})
	case SRealmSnapshot:
		return encodeVariant(enc, uint8(m.Kind), &snapshotBody{Seq: m.Seq, Snap: m.Snap})
	case SPropertyChanged:
		return encodeVariant(enc, uint8(m.Kind), &propertyBody{Seq: m.Seq, Prop: m.Prop})
	case SGateChanged:
		return encodeVariant(enc, uint8(m.Kind), &gatesBody{Seq: m.Seq, Gates: m.Gates})
	case SCommittedPath:
		return encodeVariant(enc, uint8(m.Kind), &pathBody{Seq: m.Seq, Player: m.Player, Base: m.Base, Steps: m.Steps})
	case SPresenceChanged:
		return encodeVariant(enc, uint8(m.Kind), &presenceBody{Seq: m.Seq, Player: m.Player, Online: m.Online, At: m.At})
	case SChat:
		return encodeVariant(enc, uint8(m.Kind), &chatBody{Seq: m.Seq, Line: m.Line, Realm: m.Realm})
	case SAnnouncements:
		return encodeVariant(enc, uint8(m.Kind), &announcementsBody{Seq: m.Seq, Notices: m.Notices})
	case SAccessCurrent:
		return encodeVariant(enc, uint8(m.Kind), &accessCurrentBody{Seq: m.Seq, ACLKind: m.ACLKind, Rules: m.Rules, Default: m.Default})
	case SBookmarks:
		return encodeVariant(enc, uint8(m.Kind), &bookmarksBody{Seq: m.Seq, Marks: m.Marks})
	case SCalendarEntries:
		return encodeVariant(enc, uint8(m.Kind), &calendarEntriesBody{Seq: m.Seq, Entries: m.Entries})
	case SLost:
		return encodeVariant(enc, uint8(m.Kind), &lostBody{Seq: m.Seq, Detail: m.Detail})
	case SEmote:
		return encodeVariant(enc, uint8(m.Kind), &emoteBcastBody{Seq: m.Seq, Player: m.Player, Animation: m.Animation, Duration: m.Duration})
	case SSettingChanged:
		return encodeVariant(enc, uint8(m.Kind), &settingChangedBody{Seq: m.Seq, Change: m.Change})
	case SFollowRequest:
		return encodeVariant(enc, uint8(m.Kind), &presenceBody{Seq: m.Seq, Player: m.Player})
	case SEmoteRequest:
		return encodeVariant(enc, uint8(m.Kind), &emoteBcastBody{Seq: m.Seq, Player: m.Player, Animation: m.Animation})
	default:
		return fmt.Errorf("server message: unknown kind %d", m.Kind)
	}
}

func (m *ServerMessage) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, hasBody, err := decodeVariantHeader(dec, "server message")
	if err != nil {
		return err
	}
	*m = ServerMessage{Kind: ServerKind(tag)}
	switch m.Kind {
	case SResponse:
		var b responseBody
		if err := decodeBody(dec, hasBody, "server.response", &b); err != nil {
			return err
		}
		m.Seq, m.ID, m.Status, m.Detail = b.Seq, b.ID, b.Status, b.Detail
	case SAssetData:
		var b assetDataBody
		if err := decodeBody(dec, hasBody, "server.asset", &b); err != nil {
			return err
		}
		m.Seq, m.ID, m.Asset, m.Found, m.Bytes = b.Seq, b.ID, b.Asset, b.Found, b.Bytes
	case SRealmSnapshot:
		var b snapshotBody
		if err := decodeBody(dec, hasBody, "server.snapshot", &b); err != nil {
			return err
		}
		m.Seq, m.Snap = b.Seq, b.Snap
	case SPropertyChanged:
		var b propertyBody
		if err := decodeBody(dec, hasBody, "server.property", &b); err != nil {
			return err
		}
		m.Seq, m.Prop = b.Seq, b.Prop
	case SGateChanged:
		var b gatesBody
		if err := decodeBody(dec, hasBody, "server.gates", &b); err != nil {
			return err
		}
		m.Seq, m.Gates = b.Seq, b.Gates
	case SCommittedPath:
		var b pathBody
		if err := decodeBody(dec, hasBody, "server.path", &b); err != nil {
			return err
		}
		m.Seq, m.Player, m.Base, m.Steps = b.Seq, b.Player, b.Base, b.Steps
	case SPresenceChanged:
		var b presenceBody
		if err := decodeBody(dec, hasBody, "server.presence", &b); err != nil {
			return err
		}
		m.Seq, m.Player, m.Online, m.At = b.Seq, b.Player, b.Online, b.At
	case SChat:
		var b chatBody
		if err := decodeBody(dec, hasBody, "server.chat", &b); err != nil {
			return err
		}
		m.Seq, m.Line, m.Realm = b.Seq, b.Line, b.Realm
	case SAnnouncements:
		var b announcementsBody
		if err := decodeBody(dec, hasBody, "server.announcements", &b); err != nil {
			return err
		}
		m.Seq, m.Notices = b.Seq, b.Notices
	case SAccessCurrent:
		var b accessCurrentBody
		if err := decodeBody(dec, hasBody, "server.access", &b); err != nil {
			return err
		}
		m.Seq, m.ACLKind, m.Rules, m.Default = b.Seq, b.ACLKind, b.Rules, b.Default
	case SBookmarks:
		var b bookmarksBody
		if err := decodeBody(dec, hasBody, "server.bookmarks", &b); err != nil {
			return err
		}
		m.Seq, m.Marks = b.Seq, b.Marks
	case SCalendarEntries:
		var b calendarEntriesBody
		if err := decodeBody(dec, hasBody, "server.calendar", &b); err != nil {
			return err
		}
		m.Seq, m.Entries = b.Seq, b.Entries
	case SLost:
		var b lostBody
		if err := decodeBody(dec, hasBody, "server.lost", &b); err != nil {
			return err
		}
		m.Seq, m.Detail = b.Seq, b.Detail
	case SEmote:
		var b emoteBcastBody
		if err := decodeBody(dec, hasBody, "server.emote", &b); err != nil {
			return err
		}
		m.Seq, m.Player, m.Animation, m.Duration = b.Seq, b.Player, b.Animation, b.Duration
	case SSettingChanged:
		var b settingChangedBody
		if err := decodeBody(dec, hasBody, "server.setting", &b); err != nil {
			return err
		}
		m.Seq, m.Change = b.Seq, b.Change
	case SFollowRequest:
		var b presenceBody
		if err := decodeBody(dec, hasBody, "server.follow", &b); err != nil {
			return err
		}
		m.Seq, m.Player = b.Seq, b.Player
	case SEmoteRequest:
		var b emoteBcastBody
		if err := decodeBody(dec, hasBody, "server.emote_request", &b); err != nil {
			return err
		}
		m.Seq, m.Player, m.Animation = b.Seq, b.Player, b.Animation
	default:
		return fmt.Errorf("server message: unknown tag %d", tag)
	}
	return nil
}
