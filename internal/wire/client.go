package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ── Actions ────────────────────────────────────────────────────────

// Action is one element of a Perform request.
type Action struct {
	Kind      ActionKind
	To        Point     // Move
	Facing    Direction // Rotate
	Target    uint32    // Interaction: piece id
	Name      string    // Interaction: command name
	Value     Value     // Interaction payload
	Animation string    // Emote
	Duration  uint32    // Emote, milliseconds
}

type ActionKind uint8

const (
	ActionMove ActionKind = iota
	ActionRotate
	ActionInteraction
	ActionEmote
)

type moveBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	To       Point
}

type rotateBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Facing   Direction
}

type interactionBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Target   uint32
	Name     string
	Value    Value
}

type emoteBody struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Animation string
	Duration  uint32
}

var _ msgpack.CustomEncoder = (*Action)(nil)
var _ msgpack.CustomDecoder = (*Action)(nil)

func (a *Action) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch a.Kind {
	case ActionMove:
		return encodeVariant(enc, uint8(a.Kind), &moveBody{To: a.To})
	case ActionRotate:
		return encodeVariant(enc, uint8(a.Kind), &rotateBody{Facing: a.Facing})
	case ActionInteraction:
		return encodeVariant(enc, uint8(a.Kind), &interactionBody{Target: a.Target, Name: a.Name, Value: a.Value})
	case ActionEmote:
		return encodeVariant(enc, uint8(a.Kind), &emoteBody{Animation: a.Animation, Duration: a.Duration})
	default:
		return fmt.Errorf("action: unknown kind %d", a.Kind)
	}
}

func (a *Action) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, hasBody, err := decodeVariantHeader(dec, "action")
	if err != nil {
		return err
	}
	*a = Action{Kind: ActionKind(tag)}
	switch a.Kind {
	case ActionMove:
		var b moveBody
		if err := decodeBody(dec, hasBody, "action.move", &b); err != nil {
			return err
		}
		a.To = b.To
	case ActionRotate:
		var b rotateBody
		if err := decodeBody(dec, hasBody, "action.rotate", &b); err != nil {
			return err
		}
		a.Facing = b.Facing
	case ActionInteraction:
		var b interactionBody
		if err := decodeBody(dec, hasBody, "action.interaction", &b); err != nil {
			return err
		}
		a.Target, a.Name, a.Value = b.Target, b.Name, b.Value
	case ActionEmote:
		var b emoteBody
		if err := decodeBody(dec, hasBody, "action.emote", &b); err != nil {
			return err
		}
		a.Animation, a.Duration = b.Animation, b.Duration
	default:
		return fmt.Errorf("action: unknown tag %d", tag)
	}
	return nil
}

// ── Location targets ───────────────────────────────────────────────

type TargetKind uint8

const (
	TargetHome TargetKind = iota
	TargetNoWhere
	TargetTrainNext
	TargetRealm
)

// LocationTarget names where a LocationChange should take the player.
type LocationTarget struct {
	Kind   TargetKind
	Owner  string
	Asset  string
	Server string
}

type realmTargetBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Owner    string
	Asset    string
	Server   string
}

var _ msgpack.CustomEncoder = (*LocationTarget)(nil)
var _ msgpack.CustomDecoder = (*LocationTarget)(nil)

func (t *LocationTarget) EncodeMsgpack(enc *msgpack.Encoder) error {
	if t.Kind == TargetRealm {
		return encodeVariant(enc, uint8(t.Kind), &realmTargetBody{Owner: t.Owner, Asset: t.Asset, Server: t.Server})
	}
	return encodeVariant(enc, uint8(t.Kind), nil)
}

func (t *LocationTarget) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, hasBody, err := decodeVariantHeader(dec, "target")
	if err != nil {
		return err
	}
	*t = LocationTarget{Kind: TargetKind(tag)}
	switch t.Kind {
	case TargetRealm:
		var b realmTargetBody
		if err := decodeBody(dec, hasBody, "target.realm", &b); err != nil {
			return err
		}
		t.Owner, t.Asset, t.Server = b.Owner, b.Asset, b.Server
		return nil
	case TargetHome, TargetNoWhere, TargetTrainNext:
		return requireBare(hasBody, "target")
	default:
		return fmt.Errorf("target: unknown tag %d", tag)
	}
}

// ── In-realm requests ──────────────────────────────────────────────

type RealmRequestKind uint8

const (
	RealmPerform RealmRequestKind = iota
	RealmChangeSetting
	RealmAnnouncementAdd
	RealmAnnouncementClear
	RealmAnnouncementList
	RealmKick
)

// RealmRequest is the body of an InLocation message.
type RealmRequest struct {
	Kind         RealmRequestKind
	Actions      []Action
	SettingName  string
	SettingValue Value
	Announcement Announcement
	ClearID      uint32
	KickTarget   string // principal
}

type performBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Actions  []Action
}

type changeSettingBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Name     string
	Value    Value
}

type announcementClearBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       uint32
}

type kickBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Target   string
}

var _ msgpack.CustomEncoder = (*RealmRequest)(nil)
var _ msgpack.CustomDecoder = (*RealmRequest)(nil)

func (r *RealmRequest) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch r.Kind {
	case RealmPerform:
		return encodeVariant(enc, uint8(r.Kind), &performBody{Actions: r.Actions})
	case RealmChangeSetting:
		return encodeVariant(enc, uint8(r.Kind), &changeSettingBody{Name: r.SettingName, Value: r.SettingValue})
	case RealmAnnouncementAdd:
		return encodeVariant(enc, uint8(r.Kind), &r.Announcement)
	case RealmAnnouncementClear:
		return encodeVariant(enc, uint8(r.Kind), &announcementClearBody{ID: r.ClearID})
	case RealmAnnouncementList:
		return encodeVariant(enc, uint8(r.Kind), nil)
	case RealmKick:
		return encodeVariant(enc, uint8(r.Kind), &kickBody{Target: r.KickTarget})
	default:
		return fmt.Errorf("realm request: unknown kind %d", r.Kind)
	}
}

func (r *RealmRequest) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, hasBody, err := decodeVariantHeader(dec, "realm request")
	if err != nil {
		return err
	}
	*r = RealmRequest{Kind: RealmRequestKind(tag)}
	switch r.Kind {
	case RealmPerform:
		var b performBody
		if err := decodeBody(dec, hasBody, "realm.perform", &b); err != nil {
			return err
		}
		r.Actions = b.Actions
	case RealmChangeSetting:
		var b changeSettingBody
		if err := decodeBody(dec, hasBody, "realm.setting", &b); err != nil {
			return err
		}
		r.SettingName, r.SettingValue = b.Name, b.Value
	case RealmAnnouncementAdd:
		if err := decodeBody(dec, hasBody, "realm.announcement", &r.Announcement); err != nil {
			return err
		}
	case RealmAnnouncementClear:
		var b announcementClearBody
		if err := decodeBody(dec, hasBody, "realm.clear", &b); err != nil {
			return err
		}
		r.ClearID = b.ID
	case RealmAnnouncementList:
		return requireBare(hasBody, "realm.list")
	case RealmKick:
		var b kickBody
		if err := decodeBody(dec, hasBody, "realm.kick", &b); err != nil {
			return err
		}
		r.KickTarget = b.Target
	default:
		return fmt.Errorf("realm request: unknown tag %d", tag)
	}
	return nil
}

// ── Access rules ───────────────────────────────────────────────────

// AccessRule pairs a textual subject pattern (`*`, `*@server`,
// `player@server`, `player`) with an allow or deny verdict.
type AccessRule struct {
	_msgpack struct{} `msgpack:",as_array"`

	Subject string
	Allow   bool
}

// Bookmark is a player-owned pointer to a realm, player, or asset.
type Bookmark struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind  string
	Value string
}

// CalendarEntry is one upcoming event from a subscribed realm calendar.
type CalendarEntry struct {
	_msgpack struct{} `msgpack:",as_array"`

	Realm string
	Title string
	Start int64
	End   int64
}

// ── Client → server messages ───────────────────────────────────────

type ClientKind uint8

const (
	CAssetPull ClientKind = iota
	CLocationChange
	CInLocation
	CLocationMessageSend
	CLocationMessagesGet
	CDirectMessageSend
	CFollowRequest
	CFollowResponse
	CEmoteRequest
	CEmoteResponse
	CBookmarkAdd
	CBookmarkRemove
	CBookmarkList
	CAccessGet
	CAccessSet
	CCalendarSubscribe
	CCalendarUnsubscribe
	CCalendarList
)

// ClientMessage is the top-level client-to-server union. ID is the
// request id echoed back in the matching Response.
type ClientMessage struct {
	Kind ClientKind
	ID   string

	Asset      string         // AssetPull
	Target     LocationTarget // LocationChange
	Request    RealmRequest   // InLocation
	Body       string         // LocationMessageSend, DirectMessageSend
	From, To   int64          // LocationMessagesGet
	Recipient  string         // DirectMessageSend, Follow*, Emote*: principal
	Accept     bool           // FollowResponse, EmoteResponse
	Emote      string         // EmoteRequest
	Bookmark   Bookmark       // BookmarkAdd/Remove
	ACLKind    string         // AccessGet/Set: "access","admin","message","online","location","new_realm"
	Rules      []AccessRule   // AccessSet
	ACLDefault bool           // AccessSet
	Calendar   realmTargetBody
}

type clientHeader struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
}

type assetPullBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	Asset    string
}

type locationChangeBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	Target   LocationTarget
}

type inLocationBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	Request  RealmRequest
}

type textBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	Body     string
}

type rangeBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	From     int64
	To       int64
}

type directedBody struct {
	_msgpack  struct{} `msgpack:",as_array"`
	ID        string
	Recipient string
	Body      string
}

type acceptBody struct {
	_msgpack  struct{} `msgpack:",as_array"`
	ID        string
	Recipient string
	Accept    bool
}

type emoteReqBody struct {
	_msgpack  struct{} `msgpack:",as_array"`
	ID        string
	Recipient string
	Emote     string
}

type emoteRespBody struct {
	_msgpack  struct{} `msgpack:",as_array"`
	ID        string
	Recipient string
	Accept    bool
	Emote     string
}

type bookmarkBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	Bookmark Bookmark
}

type accessGetBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	ACLKind  string
}

type accessSetBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	ACLKind  string
	Rules    []AccessRule
	Default  bool
}

type calendarBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	Owner    string
	Asset    string
	Server   string
}

var _ msgpack.CustomEncoder = (*ClientMessage)(nil)
var _ msgpack.CustomDecoder = (*ClientMessage)(nil)

func (m *ClientMessage) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch m.Kind {
	case CAssetPull:
		return encodeVariant(enc, uint8(m.Kind), &assetPullBody{ID: m.ID, Asset: m.Asset})
	case CLocationChange:
		return encodeVariant(enc, uint8(m.Kind), &locationChangeBody{ID: m.ID, Target: m.Target})
	case CInLocation:
		return encodeVariant(enc, uint8(m.Kind), &inLocationBody{ID: m.ID, Request: m.Request})
	case CLocationMessageSend:
		return encodeVariant(enc, uint8(m.Kind), &textBody{ID: m.ID, Body: m.Body})
	case CLocationMessagesGet:
		return encodeVariant(enc, uint8(m.Kind), &rangeBody{ID: m.ID, From: m.From, To: m.To})
	case CDirectMessageSend:
		return encodeVariant(enc, uint8(m.Kind), &directedBody{ID: m.ID, Recipient: m.Recipient, Body: m.Body})
	case CFollowRequest:
		return encodeVariant(enc, uint8(m.Kind), &directedBody{ID: m.ID, Recipient: m.Recipient})
	case CFollowResponse:
		return encodeVariant(enc, uint8(m.Kind), &acceptBody{ID: m.ID, Recipient: m.Recipient, Accept: m.Accept})
	case CEmoteRequest:
		return encodeVariant(enc, uint8(m.Kind), &emoteReqBody{ID: m.ID, Recipient: m.Recipient, Emote: m.Emote})
	case CEmoteResponse:
		return encodeVariant(enc, uint8(m.Kind), &emoteRespBody{ID: m.ID, Recipient: m.Recipient, Accept: m.Accept, Emote: m.Emote})
	case CBookmarkAdd, CBookmarkRemove:
		return encodeVariant(enc, uint8(m.Kind), &bookmarkBody{ID: m.ID, Bookmark: m.Bookmark})
	case CBookmarkList:
		return encodeVariant(enc, uint8(m.Kind), &clientHeader{ID: m.ID})
	case CAccessGet:
		return encodeVariant(enc, uint8(m.Kind), &accessGetBody{ID: m.ID, ACLKind: m.ACLKind})
	case CAccessSet:
		return encodeVariant(enc, uint8(m.Kind), &accessSetBody{ID: m.ID, ACLKind: m.ACLKind, Rules: m.Rules, Default: m.ACLDefault})
	case CCalendarSubscribe, CCalendarUnsubscribe:
		return encodeVariant(enc, uint8(m.Kind), &calendarBody{ID: m.ID, Owner: m.Calendar.Owner, Asset: m.Calendar.Asset, Server: m.Calendar.Server})
	case CCalendarList:
		return encodeVariant(enc, uint8(m.Kind), &clientHeader{ID: m.ID})
	default:
		return fmt.Errorf("client message: unknown kind %d", m.Kind)
	}
}

func (m *ClientMessage) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, hasBody, err := decodeVariantHeader(dec, "client message")
	if err != nil {
		return err
	}
	*m = ClientMessage{Kind: ClientKind(tag)}
	switch m.Kind {
	case CAssetPull:
		var b assetPullBody
		if err := decodeBody(dec, hasBody, "client.asset_pull", &b); err != nil {
			return err
		}
		m.ID, m.Asset = b.ID, b.Asset
	case CLocationChange:
		var b locationChangeBody
		if err := decodeBody(dec, hasBody, "client.location_change", &b); err != nil {
			return err
		}
		m.ID, m.Target = b.ID, b.Target
	case CInLocation:
		var b inLocationBody
		if err := decodeBody(dec, hasBody, "client.in_location", &b); err != nil {
			return err
		}
		m.ID, m.Request = b.ID, b.Request
	case CLocationMessageSend:
		var b textBody
		if err := decodeBody(dec, hasBody, "client.location_message", &b); err != nil {
			return err
		}
		m.ID, m.Body = b.ID, b.Body
	case CLocationMessagesGet:
		var b rangeBody
		if err := decodeBody(dec, hasBody, "client.location_messages", &b); err != nil {
			return err
		}
		m.ID, m.From, m.To = b.ID, b.From, b.To
	case CDirectMessageSend:
		var b directedBody
		if err := decodeBody(dec, hasBody, "client.direct_message", &b); err != nil {
			return err
		}
		m.ID, m.Recipient, m.Body = b.ID, b.Recipient, b.Body
	case CFollowRequest:
		var b directedBody
		if err := decodeBody(dec, hasBody, "client.follow_request", &b); err != nil {
			return err
		}
		m.ID, m.Recipient = b.ID, b.Recipient
	case CFollowResponse:
		var b acceptBody
		if err := decodeBody(dec, hasBody, "client.response", &b); err != nil {
			return err
		}
		m.ID, m.Recipient, m.Accept = b.ID, b.Recipient, b.Accept
	case CEmoteResponse:
		var b emoteRespBody
		if err := decodeBody(dec, hasBody, "client.emote_response", &b); err != nil {
			return err
		}
		m.ID, m.Recipient, m.Accept, m.Emote = b.ID, b.Recipient, b.Accept, b.Emote
	case CEmoteRequest:
		var b emoteReqBody
		if err := decodeBody(dec, hasBody, "client.emote_request", &b); err != nil {
			return err
		}
		m.ID, m.Recipient, m.Emote = b.ID, b.Recipient, b.Emote
	case CBookmarkAdd, CBookmarkRemove:
		var b bookmarkBody
		if err := decodeBody(dec, hasBody, "client.bookmark", &b); err != nil {
			return err
		}
		m.ID, m.Bookmark = b.ID, b.Bookmark
	case CBookmarkList, CCalendarList:
		var b clientHeader
		if err := decodeBody(dec, hasBody, "client.list", &b); err != nil {
			return err
		}
		m.ID = b.ID
	case CAccessGet:
		var b accessGetBody
		if err := decodeBody(dec, hasBody, "client.access_get", &b); err != nil {
			return err
		}
		m.ID, m.ACLKind = b.ID, b.ACLKind
	case CAccessSet:
		var b accessSetBody
		if err := decodeBody(dec, hasBody, "client.access_set", &b); err != nil {
			return err
		}
		m.ID, m.ACLKind, m.Rules, m.ACLDefault = b.ID, b.ACLKind, b.Rules, b.Default
	case CCalendarSubscribe, CCalendarUnsubscribe:
		var b calendarBody
		if err := decodeBody(dec, hasBody, "client.calendar", &b); err != nil {
			return err
		}
		m.ID = b.ID
		m.Calendar = realmTargetBody{Owner: b.Owner, Asset: b.Asset, Server: b.Server}
	default:
		return fmt.Errorf("client message: unknown tag %d", tag)
	}
	return nil
}

// CalendarTarget returns the owner/asset/server triple of a calendar
// subscribe or unsubscribe message.
func (m *ClientMessage) CalendarTarget() (owner, asset, server string) {
	return m.Calendar.Owner, m.Calendar.Asset, m.Calendar.Server
}

// SetCalendarTarget fills the calendar triple on a subscribe message.
func (m *ClientMessage) SetCalendarTarget(owner, asset, server string) {
	m.Calendar = realmTargetBody{Owner: owner, Asset: asset, Server: server}
}
