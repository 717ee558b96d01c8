package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/spadina/server/internal/acl"
	"github.com/spadina/server/internal/asset"
	"github.com/spadina/server/internal/directory"
	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/realm"
	"github.com/spadina/server/internal/wire"
	"go.uber.org/zap"
)

// PeerChat is the router's handle to federation for traffic that
// leaves this server. Nil disables it.
type PeerChat interface {
	// SendChat delivers (or queues) one direct message to a remote
	// principal.
	SendChat(recipient string, senderName string, created int64, body string)
	// FetchCalendar asks a peer for a subscribed realm's calendar;
	// entries arrive later as a push.
	FetchCalendar(server, owner, assetID, forPrincipal string)
}

// Router dispatches inbound client messages to the directory, the
// current realm, or local handlers.
type Router struct {
	ServerName string
	Directory  *directory.Directory
	Resolver   *asset.Resolver
	Players    *persist.PlayerRepo
	Chats      *persist.ChatRepo
	Bookmarks  *persist.BookmarkRepo
	Realms     *persist.RealmRepo
	Peers      PeerChat
	Log        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRouter(serverName string, dir *directory.Directory, resolver *asset.Resolver, db *persist.DB, peers PeerChat, log *zap.Logger) *Router {
	return &Router{
		ServerName: serverName,
		Directory:  dir,
		Resolver:   resolver,
		Players:    persist.NewPlayerRepo(db),
		Chats:      persist.NewChatRepo(db),
		Bookmarks:  persist.NewBookmarkRepo(db),
		Realms:     persist.NewRealmRepo(db),
		Peers:      peers,
		Log:        log,
		sessions:   make(map[string]*Session),
	}
}

// Register adds a session to the local delivery table and the
// directory roster.
func (r *Router) Register(s *Session) {
	r.mu.Lock()
	if old := r.sessions[s.Principal]; old != nil {
		old.Drop("superseded by a new session")
	}
	r.sessions[s.Principal] = s
	r.mu.Unlock()
	r.Directory.Attach(s.Principal, s.LocalID, s.Admin, s)
}

func (r *Router) SessionClosed(s *Session) {
	r.mu.Lock()
	if r.sessions[s.Principal] == s {
		delete(r.sessions, s.Principal)
	}
	r.mu.Unlock()
	r.Directory.Detach(s.Principal)
}

// DeliverChat pushes an inbound federated message to the recipient's
// live session, if any; the row is already persisted.
func (r *Router) DeliverChat(recipient string, sender string, created int64, body string) {
	if s := r.lookup(recipient); s != nil {
		s.Deliver(wire.ServerMessage{
			Kind: wire.SChat,
			Line: wire.ChatLine{Sender: sender, Created: created, Body: body},
		})
	}
}

// DeliverCalendar pushes remotely fetched calendar entries to the
// player who asked for them.
func (r *Router) DeliverCalendar(principal string, entries []wire.CalendarEntry) {
	if s := r.lookup(principal); s != nil {
		s.Deliver(wire.ServerMessage{Kind: wire.SCalendarEntries, Entries: entries})
	}
}

func (r *Router) lookup(principal string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[principal]
}

func (r *Router) respond(s *Session, id string, status wire.ResponseStatus, detail string) {
	s.Deliver(wire.ServerMessage{Kind: wire.SResponse, ID: id, Status: status, Detail: detail})
}

// HandleMessage implements Handler. Messages are dispatched in arrival
// order; anything touching the current realm goes through its inbox.
func (r *Router) HandleMessage(s *Session, msg *wire.ClientMessage, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Kind {
	case wire.CAssetPull:
		r.assetPull(ctx, s, msg)
	case wire.CLocationChange:
		id := msg.ID
		r.Directory.ChangeLocation(s.Principal, msg.Target, func(status wire.ResponseStatus, detail string) {
			r.respond(s, id, status, detail)
		})
	case wire.CInLocation:
		r.inLocation(s, msg, at)
	case wire.CLocationMessageSend:
		r.toRealm(s, msg, realm.Input{Kind: realm.InChatPosted, Body: msg.Body})
	case wire.CLocationMessagesGet:
		r.toRealm(s, msg, realm.Input{Kind: realm.InChatHistory, From: msg.From, To: msg.To})
	case wire.CDirectMessageSend:
		r.directMessage(ctx, s, msg)
	case wire.CFollowRequest:
		r.relayRequest(s, msg, wire.ServerMessage{Kind: wire.SFollowRequest, Player: s.Principal})
	case wire.CFollowResponse:
		r.followResponse(s, msg)
	case wire.CEmoteRequest:
		r.relayRequest(s, msg, wire.ServerMessage{Kind: wire.SEmoteRequest, Player: s.Principal, Animation: msg.Emote})
	case wire.CEmoteResponse:
		r.emoteResponse(s, msg, at)
	case wire.CBookmarkAdd, wire.CBookmarkRemove, wire.CBookmarkList:
		r.bookmarks(ctx, s, msg)
	case wire.CAccessGet, wire.CAccessSet:
		r.access(ctx, s, msg)
	case wire.CCalendarSubscribe, wire.CCalendarUnsubscribe, wire.CCalendarList:
		r.calendar(ctx, s, msg)
	default:
		r.respond(s, msg.ID, wire.StatusNotAllowed, "unknown request")
	}
}

func (r *Router) assetPull(ctx context.Context, s *Session, msg *wire.ClientMessage) {
	data, err := r.Resolver.Resolve(ctx, msg.Asset)
	if err != nil {
		s.Deliver(wire.ServerMessage{Kind: wire.SAssetData, ID: msg.ID, Asset: msg.Asset, Found: false})
		return
	}
	s.Deliver(wire.ServerMessage{Kind: wire.SAssetData, ID: msg.ID, Asset: msg.Asset, Found: true, Bytes: data})
}

func (r *Router) toRealm(s *Session, msg *wire.ClientMessage, in realm.Input) {
	id := msg.ID
	in.Principal = s.Principal
	in.LocalID = s.LocalID
	in.Admin = s.Admin
	in.Reply = func(status wire.ResponseStatus, detail string) {
		r.respond(s, id, status, detail)
	}
	if !r.Directory.DeliverInRealm(s.Principal, in, msg) {
		r.respond(s, id, wire.StatusNotAllowed, "not in a realm")
	}
}

func (r *Router) inLocation(s *Session, msg *wire.ClientMessage, at time.Time) {
	req := msg.Request
	var in realm.Input
	switch req.Kind {
	case wire.RealmPerform:
		in = realm.Input{Kind: realm.InPlayerAction, At: at, Actions: req.Actions}
	case wire.RealmChangeSetting:
		in = realm.Input{Kind: realm.InSettingChanged, Setting: wire.Setting{Name: req.SettingName, Value: req.SettingValue}}
	case wire.RealmAnnouncementAdd:
		in = realm.Input{Kind: realm.InAnnouncementMutated, Announce: req.Announcement}
	case wire.RealmAnnouncementClear:
		in = realm.Input{Kind: realm.InAnnouncementMutated, AnnounceClear: req.ClearID}
	case wire.RealmAnnouncementList:
		in = realm.Input{Kind: realm.InAnnouncementMutated, AnnounceList: true}
	case wire.RealmKick:
		in = realm.Input{Kind: realm.InKick, Target: req.KickTarget}
	default:
		r.respond(s, msg.ID, wire.StatusNotAllowed, "unknown realm request")
		return
	}
	r.toRealm(s, msg, in)
}

func (r *Router) directMessage(ctx context.Context, s *Session, msg *wire.ClientMessage) {
	name, server, remote := strings.Cut(msg.Recipient, "@")
	if remote && server != r.ServerName {
		if s.LocalID == 0 || r.Peers == nil {
			r.respond(s, msg.ID, wire.StatusNotAllowed, "no route to server")
			return
		}
		ts, err := r.Chats.NextRemoteStamp(ctx, s.LocalID, msg.Recipient, time.Now())
		if err != nil {
			r.respond(s, msg.ID, wire.StatusInternalError, "")
			return
		}
		fresh, err := r.Chats.RecordRemote(ctx, persist.RemoteChatRow{
			Player: s.LocalID, Inbound: false, Remote: msg.Recipient, Created: ts, Body: msg.Body,
		})
		if err != nil {
			r.respond(s, msg.ID, wire.StatusInternalError, "")
			return
		}
		if fresh {
			r.Peers.SendChat(msg.Recipient, s.Principal, ts, msg.Body)
		}
		r.respond(s, msg.ID, wire.StatusSuccess, "")
		return
	}

	recipient, err := r.Players.Load(ctx, name)
	if err != nil || recipient == nil {
		r.respond(s, msg.ID, wire.StatusNotAllowed, "unknown player")
		return
	}
	senderName, senderServer := s.Principal, ""
	if i := strings.IndexByte(s.Principal, '@'); i >= 0 {
		senderName, senderServer = s.Principal[:i], s.Principal[i+1:]
	}
	if !recipient.MessageACL.Check(senderName, senderServer) {
		r.respond(s, msg.ID, wire.StatusNotAllowed, "recipient declines messages")
		return
	}

	var ts int64
	if s.LocalID != 0 {
		ts, err = r.Chats.RecordLocal(ctx, s.LocalID, recipient.ID, msg.Body, time.Now())
	} else {
		ts = time.Now().UnixMilli()
		_, err = r.Chats.RecordRemote(ctx, persist.RemoteChatRow{
			Player: recipient.ID, Inbound: true, Remote: s.Principal, Created: ts, Body: msg.Body, Delivered: true,
		})
	}
	if err != nil {
		r.respond(s, msg.ID, wire.StatusInternalError, "")
		return
	}
	if online := r.lookup(name); online != nil {
		online.Deliver(wire.ServerMessage{
			Kind: wire.SChat,
			Line: wire.ChatLine{Sender: s.Principal, Created: ts, Body: msg.Body},
		})
	}
	r.respond(s, msg.ID, wire.StatusSuccess, "")
}

// relayRequest forwards a consent request (follow, emote) to a local
// target session.
func (r *Router) relayRequest(s *Session, msg *wire.ClientMessage, push wire.ServerMessage) {
	target := r.lookup(msg.Recipient)
	if target == nil {
		r.respond(s, msg.ID, wire.StatusNotAllowed, "player is not here")
		return
	}
	target.Deliver(push)
	r.respond(s, msg.ID, wire.StatusSuccess, "")
}

func (r *Router) followResponse(s *Session, msg *wire.ClientMessage) {
	requester := r.lookup(msg.Recipient)
	if requester == nil {
		r.respond(s, msg.ID, wire.StatusNotAllowed, "player is gone")
		return
	}
	if !msg.Accept {
		requester.Deliver(wire.ServerMessage{Kind: wire.SResponse, Status: wire.StatusNotAllowed, Detail: "follow declined"})
		r.respond(s, msg.ID, wire.StatusSuccess, "")
		return
	}
	owner, assetID, ok := r.Directory.RealmOf(s.Principal)
	if !ok {
		r.respond(s, msg.ID, wire.StatusNotAllowed, "you are nowhere to follow")
		return
	}
	id := msg.ID
	r.Directory.ChangeLocation(requester.Principal, wire.LocationTarget{
		Kind: wire.TargetRealm, Owner: owner, Asset: assetID, Server: r.ServerName,
	}, func(status wire.ResponseStatus, detail string) {
		r.respond(s, id, status, detail)
	})
}

func (r *Router) emoteResponse(s *Session, msg *wire.ClientMessage, at time.Time) {
	if !msg.Accept {
		r.respond(s, msg.ID, wire.StatusSuccess, "")
		return
	}
	// The accepted emote plays for both players in the realm.
	r.toRealm(s, msg, realm.Input{
		Kind: realm.InPlayerAction, At: at,
		Actions: []wire.Action{{Kind: wire.ActionEmote, Animation: msg.Emote, Duration: 2000}},
	})
}

func (r *Router) bookmarks(ctx context.Context, s *Session, msg *wire.ClientMessage) {
	if s.LocalID == 0 {
		r.respond(s, msg.ID, wire.StatusNotAllowed, "bookmarks live on your home server")
		return
	}
	var err error
	switch msg.Kind {
	case wire.CBookmarkAdd:
		err = r.Bookmarks.Upsert(ctx, s.LocalID, persist.BookmarkRow{Kind: msg.Bookmark.Kind, Value: msg.Bookmark.Value})
	case wire.CBookmarkRemove:
		err = r.Bookmarks.Remove(ctx, s.LocalID, persist.BookmarkRow{Kind: msg.Bookmark.Kind, Value: msg.Bookmark.Value})
	}
	if err != nil {
		r.respond(s, msg.ID, wire.StatusInternalError, "")
		return
	}
	rows, err := r.Bookmarks.List(ctx, s.LocalID)
	if err != nil {
		r.respond(s, msg.ID, wire.StatusInternalError, "")
		return
	}
	marks := make([]wire.Bookmark, len(rows))
	for i, row := range rows {
		marks[i] = wire.Bookmark{Kind: row.Kind, Value: row.Value}
	}
	s.Deliver(wire.ServerMessage{Kind: wire.SBookmarks, ID: msg.ID, Marks: marks})
	r.respond(s, msg.ID, wire.StatusSuccess, "")
}

func (r *Router) access(ctx context.Context, s *Session, msg *wire.ClientMessage) {
	kind := acl.Kind(msg.ACLKind)
	switch kind {
	case acl.KindAccess, acl.KindAdmin:
		// Realm-scoped lists are owned by the current realm.
		in := realm.Input{Kind: realm.InAccessMutated, ACLKind: kind, ACLGet: msg.Kind == wire.CAccessGet}
		if msg.Kind == wire.CAccessSet {
			list, err := decodeRules(msg.Rules, msg.ACLDefault)
			if err != nil {
				r.respond(s, msg.ID, wire.StatusNotAllowed, "bad rule")
				return
			}
			in.ACL = list
		}
		r.toRealm(s, msg, in)
	case acl.KindMessage, acl.KindOnline, acl.KindLocation, acl.KindNewRealm:
		if s.LocalID == 0 {
			r.respond(s, msg.ID, wire.StatusNotAllowed, "acls live on your home server")
			return
		}
		if msg.Kind == wire.CAccessSet {
			list, err := decodeRules(msg.Rules, msg.ACLDefault)
			if err != nil {
				r.respond(s, msg.ID, wire.StatusNotAllowed, "bad rule")
				return
			}
			if err := r.Players.SetACL(ctx, s.LocalID, kind, list); err != nil {
				r.respond(s, msg.ID, wire.StatusInternalError, "")
				return
			}
		}
		row, err := r.Players.LoadByID(ctx, s.LocalID)
		if err != nil || row == nil {
			r.respond(s, msg.ID, wire.StatusInternalError, "")
			return
		}
		var list acl.List
		switch kind {
		case acl.KindMessage:
			list = row.MessageACL
		case acl.KindOnline:
			list = row.OnlineACL
		case acl.KindLocation:
			list = row.LocationACL
		case acl.KindNewRealm:
			list = row.NewRealmACL
		}
		rules := make([]wire.AccessRule, len(list.Rules))
		for i, rule := range list.Rules {
			rules[i] = wire.AccessRule{Subject: rule.Subject(), Allow: rule.Allow}
		}
		s.Deliver(wire.ServerMessage{Kind: wire.SAccessCurrent, ACLKind: msg.ACLKind, Rules: rules, Default: list.Default})
		r.respond(s, msg.ID, wire.StatusSuccess, "")
	default:
		r.respond(s, msg.ID, wire.StatusNotAllowed, "no such acl")
	}
}

func decodeRules(rules []wire.AccessRule, def bool) (acl.List, error) {
	out := acl.List{Default: def, Rules: make([]acl.Rule, len(rules))}
	for i, r := range rules {
		rule, err := acl.Parse(r.Subject, r.Allow)
		if err != nil {
			return acl.List{}, err
		}
		out.Rules[i] = rule
	}
	return out, nil
}

func (r *Router) calendar(ctx context.Context, s *Session, msg *wire.ClientMessage) {
	if s.LocalID == 0 {
		r.respond(s, msg.ID, wire.StatusNotAllowed, "calendars live on your home server")
		return
	}
	owner, assetID, server := msg.CalendarTarget()
	switch msg.Kind {
	case wire.CCalendarSubscribe:
		if err := r.Bookmarks.Subscribe(ctx, s.LocalID, persist.CalendarSubRow{Owner: owner, Asset: assetID, Server: server}); err != nil {
			r.respond(s, msg.ID, wire.StatusInternalError, "")
			return
		}
	case wire.CCalendarUnsubscribe:
		if err := r.Bookmarks.Unsubscribe(ctx, s.LocalID, persist.CalendarSubRow{Owner: owner, Asset: assetID, Server: server}); err != nil {
			r.respond(s, msg.ID, wire.StatusInternalError, "")
			return
		}
	}

	subs, err := r.Bookmarks.Subscriptions(ctx, s.LocalID)
	if err != nil {
		r.respond(s, msg.ID, wire.StatusInternalError, "")
		return
	}
	var entries []wire.CalendarEntry
	for _, sub := range subs {
		if sub.Server != "" && sub.Server != r.ServerName {
			if r.Peers != nil {
				r.Peers.FetchCalendar(sub.Server, sub.Owner, sub.Asset, s.Principal)
			}
			continue
		}
		entries = append(entries, r.localEntries(ctx, sub)...)
	}
	s.Deliver(wire.ServerMessage{Kind: wire.SCalendarEntries, ID: msg.ID, Entries: entries})
	r.respond(s, msg.ID, wire.StatusSuccess, "")
}

// localEntries turns a local realm's dated announcements into calendar
// entries.
func (r *Router) localEntries(ctx context.Context, sub persist.CalendarSubRow) []wire.CalendarEntry {
	ownerRow, err := r.Players.Load(ctx, sub.Owner)
	if err != nil || ownerRow == nil {
		return nil
	}
	realmRow, err := r.Realms.Load(ctx, ownerRow.ID, sub.Asset)
	if err != nil || realmRow == nil {
		return nil
	}
	rows, err := r.Realms.Announcements(ctx, realmRow.ID)
	if err != nil {
		return nil
	}
	var out []wire.CalendarEntry
	for _, row := range rows {
		if row.When == 0 {
			continue
		}
		out = append(out, wire.CalendarEntry{
			Realm: sub.Owner + "/" + sub.Asset,
			Title: row.Title,
			Start: row.When,
			End:   row.Expires,
		})
	}
	return out
}
