package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// PlayerID is a server-local numeric player identifier. Remote players are
// addressed by principal strings and never carry a local id.
type PlayerID uint64

// Principal formats a player reference as name@server.
func Principal(name, server string) string {
	return name + "@" + server
}

// Point is a discrete position on a walk surface.
type Point struct {
	_msgpack struct{} `msgpack:",as_array"`

	Surface uint32
	X       uint32
	Y       uint32
}

func (p Point) String() string {
	return fmt.Sprintf("%d:(%d,%d)", p.Surface, p.X, p.Y)
}

// Direction is one of the eight compass headings a player avatar can face.
type Direction uint8

const (
	North Direction = iota
	NorthEast
	East
	SouthEast
	South
	SouthWest
	West
	NorthWest
)

// LinkKind tags a Link union.
type LinkKind uint8

const (
	LinkHome LinkKind = iota
	LinkNoWhere
	LinkTrainNext
	LinkSpawn
	LinkRealm
)

// Link is a travel destination a puzzle or a player can name. Only
// LinkRealm uses Owner/Asset/Server; LinkSpawn uses Spawn.
type Link struct {
	Kind   LinkKind
	Owner  string
	Asset  string
	Server string
	Spawn  uint32
}

var _ msgpack.CustomEncoder = (*Link)(nil)
var _ msgpack.CustomDecoder = (*Link)(nil)

func (l *Link) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch l.Kind {
	case LinkRealm:
		if err := enc.EncodeArrayLen(4); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(l.Kind)); err != nil {
			return err
		}
		if err := enc.EncodeString(l.Owner); err != nil {
			return err
		}
		if err := enc.EncodeString(l.Asset); err != nil {
			return err
		}
		return enc.EncodeString(l.Server)
	case LinkSpawn:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(l.Kind)); err != nil {
			return err
		}
		return enc.EncodeUint32(l.Spawn)
	default:
		if err := enc.EncodeArrayLen(1); err != nil {
			return err
		}
		return enc.EncodeUint8(uint8(l.Kind))
	}
}

func (l *Link) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("link: empty array")
	}
	kind, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	l.Kind = LinkKind(kind)
	switch l.Kind {
	case LinkRealm:
		if n != 4 {
			return fmt.Errorf("link: realm arity %d", n)
		}
		if l.Owner, err = dec.DecodeString(); err != nil {
			return err
		}
		if l.Asset, err = dec.DecodeString(); err != nil {
			return err
		}
		l.Server, err = dec.DecodeString()
		return err
	case LinkSpawn:
		if n != 2 {
			return fmt.Errorf("link: spawn arity %d", n)
		}
		l.Spawn, err = dec.DecodeUint32()
		return err
	case LinkHome, LinkNoWhere, LinkTrainNext:
		if n != 1 {
			return fmt.Errorf("link: arity %d", n)
		}
		return nil
	default:
		return fmt.Errorf("link: unknown kind %d", kind)
	}
}

// PathStep is one hop of a committed or pending path. At is milliseconds
// after the path's base timestamp at which the player reaches To.
type PathStep struct {
	_msgpack struct{} `msgpack:",as_array"`

	Edge uint64
	To   Point
	At   uint32
}

// Announcement is a realm-scoped notice shown to arriving players.
type Announcement struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID      uint32
	Title   string
	Body    string
	When    int64 // unix seconds; zero for undated
	Expires int64
}

// ChatLine is one realm or direct chat message as delivered to a client.
type ChatLine struct {
	_msgpack struct{} `msgpack:",as_array"`

	Sender  string // principal
	Created int64  // unix milliseconds
	Body    string
}
