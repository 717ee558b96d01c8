package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ValueKind tags the payload universe shared by piece commands, piece
// events, and client-visible properties.
type ValueKind uint8

const (
	KindEmpty ValueKind = iota
	KindBool
	KindInt
	KindLink
	KindBoolList
	KindIntList
	KindLinkList
)

func (k ValueKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindLink:
		return "link"
	case KindBoolList:
		return "list<bool>"
	case KindIntList:
		return "list<int>"
	case KindLinkList:
		return "list<link>"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the tagged payload carried by commands, events, and properties.
// The zero Value is Empty.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int32
	Link  Link
	Bools []bool
	Ints  []int32
	Links []Link
}

func Empty() Value             { return Value{} }
func Bool(b bool) Value        { return Value{Kind: KindBool, Bool: b} }
func Int(n int32) Value        { return Value{Kind: KindInt, Int: n} }
func ToLink(l Link) Value      { return Value{Kind: KindLink, Link: l} }
func Bools(b []bool) Value     { return Value{Kind: KindBoolList, Bools: b} }
func Ints(n []int32) Value     { return Value{Kind: KindIntList, Ints: n} }
func Links(l []Link) Value     { return Value{Kind: KindLinkList, Links: l} }

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindEmpty:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindLink:
		return v.Link == o.Link
	case KindBoolList:
		if len(v.Bools) != len(o.Bools) {
			return false
		}
		for i := range v.Bools {
			if v.Bools[i] != o.Bools[i] {
				return false
			}
		}
		return true
	case KindIntList:
		if len(v.Ints) != len(o.Ints) {
			return false
		}
		for i := range v.Ints {
			if v.Ints[i] != o.Ints[i] {
				return false
			}
		}
		return true
	case KindLinkList:
		if len(v.Links) != len(o.Links) {
			return false
		}
		for i := range v.Links {
			if v.Links[i] != o.Links[i] {
				return false
			}
		}
		return true
	}
	return false
}

var _ msgpack.CustomEncoder = (*Value)(nil)
var _ msgpack.CustomDecoder = (*Value)(nil)

func (v *Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch v.Kind {
	case KindEmpty:
		if err := enc.EncodeArrayLen(1); err != nil {
			return err
		}
		return enc.EncodeUint8(uint8(v.Kind))
	case KindBool:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(v.Kind)); err != nil {
			return err
		}
		return enc.EncodeBool(v.Bool)
	case KindInt:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(v.Kind)); err != nil {
			return err
		}
		return enc.EncodeInt32(v.Int)
	case KindLink:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(v.Kind)); err != nil {
			return err
		}
		return v.Link.EncodeMsgpack(enc)
	case KindBoolList:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(v.Kind)); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(len(v.Bools)); err != nil {
			return err
		}
		for _, b := range v.Bools {
			if err := enc.EncodeBool(b); err != nil {
				return err
			}
		}
		return nil
	case KindIntList:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(v.Kind)); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(len(v.Ints)); err != nil {
			return err
		}
		for _, n := range v.Ints {
			if err := enc.EncodeInt32(n); err != nil {
				return err
			}
		}
		return nil
	case KindLinkList:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(v.Kind)); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(len(v.Links)); err != nil {
			return err
		}
		for i := range v.Links {
			if err := v.Links[i].EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value: unknown kind %d", v.Kind)
	}
}

func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 1 || n > 2 {
		return fmt.Errorf("value: arity %d", n)
	}
	kind, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	*v = Value{Kind: ValueKind(kind)}
	if v.Kind == KindEmpty {
		if n != 1 {
			return fmt.Errorf("value: empty arity %d", n)
		}
		return nil
	}
	if n != 2 {
		return fmt.Errorf("value: %s arity %d", v.Kind, n)
	}
	switch v.Kind {
	case KindBool:
		v.Bool, err = dec.DecodeBool()
		return err
	case KindInt:
		v.Int, err = dec.DecodeInt32()
		return err
	case KindLink:
		return v.Link.DecodeMsgpack(dec)
	case KindBoolList:
		m, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		v.Bools = make([]bool, m)
		for i := 0; i < m; i++ {
			if v.Bools[i], err = dec.DecodeBool(); err != nil {
				return err
			}
		}
		return nil
	case KindIntList:
		m, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		v.Ints = make([]int32, m)
		for i := 0; i < m; i++ {
			if v.Ints[i], err = dec.DecodeInt32(); err != nil {
				return err
			}
		}
		return nil
	case KindLinkList:
		m, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		v.Links = make([]Link, m)
		for i := 0; i < m; i++ {
			if err = v.Links[i].DecodeMsgpack(dec); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value: unknown kind %d", kind)
	}
}
