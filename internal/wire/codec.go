package wire

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Every top-level protocol union is encoded as a msgpack array
// [tag, body] (or [tag] when the variant carries no fields). Variant
// structs use as_array encoding, so the wire form is positional and
// canonical: encode(decode(b)) == b for every valid b.

// Marshal encodes v in canonical form.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

func encodeVariant(enc *msgpack.Encoder, tag uint8, body any) error {
	if body == nil {
		if err := enc.EncodeArrayLen(1); err != nil {
			return err
		}
		return enc.EncodeUint8(tag)
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(tag); err != nil {
		return err
	}
	return enc.Encode(body)
}

func decodeVariantHeader(dec *msgpack.Decoder, what string) (tag uint8, hasBody bool, err error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, false, err
	}
	if n < 1 || n > 2 {
		return 0, false, fmt.Errorf("%s: arity %d", what, n)
	}
	tag, err = dec.DecodeUint8()
	if err != nil {
		return 0, false, err
	}
	return tag, n == 2, nil
}

func decodeBody(dec *msgpack.Decoder, hasBody bool, what string, body any) error {
	if !hasBody {
		return fmt.Errorf("%s: missing body", what)
	}
	return dec.Decode(body)
}

func requireBare(hasBody bool, what string) error {
	if hasBody {
		return fmt.Errorf("%s: unexpected body", what)
	}
	return nil
}
