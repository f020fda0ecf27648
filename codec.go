package nexasync

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Values written to a KVStore are CBOR with deterministic encoding, so
// an unchanged queue always persists to identical bytes.
var (
	kvEncMode cbor.EncMode
	kvDecMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	kvEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("nexasync: CBOR encoder initialization failed: " + err.Error())
	}

	kvDecMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("nexasync: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeValue(v any) ([]byte, error) { return kvEncMode.Marshal(v) }

func decodeValue(data []byte, v any) error { return kvDecMode.Unmarshal(data, v) }
