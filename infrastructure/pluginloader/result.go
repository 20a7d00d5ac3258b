package pluginloader

import (
	"fmt"

	"nyash-core/domain/boxmodel"
)

// WrapResult applies the returns_result wrapping rule of spec §4.6 to a raw
// plugin invoke outcome: a negative transport code always becomes
// Result.Err (never a thrown exception, since the method declared
// returns_result: true); on success the TLV tag of the single decoded
// return value decides the case — tag String means the plugin reported a
// domain failure as an ErrorBox message (Result.Err); tag Void means a
// value-less success (Result.Ok(nil)); every other tag is the Ok payload
// verbatim.
func WrapResult(library, method string, code int32, payload []byte) (boxmodel.Result, error) {
	if code < 0 {
		return boxmodel.Err(fmt.Sprintf("%s.%s failed (code: %d)", library, method, code)), nil
	}
	vals, err := DecodeArgs(payload)
	if err != nil {
		return boxmodel.Result{}, err
	}
	if len(vals) == 0 {
		return boxmodel.Ok(nil), nil
	}
	v := vals[0]
	switch v.Tag {
	case TagString:
		msg, _ := v.Value.(string)
		return boxmodel.Err(msg), nil
	case TagVoid:
		return boxmodel.Ok(nil), nil
	default:
		return boxmodel.Ok(v.Value), nil
	}
}
