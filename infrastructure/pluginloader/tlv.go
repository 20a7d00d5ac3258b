// Package pluginloader implements the host side of the Nyash plugin C-ABI:
// TLV argument/result encoding, dynamic symbol resolution, and the
// two-phase short-buffer invoke convention (spec §4.6, §6.2, §6.3).
package pluginloader

import (
	"encoding/binary"
	"fmt"
	"math"

	"nyash-core/domain/boxmodel"
)

// Tag identifies the TLV payload kind carried by a single argument or
// return slot, numbered exactly as spec §6.2 enumerates them.
type Tag uint8

const (
	TagBool Tag = iota + 1
	TagI32
	TagI64
	TagF32
	TagF64
	TagString
	TagBytes
	TagHandle
	TagVoid
)

// tlvVersion is the TLV wire format version spec §6.2 fixes at 1.
const tlvVersion uint16 = 1

// TLV is one decoded tag-length-value entry.
type TLV struct {
	Value any
	Tag   Tag
}

// EncodeArgs serializes a sequence of values into the TLV wire format the
// plugin ABI expects: a `u16 version, u16 argc` header followed by one
// `u8 tag, u8 reserved=0, u16 size, payload[size]` entry per value, all
// little-endian (spec §6.2).
func EncodeArgs(values []TLV) []byte {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header[0:2], tlvVersion)
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(values)))
	buf := header
	for _, v := range values {
		buf = append(buf, encodeOne(v)...)
	}
	return buf
}

func encodeOne(v TLV) []byte {
	var payload []byte
	switch v.Tag {
	case TagBool:
		b := byte(0)
		if v.Value.(bool) {
			b = 1
		}
		payload = []byte{b}
	case TagI32:
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(v.Value.(int32)))
	case TagI64:
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(v.Value.(int64)))
	case TagF32:
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, math.Float32bits(v.Value.(float32)))
	case TagF64:
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, math.Float64bits(v.Value.(float64)))
	case TagString:
		payload = []byte(v.Value.(string))
	case TagBytes:
		payload = v.Value.([]byte)
	case TagHandle:
		h := v.Value.(boxmodel.Handle)
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint32(payload[0:4], h.TypeID)
		binary.LittleEndian.PutUint32(payload[4:8], h.InstanceID)
	case TagVoid:
		payload = nil
	}
	entry := make([]byte, 4)
	entry[0] = byte(v.Tag)
	entry[1] = 0 // reserved
	binary.LittleEndian.PutUint16(entry[2:4], uint16(len(payload)))
	return append(entry, payload...)
}

// DecodeArgs parses a TLV byte stream (header + entries) back into typed
// values (spec §6.2).
func DecodeArgs(buf []byte) ([]TLV, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("pluginloader: truncated TLV header")
	}
	version := binary.LittleEndian.Uint16(buf[0:2])
	if version != tlvVersion {
		return nil, fmt.Errorf("pluginloader: unsupported TLV version %d", version)
	}
	argc := binary.LittleEndian.Uint16(buf[2:4])
	buf = buf[4:]

	out := make([]TLV, 0, argc)
	for i := uint16(0); i < argc; i++ {
		if len(buf) < 4 {
			return nil, fmt.Errorf("pluginloader: truncated TLV entry header")
		}
		tag := Tag(buf[0])
		size := binary.LittleEndian.Uint16(buf[2:4])
		buf = buf[4:]
		if uint16(len(buf)) < size {
			return nil, fmt.Errorf("pluginloader: truncated TLV payload for tag %d", tag)
		}
		payload := buf[:size]
		buf = buf[size:]
		val, err := decodeOne(tag, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, TLV{Tag: tag, Value: val})
	}
	return out, nil
}

func decodeOne(tag Tag, payload []byte) (any, error) {
	switch tag {
	case TagBool:
		return len(payload) > 0 && payload[0] != 0, nil
	case TagI32:
		return int32(binary.LittleEndian.Uint32(payload)), nil
	case TagI64:
		return int64(binary.LittleEndian.Uint64(payload)), nil
	case TagF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(payload)), nil
	case TagF64:
		return math.Float64frombits(binary.LittleEndian.Uint64(payload)), nil
	case TagString:
		return string(payload), nil
	case TagBytes:
		return payload, nil
	case TagHandle:
		if len(payload) < 8 {
			return nil, fmt.Errorf("pluginloader: truncated handle payload")
		}
		return boxmodel.Handle{
			TypeID:     binary.LittleEndian.Uint32(payload[0:4]),
			InstanceID: binary.LittleEndian.Uint32(payload[4:8]),
		}, nil
	case TagVoid:
		return nil, nil
	default:
		return nil, fmt.Errorf("pluginloader: unknown TLV tag %d", tag)
	}
}
