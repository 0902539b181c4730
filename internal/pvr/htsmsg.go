// Package pvr talks to the tvheadend PVR backend over HTSP and reads the
// RTC wake-up marker left by the shutdown hook.
package pvr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// HTSMSG field types.
const (
	typeMap  = 1
	typeS64  = 2
	typeStr  = 3
	typeBin  = 4
	typeList = 5
)

// MaxMessageSize guards against garbage length prefixes.
const MaxMessageSize = 16 << 20

// ErrMalformed is returned for HTSMSG bodies that do not decode.
var ErrMalformed = errors.New("malformed htsmsg")

// Message is an HTSMSG map. Values are int64, string, []byte, Message or []interface{}.
type Message map[string]interface{}

// Str returns a string field.
func (m Message) Str(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// Int returns an integer field.
func (m Message) Int(key string) (int64, bool) {
	v, ok := m[key].(int64)
	return v, ok
}

// Bin returns a binary field.
func (m Message) Bin(key string) ([]byte, bool) {
	v, ok := m[key].([]byte)
	return v, ok
}

// WriteMessage writes m with its 4-byte length prefix.
func WriteMessage(w io.Writer, m Message) error {
	body, err := encodeFields(m)
	if err != nil {
		return err
	}
	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one length-prefixed message.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrMalformed, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}

// Decode parses a message body (without length prefix).
func Decode(body []byte) (Message, error) {
	m := Message{}
	err := decodeFields(body, func(name string, v interface{}) {
		m[name] = v
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeFields(buf []byte, add func(name string, v interface{})) error {
	for len(buf) > 0 {
		if len(buf) < 6 {
			return fmt.Errorf("%w: truncated field header", ErrMalformed)
		}
		typ := buf[0]
		nameLen := int(buf[1])
		dataLen := int(binary.BigEndian.Uint32(buf[2:6]))
		buf = buf[6:]
		if nameLen+dataLen > len(buf) || dataLen < 0 {
			return fmt.Errorf("%w: field exceeds message", ErrMalformed)
		}
		name := string(buf[:nameLen])
		data := buf[nameLen : nameLen+dataLen]
		buf = buf[nameLen+dataLen:]

		switch typ {
		case typeMap:
			sub, err := Decode(data)
			if err != nil {
				return err
			}
			add(name, sub)
		case typeList:
			var list []interface{}
			err := decodeFields(data, func(_ string, v interface{}) {
				list = append(list, v)
			})
			if err != nil {
				return err
			}
			add(name, list)
		case typeS64:
			if dataLen > 8 {
				return fmt.Errorf("%w: s64 of %d bytes", ErrMalformed, dataLen)
			}
			var v uint64
			for i := dataLen - 1; i >= 0; i-- {
				v = v<<8 | uint64(data[i])
			}
			add(name, int64(v))
		case typeStr:
			add(name, string(data))
		case typeBin:
			add(name, append([]byte(nil), data...))
		default:
			// Unknown types (e.g. float, bool in newer servers) are skipped
		}
	}
	return nil
}

func encodeFields(m Message) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		field, err := encodeField(k, m[k])
		if err != nil {
			return nil, err
		}
		out = append(out, field...)
	}
	return out, nil
}

func encodeField(name string, v interface{}) ([]byte, error) {
	if len(name) > 255 {
		return nil, fmt.Errorf("field name %q too long", name)
	}

	var typ byte
	var data []byte
	switch val := v.(type) {
	case Message:
		sub, err := encodeFields(val)
		if err != nil {
			return nil, err
		}
		typ, data = typeMap, sub
	case []interface{}:
		var sub []byte
		for _, item := range val {
			f, err := encodeField("", item)
			if err != nil {
				return nil, err
			}
			sub = append(sub, f...)
		}
		typ, data = typeList, sub
	case string:
		typ, data = typeStr, []byte(val)
	case []byte:
		typ, data = typeBin, val
	case int:
		typ, data = typeS64, encodeS64(int64(val))
	case int64:
		typ, data = typeS64, encodeS64(val)
	case uint32:
		typ, data = typeS64, encodeS64(int64(val))
	case bool:
		b := int64(0)
		if val {
			b = 1
		}
		typ, data = typeS64, encodeS64(b)
	default:
		return nil, fmt.Errorf("unsupported htsmsg value %T for %q", v, name)
	}

	hdr := make([]byte, 6, 6+len(name)+len(data))
	hdr[0] = typ
	hdr[1] = byte(len(name))
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(data)))
	hdr = append(hdr, name...)
	return append(hdr, data...), nil
}

// encodeS64 stores the value little-endian in as few bytes as needed.
func encodeS64(v int64) []byte {
	u := uint64(v)
	var out []byte
	for u != 0 {
		out = append(out, byte(u))
		u >>= 8
	}
	return out
}
