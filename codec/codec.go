package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Version is the current wire format version. Frames carrying any other
// version fail to decode.
const Version uint16 = 1

// maxTagLen bounds the type tag so a corrupt length prefix cannot force a
// huge allocation.
const maxTagLen = 255

// Payload is an application-level message body. Implementations must be
// structs that round-trip through encoding/json.
type Payload interface {
	PayloadType() string
}

// DecodeError reports malformed bytes or an unrecognized type tag. Decoding
// never partially succeeds: on error the caller gets no payload at all.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec serializes payloads into self-describing frames:
//
//	uint16 version | uint16 tag length | tag | JSON body
//
// Decode is the exact inverse of Encode for every registered payload type.
type Codec struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// New creates an empty codec. Payload types must be registered on both
// sides of a channel before messages flow.
func New() *Codec {
	return &Codec{types: make(map[string]reflect.Type)}
}

// Register records a payload type under its PayloadType tag. Registering
// the same type twice is a no-op; rebinding a tag to a different type is an
// error.
func (c *Codec) Register(p Payload) error {
	if p == nil {
		return fmt.Errorf("payload cannot be nil")
	}
	tag := p.PayloadType()
	if tag == "" {
		return fmt.Errorf("payload type tag cannot be empty")
	}
	if len(tag) > maxTagLen {
		return fmt.Errorf("payload type tag %q exceeds %d bytes", tag, maxTagLen)
	}

	t := reflect.TypeOf(p)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("payload must be a struct, got %v", t.Kind())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.types[tag]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("payload tag %q already registered to %v", tag, existing)
	}
	c.types[tag] = t
	return nil
}

// Encode frames a registered payload.
func (c *Codec) Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload cannot be nil")
	}
	tag := p.PayloadType()

	c.mu.RLock()
	_, registered := c.types[tag]
	c.mu.RUnlock()
	if !registered {
		return nil, fmt.Errorf("payload tag %q not registered", tag)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload %q: %w", tag, err)
	}

	buf := make([]byte, 0, 4+len(tag)+len(body))
	buf = binary.BigEndian.AppendUint16(buf, Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(tag)))
	buf = append(buf, tag...)
	buf = append(buf, body...)
	return buf, nil
}

// Decode parses a frame back into a new instance of the registered payload
// type. The returned value is always a pointer to the payload struct.
func (c *Codec) Decode(b []byte) (Payload, error) {
	if len(b) < 4 {
		return nil, &DecodeError{Reason: "frame shorter than header"}
	}

	version := binary.BigEndian.Uint16(b[0:2])
	if version != Version {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	tagLen := int(binary.BigEndian.Uint16(b[2:4]))
	if tagLen == 0 || tagLen > maxTagLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid tag length %d", tagLen)}
	}
	if len(b) < 4+tagLen {
		return nil, &DecodeError{Reason: "frame truncated inside tag"}
	}
	tag := string(b[4 : 4+tagLen])

	c.mu.RLock()
	t, ok := c.types[tag]
	c.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("unrecognized payload tag %q", tag)}
	}

	body := b[4+tagLen:]
	instance := reflect.New(t).Interface()

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(instance); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed body for tag %q", tag), Err: err}
	}
	if dec.More() {
		return nil, &DecodeError{Reason: fmt.Sprintf("trailing data after body for tag %q", tag)}
	}

	payload, ok := instance.(Payload)
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("registered type for %q does not implement Payload", tag)}
	}
	return payload, nil
}
