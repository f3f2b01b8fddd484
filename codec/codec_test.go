package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Text string `json:"text"`
}

func (greeting) PayloadType() string { return "greeting.v1" }

type transfer struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (transfer) PayloadType() string { return "transfer.v1" }

func TestCodecRegister(t *testing.T) {
	t.Run("registering the same type twice is a no-op", func(t *testing.T) {
		c := New()
		require.NoError(t, c.Register(greeting{}))
		assert.NoError(t, c.Register(greeting{}))
	})

	t.Run("rebinding a tag to a different type fails", func(t *testing.T) {
		c := New()
		require.NoError(t, c.Register(greeting{}))

		type impostor struct {
			Other int `json:"other"`
		}
		err := c.Register(payloadWithTag{impostor{}, "greeting.v1"})
		assert.Error(t, err)
	})

	t.Run("empty tag is rejected", func(t *testing.T) {
		c := New()
		assert.Error(t, c.Register(payloadWithTag{greeting{}, ""}))
	})
}

// payloadWithTag lets tests register arbitrary structs under arbitrary tags.
type payloadWithTag struct {
	inner any
	tag   string
}

func (p payloadWithTag) PayloadType() string { return p.tag }

func TestCodecRoundTrip(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(greeting{}))
	require.NoError(t, c.Register(transfer{}))

	t.Run("decode is the exact inverse of encode", func(t *testing.T) {
		in := greeting{Text: "hello from chain A"}

		b, err := c.Encode(in)
		require.NoError(t, err)

		out, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, &in, out)
	})

	t.Run("empty string payload survives", func(t *testing.T) {
		b, err := c.Encode(greeting{Text: ""})
		require.NoError(t, err)

		out, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, &greeting{Text: ""}, out)
	})

	t.Run("large payload survives", func(t *testing.T) {
		in := greeting{Text: strings.Repeat("x", 1<<16)}

		b, err := c.Encode(in)
		require.NoError(t, err)

		out, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, &in, out)
	})

	t.Run("tag selects the right type", func(t *testing.T) {
		b, err := c.Encode(transfer{To: "0xbbb", Amount: 42})
		require.NoError(t, err)

		out, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, &transfer{To: "0xbbb", Amount: 42}, out)
	})
}

func TestCodecDecodeErrors(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(greeting{}))

	assertDecodeError := func(t *testing.T, b []byte) {
		t.Helper()
		out, err := c.Decode(b)
		assert.Nil(t, out)
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	}

	t.Run("short frame", func(t *testing.T) {
		assertDecodeError(t, []byte{0, 1})
	})

	t.Run("wrong version", func(t *testing.T) {
		b, err := c.Encode(greeting{Text: "hi"})
		require.NoError(t, err)
		b[0], b[1] = 0xff, 0xff
		assertDecodeError(t, b)
	})

	t.Run("truncated tag", func(t *testing.T) {
		b, err := c.Encode(greeting{Text: "hi"})
		require.NoError(t, err)
		assertDecodeError(t, b[:5])
	})

	t.Run("unrecognized tag", func(t *testing.T) {
		other := New()
		require.NoError(t, other.Register(transfer{}))
		b, err := other.Encode(transfer{To: "0xbbb", Amount: 1})
		require.NoError(t, err)
		assertDecodeError(t, b)
	})

	t.Run("malformed body never partially decodes", func(t *testing.T) {
		b, err := c.Encode(greeting{Text: "hi"})
		require.NoError(t, err)
		b = append(b[:len(b)-3], []byte(`!!`)...)
		assertDecodeError(t, b)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		frame := append([]byte{0, 1, 0, byte(len("greeting.v1"))}, "greeting.v1"...)
		frame = append(frame, []byte(`{"text":"hi","extra":1}`)...)
		assertDecodeError(t, frame)
	})
}
