package stomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeConnectIsNotEscaped(t *testing.T) {
	f := New(CmdConnect, HdrAcceptVersion, "1.2", HdrAuthorization, "Bearer a:b")
	got := string(f.Encode())
	assert.Equal(t, "CONNECT\nAuthorization:Bearer a:b\naccept-version:1.2\n\n\x00", got)
}

func TestEncodeDecodeRoundTripWithEscapes(t *testing.T) {
	f := New(CmdMessage, HdrDestination, "/user/pat/queue/messages", "x-note", "a:b\nc\\d")
	f.Body = []byte(`{"content":"hi\u0000there"}`)

	frames, err := Decode(f.Encode())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, CmdMessage, frames[0].Command)
	assert.Equal(t, "a:b\nc\\d", frames[0].Get("x-note"))
	assert.Equal(t, f.Body, frames[0].Body)
}

func TestDecodeWithoutContentLength(t *testing.T) {
	raw := "MESSAGE\r\nsubscription:sub-0\r\ndestination:/user/pat/queue/messages\r\n\r\n{\"id\":1}\x00\n\n"

	frames, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "sub-0", frames[0].Get(HdrSubscription))
	assert.Equal(t, `{"id":1}`, string(frames[0].Body))
}

func TestDecodeBodyWithNulUsesContentLength(t *testing.T) {
	raw := "MESSAGE\ncontent-length:3\n\na\x00b\x00"

	frames, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("a\x00b"), frames[0].Body)
}

func TestDecodeMultipleFramesAndHeartBeats(t *testing.T) {
	raw := "\nRECEIPT\nreceipt-id:1\n\n\x00\nMESSAGE\nsubscription:s\n\nhi\x00"

	frames, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, CmdReceipt, frames[0].Command)
	assert.Equal(t, "hi", string(frames[1].Body))
}

func TestDecodeRepeatedHeaderKeepsFirst(t *testing.T) {
	frames, err := Decode([]byte("MESSAGE\nfoo:1\nfoo:2\n\n\x00"))
	require.NoError(t, err)
	assert.Equal(t, "1", frames[0].Get("foo"))
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]error{
		"BOGUS\n\n\x00":                           ErrUnknownFrame,
		"MESSAGE\nno-colon\n\n\x00":               ErrBadHeader,
		"MESSAGE\ncontent-length:x\n\n\x00":       ErrBadLength,
		"MESSAGE\ncontent-length:10\n\nshort\x00": ErrMissingNull,
		"MESSAGE\n\nbody without nul":             ErrMissingNull,
		"MESSAGE":                                 ErrMissingNull,
	}
	for raw, want := range cases {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, want, raw)
	}
}

func TestDecodeOversizedContentLength(t *testing.T) {
	for _, cl := range []string{"9223372036854775807", "9223372036854775806", "3"} {
		raw := "MESSAGE\nsubscription:sub-0\ncontent-length:" + cl + "\n\n{}\x00"
		var err error
		require.NotPanics(t, func() { _, err = Decode([]byte(raw)) }, cl)
		assert.ErrorIs(t, err, ErrMissingNull, cl)
	}
}

func TestIsHeartBeat(t *testing.T) {
	assert.True(t, IsHeartBeat([]byte("\n")))
	assert.True(t, IsHeartBeat([]byte("\r\n\n")))
	assert.False(t, IsHeartBeat([]byte("MESSAGE\n\n\x00")))
}

func TestHeartBeat(t *testing.T) {
	s, r, err := HeartBeat("10000, 0")
	require.NoError(t, err)
	assert.Equal(t, 10000, s)
	assert.Equal(t, 0, r)

	s, r, err = HeartBeat("")
	require.NoError(t, err)
	assert.Zero(t, s+r)

	_, _, err = HeartBeat("10")
	assert.Error(t, err)
	_, _, err = HeartBeat("-1,5")
	assert.Error(t, err)
}
