// Package stomp encodes and decodes STOMP 1.2 frames carried one per WebSocket message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Client and server commands used by the push channel.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Well-known headers.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrAck           = "ack"
	HdrAuthorization = "Authorization"
)

var (
	ErrMissingNull  = errors.New("stomp: frame not terminated by NUL")
	ErrBadHeader    = errors.New("stomp: malformed header")
	ErrBadLength    = errors.New("stomp: invalid content-length")
	ErrUnknownFrame = errors.New("stomp: unknown command")
)

var commands = map[string]bool{
	CmdConnect: true, "STOMP": true, CmdConnected: true, CmdSubscribe: true, CmdUnsubscribe: true,
	CmdSend: true, CmdDisconnect: true, CmdMessage: true, CmdReceipt: true, CmdError: true,
	"ACK": true, "NACK": true, "BEGIN": true, "COMMIT": true, "ABORT": true,
}

// Frame is a single STOMP frame. Repeated headers keep the first occurrence, as the protocol requires.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func New(command string, kv ...string) *Frame {
	f := &Frame{Command: command, Headers: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

func (f *Frame) Get(key string) string {
	return f.Headers[key]
}

// CONNECT and CONNECTED headers are not escaped.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected && command != "STOMP"
}

var (
	escaper   = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	unescaper = strings.NewReplacer("\\\\", "\\", "\\r", "\r", "\\n", "\n", "\\c", ":")
)

// Encode renders the frame. Headers are written in sorted order and content-length is set
// whenever the frame has a body.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		if k == HdrContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	esc := escapes(f.Command)
	for _, k := range keys {
		v := f.Headers[k]
		if esc {
			k, v = escaper.Replace(k), escaper.Replace(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// IsHeartBeat reports whether a WebSocket payload is only end-of-line heart-beats.
func IsHeartBeat(data []byte) bool {
	return len(bytes.Trim(data, "\r\n")) == 0
}

// Decode parses every frame in data. Heart-beat EOLs between frames are skipped.
func Decode(data []byte) ([]*Frame, error) {
	var frames []*Frame
	for {
		data = bytes.TrimLeft(data, "\r\n")
		if len(data) == 0 {
			return frames, nil
		}
		f, rest, err := decodeOne(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		data = rest
	}
}

func decodeOne(data []byte) (*Frame, []byte, error) {
	line, data, ok := cutLine(data)
	if !ok {
		return nil, nil, ErrMissingNull
	}
	command := string(line)
	if !commands[command] {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFrame, command)
	}

	f := &Frame{Command: command, Headers: map[string]string{}}
	esc := escapes(command)
	for {
		line, data, ok = cutLine(data)
		if !ok {
			return nil, nil, ErrMissingNull
		}
		if len(line) == 0 {
			break
		}
		k, v, found := strings.Cut(string(line), ":")
		if !found || k == "" {
			return nil, nil, fmt.Errorf("%w: %q", ErrBadHeader, line)
		}
		if esc {
			k, v = unescaper.Replace(k), unescaper.Replace(v)
		}
		if _, dup := f.Headers[k]; !dup {
			f.Headers[k] = v
		}
	}

	if cl, ok := f.Headers[HdrContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("%w: %q", ErrBadLength, cl)
		}
		if n >= len(data) || data[n] != 0 {
			return nil, nil, ErrMissingNull
		}
		f.Body = data[:n]
		return f, data[n+1:], nil
	}

	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return nil, nil, ErrMissingNull
	}
	f.Body = data[:i]
	return f, data[i+1:], nil
}

func cutLine(data []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, nil, false
	}
	line = data[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, data[i+1:], true
}

// HeartBeat parses a "cx,cy" heart-beat header value.
func HeartBeat(v string) (send, recv int, err error) {
	if v == "" {
		return 0, 0, nil
	}
	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0, fmt.Errorf("stomp: invalid heart-beat %q", v)
	}
	if send, err = strconv.Atoi(strings.TrimSpace(a)); err != nil || send < 0 {
		return 0, 0, fmt.Errorf("stomp: invalid heart-beat %q", v)
	}
	if recv, err = strconv.Atoi(strings.TrimSpace(b)); err != nil || recv < 0 {
		return 0, 0, fmt.Errorf("stomp: invalid heart-beat %q", v)
	}
	return send, recv, nil
}
