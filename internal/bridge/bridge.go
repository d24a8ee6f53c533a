// Package bridge implements component F: the minimum command surface a
// front-end needs — send_text, send_file, receive, and an idle status —
// layered on top of a session.Session.
package bridge

import (
	"context"
	"encoding/hex"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/xtaci/acoustictun/internal/applog"
	"github.com/xtaci/acoustictun/internal/session"
)

// Status is the idle/activity state exposed to a UI (spec §4.F).
type Status string

const (
	StatusIdle             Status = "idle"
	StatusSendingText      Status = "sending text"
	StatusSendingFile      Status = "sending file"
	StatusReceivingInput   Status = "receiving input…"
	StatusIdleTextReceived Status = "idle (text received)"
	StatusIdleFileReceived Status = "idle (file received)"
	StatusIdleBinReceived  Status = "idle (binary received)"
)

// Kind tags what send_text/send_file's bytes mean, so the receiving
// side's bridge can thread compression through without the caller
// needing to negotiate it out of band. This is an envelope this
// package adds on top of session.Session's plain byte pipe; spec §4.F
// only specifies the resulting command surface, not the wire shape.
type kind byte

const (
	kindText kind = 0
	kindFile kind = 1
)

const (
	flagCompressed byte = 1 << 0
)

// compressFloor is the smallest file payload worth spending a snappy
// pass on; below it, framing overhead can exceed the saving.
const compressFloor = 256

// Bridge is the front-end-facing API: send text, send a file, receive
// whatever arrives, and poll a human-readable status.
type Bridge struct {
	s   *session.Session
	log *applog.Logger

	mu     sync.Mutex
	status Status
}

// New wraps an established Session.
func New(s *session.Session, log *applog.Logger) *Bridge {
	return &Bridge{s: s, log: log, status: StatusIdle}
}

// Status reports the current idle/activity state (spec §4.F).
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bridge) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// SendText sends a UTF-8 string as a text message.
func (b *Bridge) SendText(ctx context.Context, text string) error {
	b.setStatus(StatusSendingText)
	defer b.setStatus(StatusIdle)

	envelope := append([]byte{byte(kindText), 0}, []byte(text)...)
	if err := b.s.Send(ctx, envelope); err != nil {
		return errors.Wrap(err, "bridge: send text")
	}
	return nil
}

// SendFile reads contents (already loaded into memory by the caller —
// this package has no filesystem dependency of its own) and sends it as
// a file message, snappy-compressing when that's likely to help (spec
// §1's scarce-bandwidth constraint is most acute for large files).
func (b *Bridge) SendFile(ctx context.Context, contents []byte) error {
	b.setStatus(StatusSendingFile)
	defer b.setStatus(StatusIdle)

	flags := byte(0)
	data := contents
	if len(contents) >= compressFloor {
		compressed := snappy.Encode(nil, contents)
		if len(compressed) < len(contents) {
			flags |= flagCompressed
			data = compressed
		}
	}

	envelope := make([]byte, 0, 2+len(data))
	envelope = append(envelope, byte(kindFile), flags)
	envelope = append(envelope, data...)

	if err := b.s.Send(ctx, envelope); err != nil {
		return errors.Wrap(err, "bridge: send file")
	}
	return nil
}

// Received is one inbound message: its raw bytes, whether it decodes
// as UTF-8 text, and the hex form to show when it doesn't (spec §4.F's
// UTF-8-vs-hex presentation rule).
type Received struct {
	Kind    string // "text" or "file"
	Data    []byte
	IsText  bool
	HexView string
}

// Receive waits for one message and unwraps this package's envelope.
func (b *Bridge) Receive(ctx context.Context, timeout time.Duration) (Received, error) {
	b.setStatus(StatusReceivingInput)

	raw, err := b.s.Receive(ctx, timeout)
	if err != nil {
		b.setStatus(StatusIdle)
		return Received{}, errors.Wrap(err, "bridge: receive")
	}

	if len(raw) < 2 {
		b.setStatus(StatusIdleBinReceived)
		return presentBinary(raw), nil
	}

	k := kind(raw[0])
	flags := raw[1]
	data := raw[2:]

	if flags&flagCompressed != 0 {
		decompressed, err := snappy.Decode(nil, data)
		if err != nil {
			b.setStatus(StatusIdle)
			return Received{}, errors.Wrap(err, "bridge: decompress")
		}
		data = decompressed
	}

	switch k {
	case kindText:
		b.setStatus(StatusIdleTextReceived)
		return present("text", data), nil
	case kindFile:
		b.setStatus(StatusIdleFileReceived)
		return present("file", data), nil
	default:
		b.setStatus(StatusIdleBinReceived)
		return presentBinary(raw), nil
	}
}

func present(k string, data []byte) Received {
	return Received{Kind: k, Data: data, IsText: utf8.Valid(data), HexView: hex.EncodeToString(data)}
}

func presentBinary(data []byte) Received {
	return Received{Kind: "binary", Data: data, IsText: utf8.Valid(data), HexView: hex.EncodeToString(data)}
}
