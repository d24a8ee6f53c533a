package session

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/acoustictun/internal/applog"
	"github.com/xtaci/acoustictun/internal/protoerr"
	"github.com/xtaci/acoustictun/internal/transceiver"
)

// Default tunables from spec §4.E.
const (
	DefaultCmax        = 140
	DefaultChunkSize   = DefaultCmax - nonceWireSize - 6 // Cmax - nonce(8) - redundancy(6) = 126
	DefaultReceiveWait = 600 * time.Second
)

const (
	helloPlaintext = "Hello"
	hiPlaintext    = "Hi"
	ackByte        = 0x02
)

// Config tunes the chunking and handshake budget of a Session.
type Config struct {
	ChunkSize            int
	ResendTimeout        time.Duration
	AbortRetries         int
	AbortTimeout         time.Duration
	HandshakeReadTimeout time.Duration
}

// DefaultConfig matches spec §4.D/§4.E's defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:            DefaultChunkSize,
		ResendTimeout:        transceiver.DefaultResendTimeout,
		AbortRetries:         transceiver.DefaultAbortRetries,
		AbortTimeout:         transceiver.DefaultAbortTimeout,
		HandshakeReadTimeout: transceiver.DefaultAbortTimeout,
	}
}

// Session is the encrypted channel built on top of a handshaken
// Transceiver: ephemeral key exchange, a Hello/Hi/ACK liveness check,
// then length-prefixed encrypted Send/Receive (spec §4.E).
type Session struct {
	tc   *transceiver.Transceiver
	role transceiver.Role
	cfg  Config
	log  *applog.Logger

	key KeyPair
	sym *SymmetricKey

	PeerFingerprint string
	MyFingerprint   string
}

// New builds a Session over an already-handshaken Transceiver. role
// must match the role used for the Transceiver's own SYN/ACK handshake:
// the initiator also writes the first key-exchange message (spec §4.E:
// "initiator-sender pattern").
func New(tc *transceiver.Transceiver, role transceiver.Role, cfg Config, log *applog.Logger) *Session {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Session{tc: tc, role: role, cfg: cfg, log: log}
}

// Establish runs the ephemeral key exchange followed by the Hello/Hi/ACK
// liveness check. Any mismatch aborts the session (spec §4.E, §7).
func (s *Session) Establish(ctx context.Context) error {
	kp, err := GenerateKeyPair()
	if err != nil {
		return errors.Wrap(err, "generate ephemeral keypair")
	}
	s.key = kp
	s.MyFingerprint = Fingerprint(kp.Public)

	if s.role == transceiver.Initiator {
		return s.keyExchangeSender(ctx)
	}
	return s.keyExchangeReceiver(ctx)
}

func (s *Session) keyExchangeSender(ctx context.Context) error {
	if err := s.writeBlob(ctx, s.key.Public[:]); err != nil {
		return errors.Wrap(err, "send public key")
	}

	var theirPublic [32]byte
	peer, err := s.readBlob(ctx, 32)
	if err != nil {
		return errors.Wrap(err, "read peer public key")
	}
	copy(theirPublic[:], peer)
	s.PeerFingerprint = Fingerprint(theirPublic)

	shared, err := s.key.SharedSecret(theirPublic)
	if err != nil {
		return errors.Wrap(err, "derive shared secret")
	}
	s.sym = NewSymmetricKey(shared)

	helloCt, err := s.sym.Encrypt([]byte(helloPlaintext))
	if err != nil {
		return err
	}
	if err := s.writeBlob(ctx, helloCt); err != nil {
		return errors.Wrap(err, "send encrypted hello")
	}

	hiCt, err := s.readBlob(ctx, nonceWireSize+len(hiPlaintext))
	if err != nil {
		return errors.Wrap(err, "read encrypted hi")
	}
	hi, err := s.sym.Decrypt(hiCt)
	if err != nil || string(hi) != hiPlaintext {
		return protoerr.HelloMismatch("Session.Establish: hi")
	}

	ackCt, err := s.sym.Encrypt([]byte{ackByte})
	if err != nil {
		return err
	}
	return s.writeBlob(ctx, ackCt)
}

func (s *Session) keyExchangeReceiver(ctx context.Context) error {
	var theirPublic [32]byte
	peer, err := s.readBlob(ctx, 32)
	if err != nil {
		return errors.Wrap(err, "read peer public key")
	}
	copy(theirPublic[:], peer)
	s.PeerFingerprint = Fingerprint(theirPublic)

	shared, err := s.key.SharedSecret(theirPublic)
	if err != nil {
		return errors.Wrap(err, "derive shared secret")
	}
	s.sym = NewSymmetricKey(shared)

	if err := s.writeBlob(ctx, s.key.Public[:]); err != nil {
		return errors.Wrap(err, "send public key")
	}

	helloCt, err := s.readBlob(ctx, nonceWireSize+len(helloPlaintext))
	if err != nil {
		return errors.Wrap(err, "read encrypted hello")
	}
	hello, err := s.sym.Decrypt(helloCt)
	if err != nil || string(hello) != helloPlaintext {
		return protoerr.HelloMismatch("Session.Establish: hello")
	}

	hiCt, err := s.sym.Encrypt([]byte(hiPlaintext))
	if err != nil {
		return err
	}
	if err := s.writeBlob(ctx, hiCt); err != nil {
		return errors.Wrap(err, "send encrypted hi")
	}

	ackCt, err := s.readBlob(ctx, nonceWireSize+1)
	if err != nil {
		return errors.Wrap(err, "read encrypted ack")
	}
	ack, err := s.sym.Decrypt(ackCt)
	if err != nil || len(ack) != 1 || ack[0] != ackByte {
		return protoerr.HelloMismatch("Session.Establish: ack")
	}

	return nil
}

// Send encrypts and frames payload as u32LE(len) ‖ nonce(8) ‖ ciphertext,
// then writes it in ChunkSize-sized pieces (spec §4.E chunking).
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if s.sym == nil {
		return errors.New("session.Send: not established")
	}

	blob, err := s.sym.Encrypt(payload)
	if err != nil {
		return err
	}

	wire := make([]byte, 4+len(blob))
	binary.LittleEndian.PutUint32(wire, uint32(len(blob)))
	copy(wire[4:], blob)

	return s.writeBlob(ctx, wire)
}

// Receive waits up to timeout (spec §4.E default 600s) for one complete
// encrypted message and returns the decrypted plaintext.
//
// Send writes u32LE(len) ‖ blob as a single writeBlob span, so the
// length prefix and the blob share physical chunk boundaries: the wire
// chunk carrying the tail of the length prefix may also carry the start
// of the blob. Receive therefore reads the whole 4+length span as one
// continuous run of physical chunks (mirroring writeBlob's own n =
// min(chunkSize, remaining) formula) and slices the length prefix out of
// the front of whatever the first chunk turns out to contain, instead of
// fetching it with its own independently-sized read (spec §4.E: "read
// the length prefix as part of the first chunk").
func (s *Session) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.sym == nil {
		return nil, errors.New("session.Receive: not established")
	}
	if timeout <= 0 {
		timeout = DefaultReceiveWait
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var span []byte
	for len(span) < 4 {
		chunk, err := s.readNextChunk(rctx)
		if err != nil {
			return nil, errors.Wrap(err, "read length prefix")
		}
		span = append(span, chunk...)
	}

	length := int(binary.LittleEndian.Uint32(span[:4]))
	blob := append([]byte(nil), span[4:]...)

	for len(blob) < length {
		chunk, err := s.readNextChunk(rctx)
		if err != nil {
			return nil, errors.Wrap(err, "read encrypted body")
		}
		blob = append(blob, chunk...)
	}

	return s.sym.Decrypt(blob[:length])
}

// readNextChunk waits for the next physical write_insecure packet to
// land in the stream's input buffer and reads exactly that many payload
// bytes — sized from what's actually sitting there right now (spec
// §4.E: "read_insecure(min(available, chunk_size))"), not a size picked
// independently of the wire.
func (s *Session) readNextChunk(ctx context.Context) ([]byte, error) {
	for {
		if avail := s.tc.AvailablePayload(); avail > 0 {
			want := avail
			if want > s.cfg.ChunkSize {
				want = s.cfg.ChunkSize
			}
			result, err := s.tc.ReadInsecure(ctx, want, s.cfg.AbortTimeout, true)
			if err != nil {
				return nil, err
			}
			return result.Payload, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close disposes the session key, per spec §3's session-teardown rule.
func (s *Session) Close() {
	if s.sym != nil {
		s.sym.Dispose()
	}
}

// writeBlob splits data into ChunkSize pieces and write_insecures each
// in turn (spec §4.E chunking).
func (s *Session) writeBlob(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n := s.cfg.ChunkSize
		if n > len(data) {
			n = len(data)
		}
		if err := s.tc.WriteInsecure(ctx, data[:n], s.cfg.ResendTimeout, s.cfg.AbortRetries); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// readBlob reassembles n bytes by repeatedly calling read_insecure with
// at most ChunkSize bytes per call (spec §4.E chunking).
func (s *Session) readBlob(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		want := s.cfg.ChunkSize
		if remaining := n - len(out); remaining < want {
			want = remaining
		}
		result, err := s.tc.ReadInsecure(ctx, want, s.cfg.AbortTimeout, true)
		if err != nil {
			return nil, err
		}
		out = append(out, result.Payload...)
	}
	return out, nil
}
