// Package secure builds and opens the encrypted frames exchanged with
// agents.
//
// A frame is
//
//	"!" <peer-id> "!" <24-byte nonce> <ciphertext>
//
// The ciphertext is XChaCha20-Poly1305 over a zlib-compressed body, keyed
// with BLAKE2b-256 of the peer's shared key.  The "!<id>!" header is
// authenticated as additional data.  The body starts with a fixed-width
// counter block ("%05d%010d:%04d:" random, global, local).  Receivers
// accept a peer's frames only while its (global, local) counter keeps
// increasing, which makes captured frames worthless to replay.
package secure

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	ncerr "arforward/internal/errors"
	"arforward/internal/roster"
)

// MaxFrameSize bounds one encrypted datagram.
const MaxFrameSize = 6144

const (
	counterBlockLen = 21 // len("%05d%010d:%04d:")
	maxLocal        = 9999
)

// Sealer encrypts outbound messages.  It is safe for concurrent use.
type Sealer struct {
	mu     sync.Mutex
	global uint64
	local  uint32
}

// NewSealer returns a Sealer whose global counter starts at start.  The
// daemon passes one more than the value saved by its previous run so
// that agents never see its counter go backwards.
func NewSealer(start uint64) *Sealer {
	return &Sealer{global: start}
}

// Counter returns the current global counter.
func (s *Sealer) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// Seal encrypts msg for peer.  Every failure matches
// errors.ErrEncryptionFailure.
func (s *Sealer) Seal(msg []byte, peer roster.Peer) ([]byte, error) {
	if peer.Key == "" {
		return nil, fmt.Errorf("%w: peer %s has no key", ncerr.ErrEncryptionFailure, peer.ID)
	}
	block, err := s.counterBlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncerr.ErrEncryptionFailure, err)
	}

	var body bytes.Buffer
	zw := zlib.NewWriter(&body)
	if _, err := zw.Write(block); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ncerr.ErrEncryptionFailure, err)
	}
	if _, err := zw.Write(msg); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ncerr.ErrEncryptionFailure, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ncerr.ErrEncryptionFailure, err)
	}

	aead, err := newAEAD(peer.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncerr.ErrEncryptionFailure, err)
	}
	header := frameHeader(peer.ID)
	frame := make([]byte, 0, len(header)+aead.NonceSize()+body.Len()+aead.Overhead())
	frame = append(frame, header...)
	nonce := frame[len(frame) : len(frame)+aead.NonceSize()]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ncerr.ErrEncryptionFailure, err)
	}
	frame = frame[:len(frame)+aead.NonceSize()]
	frame = aead.Seal(frame, nonce, body.Bytes(), header)

	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame is %d bytes, limit %d",
			ncerr.ErrEncryptionFailure, len(frame), MaxFrameSize)
	}
	return frame, nil
}

// counterBlock advances the counters and renders the block.  The local
// counter wraps at 9999 and carries into the global one.
func (s *Sealer) counterBlock() ([]byte, error) {
	r, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.local++
	if s.local > maxLocal {
		s.local = 0
		s.global++
	}
	global, local := s.global, s.local
	s.mu.Unlock()

	return []byte(fmt.Sprintf("%05d%010d:%04d:", r.Int64(), global%10_000_000_000, local)), nil
}

// ── Opening ──────────────────────────────────────────────────────────

// Lookup resolves a peer by id.
type Lookup interface {
	ByID(id string) (roster.Peer, bool)
}

// Message is an authenticated frame from a peer.
type Message struct {
	Peer    roster.Peer
	Counter roster.Counter
	Body    []byte // without the counter block
}

// Open authenticates and decrypts frame.  Checking that the counter
// advanced is left to the caller.
func Open(frame []byte, peers Lookup) (Message, error) {
	if len(frame) < 3 || frame[0] != '!' {
		return Message{}, fmt.Errorf("%w: missing frame header", ncerr.ErrEncryptionFailure)
	}
	end := bytes.IndexByte(frame[1:], '!')
	if end <= 0 {
		return Message{}, fmt.Errorf("%w: missing peer id", ncerr.ErrEncryptionFailure)
	}
	id := string(frame[1 : end+1])
	peer, ok := peers.ByID(id)
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ncerr.ErrUnknownPeer, id)
	}
	msg := Message{Peer: peer}

	aead, err := newAEAD(peer.Key)
	if err != nil {
		return msg, fmt.Errorf("%w: %v", ncerr.ErrEncryptionFailure, err)
	}
	header := frame[:end+2]
	rest := frame[end+2:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return msg, fmt.Errorf("%w: frame too short", ncerr.ErrEncryptionFailure)
	}
	nonce, ct := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	body, err := aead.Open(nil, nonce, ct, header)
	if err != nil {
		return msg, fmt.Errorf("%w: %v", ncerr.ErrEncryptionFailure, err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return msg, fmt.Errorf("%w: decompress: %v", ncerr.ErrEncryptionFailure, err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(io.LimitReader(zr, 64*1024))
	if err != nil {
		return msg, fmt.Errorf("%w: decompress: %v", ncerr.ErrEncryptionFailure, err)
	}
	counter, err := parseCounterBlock(plain)
	if err != nil {
		return msg, fmt.Errorf("%w: bad counter block: %v", ncerr.ErrEncryptionFailure, err)
	}
	msg.Counter = counter
	msg.Body = plain[counterBlockLen:]
	return msg, nil
}

// parseCounterBlock reads "%05d%010d:%04d:".
func parseCounterBlock(plain []byte) (roster.Counter, error) {
	if len(plain) < counterBlockLen || plain[15] != ':' || plain[20] != ':' {
		return roster.Counter{}, fmt.Errorf("short or unframed")
	}
	global, err := strconv.ParseUint(string(plain[5:15]), 10, 64)
	if err != nil {
		return roster.Counter{}, err
	}
	local, err := strconv.ParseUint(string(plain[16:20]), 10, 32)
	if err != nil {
		return roster.Counter{}, err
	}
	return roster.Counter{Global: global, Local: uint32(local)}, nil
}

func frameHeader(id string) []byte {
	return []byte("!" + id + "!")
}

func newAEAD(key string) (cipher.AEAD, error) {
	if key == "" {
		return nil, fmt.Errorf("empty key")
	}
	sum := blake2b.Sum256([]byte(key))
	return chacha20poly1305.NewX(sum[:])
}
