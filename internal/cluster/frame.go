package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Control channel tokens.
const (
	TokenHeartbeat        = "HEARTBEAT"
	TokenAlive            = "ALIVE"
	TokenAccept           = "accept"
	TokenExists           = "exists"
	TokenDisconnect       = "Disconnect_Client"
	TokenLexiconPoll      = "LEXICON_POLL"
	TokenPollSuccess      = "PollingSuccess"
	TokenNoNewWords       = "NoNewWords"
	TokenNoWords          = "none"
	PrefixLexiconResponse = "lexicon-response:"
	PrefixSubmit          = "submit:"
	PrefixChecked         = "checked:"

	FrameNoServers      = "no servers available"
	FrameAllServersDown = "all servers unavailable"
)

const (
	// MaxFrameSize bounds a single control frame payload.
	MaxFrameSize = 1 << 20

	headerSize = 4

	// ControlChunkSize is the read size used on the control channel.
	ControlChunkSize = 1024
)

// ErrFrameTooLarge is returned when a peer announces a frame above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// EncodeFrame returns the length-prefixed encoding of payload.
func EncodeFrame(payload string) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// WriteFrame writes payload as a single frame with one Write call.
func WriteFrame(w io.Writer, payload string) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader decodes frames from a stream. Partial frames survive read
// timeouts, so callers may set a deadline, observe a timeout, and call
// ReadFrame again without losing bytes.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	pending error
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:     r,
		chunk: make([]byte, ControlChunkSize),
	}
}

// ReadFrame returns the next complete frame payload.
// A clean close between frames yields io.EOF; a close inside a frame yields
// io.ErrUnexpectedEOF.
func (f *FrameReader) ReadFrame() (string, error) {
	for {
		if len(f.buf) >= headerSize {
			n := binary.BigEndian.Uint32(f.buf[:headerSize])
			if n > MaxFrameSize {
				return "", ErrFrameTooLarge
			}
			end := headerSize + int(n)
			if len(f.buf) >= end {
				payload := string(f.buf[headerSize:end])
				f.buf = f.buf[end:]
				return payload, nil
			}
		}

		if f.pending != nil {
			err := f.pending
			f.pending = nil
			return "", f.eofError(err)
		}

		k, err := f.r.Read(f.chunk)
		if k > 0 {
			f.buf = append(f.buf, f.chunk[:k]...)
			if err != nil {
				f.pending = err
			}
			continue
		}
		if err != nil {
			return "", f.eofError(err)
		}
	}
}

func (f *FrameReader) eofError(err error) error {
	if errors.Is(err, io.EOF) && len(f.buf) > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadFrame reads a single frame from r. It is meant for short-lived
// connections such as health probes where no stream state must survive.
func ReadFrame(r io.Reader) (string, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return "", ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", err
	}
	return string(payload), nil
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
