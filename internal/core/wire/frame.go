package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/zeusync/netsync/pkg/generic"
)

const (
	// HeaderSize is the width of the big-endian length prefix.
	HeaderSize = 8

	// DefaultMaxFrameSize bounds a single payload.
	DefaultMaxFrameSize = 1024 * 1024 // 1MB
)

var framePool = generic.NewBufferPool(4096)

// AppendFrame appends the length header and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes header and payload with a single Write call so concurrent
// writers serialized by the caller never interleave half frames.
func WriteFrame(w io.Writer, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, &FramingError{Err: ErrEmptyFrame}
	}

	buf := framePool.Get()
	defer framePool.Put(buf)

	*buf = AppendFrame(*buf, payload)
	return w.Write(*buf)
}

// ReadFrame reads one frame. A clean end of stream before the header is
// returned as io.EOF. Malformed or truncated frames are FramingErrors; any
// other read error is passed through untouched for the transport to classify.
func ReadFrame(r io.Reader, limit uint64) ([]byte, error) {
	if limit == 0 {
		limit = DefaultMaxFrameSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Limit: limit, Err: ErrTruncatedFrame, Cause: err}
		}
		return nil, err
	}

	length := binary.BigEndian.Uint64(header[:])
	if length == 0 {
		return nil, &FramingError{Limit: limit, Err: ErrEmptyFrame}
	}
	if length > limit {
		return nil, &FramingError{Length: length, Limit: limit, Err: ErrFrameTooLarge}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, &FramingError{Length: length, Limit: limit, Err: ErrTruncatedFrame, Cause: err}
		}
		return nil, err
	}

	return data, nil
}

// SplitFrame validates a datagram that carries exactly one frame and returns
// its payload.
func SplitFrame(datagram []byte, limit uint64) ([]byte, error) {
	if limit == 0 {
		limit = DefaultMaxFrameSize
	}
	if len(datagram) < HeaderSize {
		return nil, &FramingError{Length: uint64(len(datagram)), Limit: limit, Err: ErrTruncatedFrame}
	}

	length := binary.BigEndian.Uint64(datagram[:HeaderSize])
	switch {
	case length == 0:
		return nil, &FramingError{Limit: limit, Err: ErrEmptyFrame}
	case length > limit:
		return nil, &FramingError{Length: length, Limit: limit, Err: ErrFrameTooLarge}
	case length != uint64(len(datagram)-HeaderSize):
		return nil, &FramingError{Length: length, Limit: limit, Err: ErrLengthMismatch}
	}

	return datagram[HeaderSize:], nil
}
