// Package record implements the length-prefixed tagged-union codec
// used on the wire between the injected tracing library and the
// Interpreter. Framing is a little-endian u16 payload length followed
// by that many payload bytes; the payload itself is a one-byte tag
// followed by its fields. Producers (the injected library) are trusted
// to emit conformant records; this package only validates framing and
// tag values, not field semantics.
package record

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Tag identifies a Record's variant on the wire.
type Tag byte

const (
	TagVersion Tag = iota
	TagExec
	TagImage
	TagPageInfo
	TagTrace
	TagAlloc
	TagFree
	TagDuration
	TagRSS
)

// ErrInvalidFormat reports a malformed record: an unknown tag or a
// payload that was too short for its tag's fixed fields.
var ErrInvalidFormat = errors.New("record: invalid format")

// Record is the sum type of every event the tracer can emit.
type Record interface {
	isRecord()
}

type Version struct{ Version uint16 }

type Exec struct{ Command string }

type Image struct {
	Name         string
	StartAddress uint64
	Size         uint64
}

type PageInfo struct {
	Size  uint64
	Pages uint64
}

type Trace struct {
	IP        uint64
	ParentIdx uint64
}

type Alloc struct {
	Ptr       uint64
	Size      uint64
	ParentIdx uint64
}

type Free struct{ Ptr uint64 }

// Duration is the monotonic elapsed time, decoded from a wire u64
// millisecond count into a native time.Duration.
type Duration struct{ Duration time.Duration }

type RSS struct{ Size uint64 }

func (Version) isRecord()  {}
func (Exec) isRecord()     {}
func (Image) isRecord()    {}
func (PageInfo) isRecord() {}
func (Trace) isRecord()    {}
func (Alloc) isRecord()    {}
func (Free) isRecord()     {}
func (Duration) isRecord() {}
func (RSS) isRecord()      {}

// maxFrameLen bounds a single record's payload length; the wire length
// prefix is a u16 so this can never legitimately be exceeded.
const maxFrameLen = 1<<16 - 1

// Decode reads one length-prefixed record from r. It returns io.EOF
// (unwrapped) when the stream ends cleanly before any header bytes are
// read, matching the "short reads at stream start yield end-of-stream"
// contract; any other truncation is ErrInvalidFormat.
func Decode(r *bufio.Reader) (Record, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(ErrInvalidFormat, err.Error())
	}

	n := binary.LittleEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(ErrInvalidFormat, "short payload")
	}

	return decodePayload(payload)
}

func decodePayload(b []byte) (Record, error) {
	if len(b) < 1 {
		return nil, ErrInvalidFormat
	}
	d := &decoder{buf: b[1:]}
	switch Tag(b[0]) {
	case TagVersion:
		v, err := d.u16()
		return Version{Version: v}, err
	case TagExec:
		s, err := d.str()
		return Exec{Command: s}, err
	case TagImage:
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		start, err := d.u64()
		if err != nil {
			return nil, err
		}
		size, err := d.u64()
		return Image{Name: name, StartAddress: start, Size: size}, err
	case TagPageInfo:
		size, err := d.u64()
		if err != nil {
			return nil, err
		}
		pages, err := d.u64()
		return PageInfo{Size: size, Pages: pages}, err
	case TagTrace:
		ip, err := d.u64()
		if err != nil {
			return nil, err
		}
		parent, err := d.u64()
		return Trace{IP: ip, ParentIdx: parent}, err
	case TagAlloc:
		ptr, err := d.u64()
		if err != nil {
			return nil, err
		}
		size, err := d.u64()
		if err != nil {
			return nil, err
		}
		parent, err := d.u64()
		return Alloc{Ptr: ptr, Size: size, ParentIdx: parent}, err
	case TagFree:
		ptr, err := d.u64()
		return Free{Ptr: ptr}, err
	case TagDuration:
		ms, err := d.u64()
		return Duration{Duration: time.Duration(ms) * time.Millisecond}, err
	case TagRSS:
		size, err := d.u64()
		return RSS{Size: size}, err
	default:
		return nil, errors.Wrapf(ErrInvalidFormat, "unknown tag %d", b[0])
	}
}

type decoder struct {
	buf []byte
}

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.buf) < n {
		return nil, errors.Wrap(ErrInvalidFormat, "short field")
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out, nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode writes rec to w in the length-prefixed wire format. It is the
// counterpart to Decode and is primarily used by tests to synthesize
// record streams.
func Encode(w io.Writer, rec Record) error {
	payload, err := encodePayload(rec)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameLen {
		return errors.New("record: payload exceeds u16 length prefix")
	}

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

type encoder struct {
	buf []byte
}

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func encodePayload(rec Record) ([]byte, error) {
	e := &encoder{}
	var tag Tag

	switch r := rec.(type) {
	case Version:
		tag = TagVersion
		e.u16(r.Version)
	case Exec:
		tag = TagExec
		e.str(r.Command)
	case Image:
		tag = TagImage
		e.str(r.Name)
		e.u64(r.StartAddress)
		e.u64(r.Size)
	case PageInfo:
		tag = TagPageInfo
		e.u64(r.Size)
		e.u64(r.Pages)
	case Trace:
		tag = TagTrace
		e.u64(r.IP)
		e.u64(r.ParentIdx)
	case Alloc:
		tag = TagAlloc
		e.u64(r.Ptr)
		e.u64(r.Size)
		e.u64(r.ParentIdx)
	case Free:
		tag = TagFree
		e.u64(r.Ptr)
	case Duration:
		tag = TagDuration
		e.u64(uint64(r.Duration / time.Millisecond))
	case RSS:
		tag = TagRSS
		e.u64(r.Size)
	default:
		return nil, errors.Errorf("record: unsupported record type %T", rec)
	}

	return append([]byte{byte(tag)}, e.buf...), nil
}
