// Package flowio reads and writes flow-record streams.
//
// A stream is a 16-byte header followed by fixed-width records. The body may
// be stream-compressed; zlib and snappy framing are supported. The header
// stores the record size, so a reader can detect a mismatched producer
// before touching the body.
//
//	magic       uint32  0x464C4F57 ("FLOW"), little-endian
//	version     uint8
//	compression uint8
//	record size uint16
//	reserved    [8]byte zero
package flowio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/tracenet/flowkit/flowrec"
)

const (
	Magic      = 0x464C4F57
	Version    = 1
	HeaderSize = 16
)

// Compression selects the body encoding of a stream.
type Compression uint8

const (
	None Compression = iota
	Zlib
	Snappy
)

// ParseCompression maps a user-facing name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return None, nil
	case "zlib":
		return Zlib, nil
	case "snappy":
		return Snappy, nil
	}
	return None, fmt.Errorf("flowio: unknown compression %q (want none, zlib, or snappy)", name)
}

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Snappy:
		return "snappy"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ErrTruncated is returned when a stream ends in the middle of a record.
var ErrTruncated = errors.New("flowio: truncated stream")

// WriterOpts configures NewWriter.
type WriterOpts struct {
	Compression Compression
	// RecordSize defaults to flowrec.Size.
	RecordSize int
}

// Writer emits a flow stream. The header is written on the first Write, or
// on Close for an empty stream, so even a recordless stream is a valid file.
type Writer struct {
	raw        io.Writer
	opts       WriterOpts
	body       io.Writer
	bodyCloser io.Closer
	began      bool
	nRecords   int64
}

// NewWriter returns a Writer emitting to w. The caller retains ownership of
// w; Close finishes the stream but does not close w.
func NewWriter(w io.Writer, opts WriterOpts) *Writer {
	if opts.RecordSize <= 0 {
		opts.RecordSize = flowrec.Size
	}
	return &Writer{raw: w, opts: opts}
}

func (w *Writer) begin() error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	hdr[4] = Version
	hdr[5] = uint8(w.opts.Compression)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(w.opts.RecordSize))
	if _, err := w.raw.Write(hdr[:]); err != nil {
		return err
	}
	switch w.opts.Compression {
	case None:
		w.body = w.raw
	case Zlib:
		zw := zlib.NewWriter(w.raw)
		w.body, w.bodyCloser = zw, zw
	case Snappy:
		sw := snappy.NewBufferedWriter(w.raw)
		w.body, w.bodyCloser = sw, sw
	default:
		return fmt.Errorf("flowio: bad compression %v", w.opts.Compression)
	}
	w.began = true
	return nil
}

// Write appends one record to the stream.
func (w *Writer) Write(rec []byte) error {
	if len(rec) != w.opts.RecordSize {
		return fmt.Errorf("flowio: record is %d bytes, stream wants %d", len(rec), w.opts.RecordSize)
	}
	if !w.began {
		if err := w.begin(); err != nil {
			return err
		}
	}
	if _, err := w.body.Write(rec); err != nil {
		return err
	}
	w.nRecords++
	return nil
}

// NumRecords returns the number of records written so far.
func (w *Writer) NumRecords() int64 { return w.nRecords }

// Close finishes the stream, writing the header first if no record ever was.
func (w *Writer) Close() error {
	if !w.began {
		if err := w.begin(); err != nil {
			return err
		}
	}
	if w.bodyCloser != nil {
		return w.bodyCloser.Close()
	}
	return nil
}

// Reader consumes a flow stream produced by Writer.
type Reader struct {
	body       io.Reader
	bodyCloser io.Closer
	recordSize int
	nRecords   int64
}

// NewReader validates the stream header of r and positions the reader at the
// first record. The caller retains ownership of r.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("flowio: short header: %v", ErrTruncated)
		}
		return nil, err
	}
	if m := binary.LittleEndian.Uint32(hdr[0:4]); m != Magic {
		return nil, fmt.Errorf("flowio: bad magic %#x", m)
	}
	if v := hdr[4]; v != Version {
		return nil, fmt.Errorf("flowio: unsupported version %d", v)
	}
	recordSize := int(binary.LittleEndian.Uint16(hdr[6:8]))
	if recordSize == 0 {
		return nil, fmt.Errorf("flowio: zero record size in header")
	}
	fr := &Reader{recordSize: recordSize}
	switch Compression(hdr[5]) {
	case None:
		fr.body = r
	case Zlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			// An empty zlib body means a header-only stream.
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				fr.body = eofReader{}
				return fr, nil
			}
			return nil, fmt.Errorf("flowio: zlib: %v", err)
		}
		fr.body, fr.bodyCloser = zr, zr
	case Snappy:
		fr.body = snappy.NewReader(r)
	default:
		return nil, fmt.Errorf("flowio: unknown compression %d", hdr[5])
	}
	return fr, nil
}

// RecordSize returns the record width declared by the stream header.
func (r *Reader) RecordSize() int { return r.recordSize }

// NumRecords returns the number of records read so far.
func (r *Reader) NumRecords() int64 { return r.nRecords }

// Read fills buf with the next record. It returns io.EOF at a clean end of
// stream and ErrTruncated when the stream ends mid-record.
func (r *Reader) Read(buf []byte) error {
	if len(buf) != r.recordSize {
		return fmt.Errorf("flowio: read buffer is %d bytes, stream wants %d", len(buf), r.recordSize)
	}
	n, err := io.ReadFull(r.body, buf)
	switch err {
	case nil:
		r.nRecords++
		return nil
	case io.EOF:
		return io.EOF
	case io.ErrUnexpectedEOF:
		return fmt.Errorf("flowio: %d stray trailing bytes: %w", n, ErrTruncated)
	}
	return err
}

// Close releases decompressor state. It does not close the underlying reader.
func (r *Reader) Close() error {
	if r.bodyCloser != nil {
		return r.bodyCloser.Close()
	}
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
