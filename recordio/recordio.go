// Package recordio implements the default shard codec: a flat file of
// length-prefixed, CRC-checked msgpack records followed by an offset index,
// so records are addressable by position without scanning.
package recordio

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"iter"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// File layout:
//
//	frame*  footer  trailer
//
// frame   = uvarint(len(payload)) crc32c(payload) payload
// footer  = msgpack([]int64 frame offsets)
// trailer = uint64le(offset of footer) "srd1"
var magic = []byte("srd1")

const (
	trailerSize   = 8 + 4
	maxRecordSize = 256 << 20
)

var (
	ErrCorrupt    = errors.New("recordio: corrupt file")
	ErrOutOfRange = errors.New("recordio: record index out of range")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Codec opens shard files for appending and positional reading. Implementations
// must produce readers that can address records by index.
type Codec interface {
	Writer(path string) (Writer, error)
	Reader(path string) (Reader, error)
}

// Writer appends records to one shard file.
type Writer interface {
	// Append serializes a record onto the file and returns the number of
	// bytes the frame occupies on disk.
	Append(record any) (int64, error)
	// Count returns the number of records appended so far.
	Count() int
	// Offset returns the current byte offset of the record region.
	Offset() int64
	// Sum returns the hex SHA-256 of the complete file. Valid after Close.
	Sum() string
	// Close writes the offset index, syncs, and closes the file.
	Close() error
}

// Reader reads records from one shard file by position.
type Reader interface {
	Len() int
	Read(i int) (any, error)
	// Range yields the records in [start, end) in order.
	Range(start, end int) iter.Seq2[any, error]
	Close() error
}

type codec struct{}

// New returns the msgpack frame codec.
func New() Codec {
	return codec{}
}

func (codec) Writer(path string) (Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recordio: create %s: %w", path, err)
	}
	h := sha256.New()
	w := &writer{
		f:   f,
		bw:  bufio.NewWriterSize(io.MultiWriter(f, h), 1<<20),
		sum: h,
	}
	// Sorted map keys keep equal records byte-identical across runs.
	w.enc = msgpack.NewEncoder(&w.buf)
	w.enc.SetSortMapKeys(true)
	return w, nil
}

func (codec) Reader(path string) (Reader, error) {
	return openReader(path)
}

type writer struct {
	f       *os.File
	bw      *bufio.Writer
	sum     hash.Hash
	buf     bytes.Buffer
	enc     *msgpack.Encoder
	offsets []int64
	off     int64
	closed  bool
	hexSum  string
	scratch [binary.MaxVarintLen64]byte
}

func (w *writer) Append(record any) (int64, error) {
	if w.closed {
		return 0, errors.New("recordio: append after close")
	}
	w.buf.Reset()
	if err := w.enc.Encode(record); err != nil {
		return 0, fmt.Errorf("recordio: encoding record: %w", err)
	}
	payload := w.buf.Bytes()
	n := binary.PutUvarint(w.scratch[:], uint64(len(payload)))
	if _, err := w.bw.Write(w.scratch[:n]); err != nil {
		return 0, fmt.Errorf("recordio: %w", err)
	}
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.Checksum(payload, crcTable))
	if _, err := w.bw.Write(crc[:]); err != nil {
		return 0, fmt.Errorf("recordio: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return 0, fmt.Errorf("recordio: %w", err)
	}
	w.offsets = append(w.offsets, w.off)
	frame := int64(n) + 4 + int64(len(payload))
	w.off += frame
	return frame, nil
}

func (w *writer) Count() int    { return len(w.offsets) }
func (w *writer) Offset() int64 { return w.off }

func (w *writer) Sum() string { return w.hexSum }

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	footer, err := msgpack.Marshal(w.offsets)
	if err != nil {
		return fmt.Errorf("recordio: encoding index: %w", err)
	}
	if _, err := w.bw.Write(footer); err != nil {
		return fmt.Errorf("recordio: %w", err)
	}
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:8], uint64(w.off))
	copy(trailer[8:], magic)
	if _, err := w.bw.Write(trailer[:]); err != nil {
		return fmt.Errorf("recordio: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("recordio: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("recordio: sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("recordio: close: %w", err)
	}
	w.hexSum = hex.EncodeToString(w.sum.Sum(nil))
	return nil
}

type reader struct {
	f       *os.File
	size    int64
	offsets []int64
}

func openReader(path string) (*reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recordio: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("recordio: stat %s: %w", path, err)
	}
	r := &reader{f: f, size: st.Size()}
	if err := r.readIndex(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *reader) readIndex() error {
	if r.size < trailerSize {
		return fmt.Errorf("file too short: %w", ErrCorrupt)
	}
	var trailer [trailerSize]byte
	if _, err := r.f.ReadAt(trailer[:], r.size-trailerSize); err != nil {
		return fmt.Errorf("reading trailer: %w", err)
	}
	if string(trailer[8:]) != string(magic) {
		return fmt.Errorf("bad magic: %w", ErrCorrupt)
	}
	footerOff := int64(binary.LittleEndian.Uint64(trailer[:8]))
	if footerOff < 0 || footerOff > r.size-trailerSize {
		return fmt.Errorf("bad index offset: %w", ErrCorrupt)
	}
	footer := make([]byte, r.size-trailerSize-footerOff)
	if _, err := r.f.ReadAt(footer, footerOff); err != nil {
		return fmt.Errorf("reading index: %w", err)
	}
	if err := msgpack.Unmarshal(footer, &r.offsets); err != nil {
		return fmt.Errorf("decoding index: %w", ErrCorrupt)
	}
	for i, off := range r.offsets {
		if off < 0 || off >= footerOff || (i > 0 && off <= r.offsets[i-1]) {
			return fmt.Errorf("index entry %d out of order: %w", i, ErrCorrupt)
		}
	}
	return nil
}

func (r *reader) Len() int { return len(r.offsets) }

func (r *reader) Read(i int) (any, error) {
	if i < 0 || i >= len(r.offsets) {
		return nil, fmt.Errorf("index %d of %d: %w", i, len(r.offsets), ErrOutOfRange)
	}
	br := r.sectionFrom(r.offsets[i])
	record, err := readFrame(br)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *reader) Range(start, end int) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		if start < 0 || end > len(r.offsets) || start > end {
			yield(nil, fmt.Errorf("range [%d:%d) of %d: %w", start, end, len(r.offsets), ErrOutOfRange))
			return
		}
		if start == end {
			return
		}
		br := r.sectionFrom(r.offsets[start])
		for i := start; i < end; i++ {
			record, err := readFrame(br)
			if !yield(record, err) || err != nil {
				return
			}
		}
	}
}

func (r *reader) Close() error {
	return r.f.Close()
}

func (r *reader) sectionFrom(off int64) *bufio.Reader {
	return bufio.NewReaderSize(io.NewSectionReader(r.f, off, r.size-off), 1<<16)
}

func readFrame(br *bufio.Reader) (any, error) {
	length, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("recordio: reading frame length: %w", err)
	}
	if length > maxRecordSize {
		return nil, fmt.Errorf("recordio: frame of %d bytes: %w", length, ErrCorrupt)
	}
	var crc [4]byte
	if _, err := io.ReadFull(br, crc[:]); err != nil {
		return nil, fmt.Errorf("recordio: reading frame crc: %w", err)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("recordio: reading frame payload: %w", err)
	}
	if crc32.Checksum(payload, crcTable) != binary.LittleEndian.Uint32(crc[:]) {
		return nil, fmt.Errorf("recordio: frame crc mismatch: %w", ErrCorrupt)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.UseLooseInterfaceDecoding(true)
	record, err := dec.DecodeInterface()
	if err != nil {
		return nil, fmt.Errorf("recordio: decoding record: %w", err)
	}
	return record, nil
}
