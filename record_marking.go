package oncrpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// Record marking constants (RFC 5531 §10). RPC over a byte stream such as
// TCP has no inherent message boundaries, so every message is preceded by
// one or more 4-byte fragment headers: the top bit marks the last fragment
// of the record, the low 31 bits carry that fragment's length. Record
// marking is not used over UDP, where one datagram is one record.
const (
	LastFragmentFlag = 0x80000000
	MaxFragmentSize  = 0x7FFFFFFF

	// DefaultMaxFragmentSize is the default fragment size used when writing;
	// larger records are split across multiple fragments transparently.
	DefaultMaxFragmentSize = 1 << 20
)

// RecordReader reassembles complete RPC records from a fragmented byte
// stream.
type RecordReader struct {
	r           io.Reader
	fragmentBuf *bytes.Buffer
}

// NewRecordReader returns a RecordReader reading fragments from r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: r, fragmentBuf: new(bytes.Buffer)}
}

// ReadRecord reads and reassembles one complete record, blocking until the
// last fragment has arrived. It returns ErrEndOfStream if the stream ended
// cleanly where a fragment header was expected (including after a non-last
// fragment), and ErrTruncatedFragment if it ended mid-header or
// mid-fragment.
func (rm *RecordReader) ReadRecord() ([]byte, error) {
	rm.fragmentBuf.Reset()

	for {
		var header uint32
		if err := binary.Read(rm.r, binary.BigEndian, &header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &TransportError{Op: "read fragment header", Err: ErrEndOfStream}
			}
			return nil, &TransportError{Op: "read fragment header", Err: ErrTruncatedFragment}
		}

		last := header&LastFragmentFlag != 0
		fragmentLen := header &^ LastFragmentFlag
		if fragmentLen > MaxFragmentSize {
			return nil, &TransportError{Op: "read fragment header", Err: ErrInvalidFraming}
		}

		if fragmentLen > 0 {
			fragment := make([]byte, fragmentLen)
			if _, err := io.ReadFull(rm.r, fragment); err != nil {
				return nil, &TransportError{Op: "read fragment data", Err: ErrTruncatedFragment}
			}
			rm.fragmentBuf.Write(fragment)
		}

		if last {
			break
		}
	}

	out := make([]byte, rm.fragmentBuf.Len())
	copy(out, rm.fragmentBuf.Bytes())
	return out, nil
}

// RecordWriter fragments and writes complete RPC records to a byte stream.
type RecordWriter struct {
	w           io.Writer
	maxFragment int
	mu          sync.Mutex
}

// NewRecordWriter returns a RecordWriter using DefaultMaxFragmentSize.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w, maxFragment: DefaultMaxFragmentSize}
}

// NewRecordWriterSize returns a RecordWriter that splits records larger than
// maxFragment into multiple fragments of at most maxFragment bytes each.
func NewRecordWriterSize(w io.Writer, maxFragment int) *RecordWriter {
	if maxFragment <= 0 || maxFragment > MaxFragmentSize {
		maxFragment = DefaultMaxFragmentSize
	}
	return &RecordWriter{w: w, maxFragment: maxFragment}
}

// WriteRecord writes data as one or more fragments, the last carrying
// LastFragmentFlag. A zero-length record is still written as a single
// zero-length last fragment.
func (rm *RecordWriter) WriteRecord(data []byte) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	remaining := len(data)
	offset := 0

	for {
		fragmentLen := remaining
		if fragmentLen > rm.maxFragment {
			fragmentLen = rm.maxFragment
		}
		last := fragmentLen == remaining

		header := uint32(fragmentLen)
		if last {
			header |= LastFragmentFlag
		}
		if err := binary.Write(rm.w, binary.BigEndian, header); err != nil {
			return &TransportError{Op: "write fragment header", Err: err}
		}
		if fragmentLen > 0 {
			if _, err := rm.w.Write(data[offset : offset+fragmentLen]); err != nil {
				return &TransportError{Op: "write fragment data", Err: err}
			}
		}

		offset += fragmentLen
		remaining -= fragmentLen
		if last {
			return nil
		}
	}
}

// RecordConn pairs a RecordReader and RecordWriter over a single
// connection, the shape both the client and the server deal in once a TCP
// connection is established.
type RecordConn struct {
	reader *RecordReader
	writer *RecordWriter
}

// NewRecordConn returns a RecordConn reading from r and writing to w, using
// DefaultMaxFragmentSize for outbound fragmentation.
func NewRecordConn(r io.Reader, w io.Writer) *RecordConn {
	return &RecordConn{reader: NewRecordReader(r), writer: NewRecordWriter(w)}
}

// NewRecordConnSize is NewRecordConn with an explicit outbound fragment size.
func NewRecordConnSize(r io.Reader, w io.Writer, maxFragment int) *RecordConn {
	return &RecordConn{reader: NewRecordReader(r), writer: NewRecordWriterSize(w, maxFragment)}
}

// ReadRecord reads one complete record.
func (c *RecordConn) ReadRecord() ([]byte, error) { return c.reader.ReadRecord() }

// WriteRecord writes one complete record.
func (c *RecordConn) WriteRecord(data []byte) error { return c.writer.WriteRecord(data) }
