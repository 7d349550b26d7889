// Package capture appends every frame crossing a session to a CBOR stream
// for offline protocol analysis. Records use integer keys for compactness;
// the first record of a file section identifies the capture session.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"aacpd/internal/aacp"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeUnixMicro,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture decoder mode: %v", err))
	}
}

// SessionInfo opens a capture: which device, which capture run, when.
type SessionInfo struct {
	ID      string    `cbor:"1,keyasint"`
	MAC     string    `cbor:"2,keyasint"`
	Started time.Time `cbor:"3,keyasint"`
}

// Record is one frame, or with Session set, a capture header.
type Record struct {
	Seq       uint64       `cbor:"1,keyasint"`
	Timestamp time.Time    `cbor:"2,keyasint"`
	Direction uint8        `cbor:"3,keyasint"`
	Opcode    uint16       `cbor:"4,keyasint"`
	Payload   []byte       `cbor:"5,keyasint,omitempty"`
	Session   *SessionInfo `cbor:"6,keyasint,omitempty"`
}

// Writer logs frames to a file. Safe for concurrent use; encoding or write
// errors never disrupt the session feeding it.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	enc    *cbor.Encoder
	seq    uint64
	closed bool
}

// NewWriter opens path for appending and writes the capture header.
func NewWriter(path, mac string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{file: f, enc: encMode.NewEncoder(f)}

	header := Record{
		Timestamp: time.Now(),
		Session: &SessionInfo{
			ID:      uuid.NewString(),
			MAC:     mac,
			Started: time.Now(),
		},
	}
	if err := w.enc.Encode(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return w, nil
}

// ObserveFrame implements the session's frame observer.
func (w *Writer) ObserveFrame(dir aacp.FrameDirection, op aacp.Opcode, payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.seq++
	rec := Record{
		Seq:       w.seq,
		Timestamp: time.Now(),
		Direction: uint8(dir),
		Opcode:    uint16(op),
	}
	if len(payload) > 0 {
		rec.Payload = append([]byte(nil), payload...)
	}
	_ = w.enc.Encode(rec)
}

// Close is idempotent; frames observed afterwards are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Read decodes a capture stream until EOF.
func Read(r io.Reader) ([]Record, error) {
	dec := decMode.NewDecoder(r)
	var records []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, err
		}
		records = append(records, rec)
	}
}

// ReadFile loads a capture file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

var _ aacp.FrameObserver = (*Writer)(nil)
