package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ericogr/kinect-to-mqtt/pkg/config"
	"github.com/ericogr/kinect-to-mqtt/pkg/sensor"
)

const magic = "KINECTR1"

// maxRecordSize bounds a single encoded sample. The largest is a 1280x960
// RGB image.
const maxRecordSize = 8 << 20

// Recorder appends samples to a raw log. Each record is an 8 byte
// little-endian unix-nano timestamp, a 4 byte payload length and the CBOR
// encoded sample.
type Recorder struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// Record is one decoded entry of a raw log.
type Record struct {
	Time   time.Time
	Sample sensor.Sample
}

func NewRecorder(cfg config.RecorderConfig) (*Recorder, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(cfg.Dir, fmt.Sprintf("%s_%s.bin", timestamp, cfg.Prefix))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Recorder{path: path, f: f, w: w}, nil
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) Publish(samples []sensor.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return errors.New("recorder is closed")
	}
	for _, s := range samples {
		payload, err := cbor.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode %s: %w", s.Port, err)
		}
		if len(payload) > maxRecordSize {
			return fmt.Errorf("encode %s: %d bytes exceeds record limit", s.Port, len(payload))
		}
		ts := s.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		var header [12]byte
		binary.LittleEndian.PutUint64(header[:8], uint64(ts.UnixNano()))
		binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
		if _, err := r.w.Write(header[:]); err != nil {
			return err
		}
		if _, err := r.w.Write(payload); err != nil {
			return err
		}
	}
	return r.w.Flush()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// ReadAll decodes every record of the raw log at path. A truncated trailing
// record is reported as io.ErrUnexpectedEOF together with the records read
// before it.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rd := bufio.NewReader(f)

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(rd, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(head) != magic {
		return nil, fmt.Errorf("not a kinect raw log: %q", head)
	}

	var records []Record
	var header [12]byte
	for {
		if _, err := io.ReadFull(rd, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, err
		}
		ts := int64(binary.LittleEndian.Uint64(header[:8]))
		size := binary.LittleEndian.Uint32(header[8:12])
		if size > maxRecordSize {
			return records, fmt.Errorf("record %d: length %d exceeds %d bytes", len(records), size, maxRecordSize)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(rd, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return records, err
		}
		var s sensor.Sample
		if err := cbor.Unmarshal(payload, &s); err != nil {
			return records, fmt.Errorf("decode record %d: %w", len(records), err)
		}
		records = append(records, Record{Time: time.Unix(0, ts), Sample: s})
	}
}
