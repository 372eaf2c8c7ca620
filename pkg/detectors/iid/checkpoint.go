package iid

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"math"

	"go.uber.org/zap"
)

// CheckpointVersion is the format version written by Save.
const CheckpointVersion uint16 = 1

var checkpointMagic = [4]byte{'S', 'P', 'K', 'D'}

// header: magic, version, payload length. trailer: CRC-32 of the payload.
const (
	headerSize  = 4 + 2 + 4
	trailerSize = 4
)

// Snapshot is the decoded content of a checkpoint.
type Snapshot struct {
	Config Config
	// History holds the window contents, oldest first.
	History []float64
	// Bets holds the buffered log bets, oldest first.
	Bets  []float64
	Count uint64
}

// LogMartingale returns the score the snapshot resumes with.
func (s Snapshot) LogMartingale() float64 {
	var sum float64
	for _, b := range s.Bets {
		sum += b
	}
	return sum
}

// Save serializes the configuration and state of a fit detector.
func (d *Detector) Save() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.fitted {
		return nil, errNotFit
	}

	return EncodeSnapshot(Snapshot{
		Config:  d.cfg,
		History: d.window.Values(),
		Bets:    d.bets.Values(),
		Count:   d.count,
	})
}

// Load replaces the configuration and state with a checkpoint produced by
// Save. On error the detector is left unchanged.
func (d *Detector) Load(data []byte) error {
	s, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}

	window, bets := s.windows()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = s.Config
	d.window = window
	d.bets = bets
	d.count = s.Count
	d.fitted = true

	d.logger.Info("detector restored",
		zap.Uint64("count", s.Count),
		zap.Int("history", len(s.History)),
		zap.Float64("log_martingale", s.LogMartingale()))

	return nil
}

// Restore creates a fit detector from a checkpoint. Options are applied
// before the checkpoint is loaded, so only non-state options such as
// WithLogger have an effect.
func Restore(data []byte, opts ...Option) (*Detector, error) {
	d := &Detector{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Load(data); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeSnapshot writes s in the versioned checkpoint format.
// It fails with ErrSerialization when s would not pass DecodeSnapshot.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(s); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrSerialization, err)
	}

	out := make([]byte, headerSize, headerSize+payload.Len()+trailerSize)
	copy(out, checkpointMagic[:])
	binary.BigEndian.PutUint16(out[4:], CheckpointVersion)
	binary.BigEndian.PutUint32(out[6:], uint32(payload.Len()))
	out = append(out, payload.Bytes()...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(payload.Bytes()))

	return out, nil
}

// DecodeSnapshot parses and validates a checkpoint.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) < headerSize+trailerSize {
		return Snapshot{}, fmt.Errorf("%w: truncated (%d bytes)", ErrSerialization, len(data))
	}
	if !bytes.Equal(data[:4], checkpointMagic[:]) {
		return Snapshot{}, fmt.Errorf("%w: bad magic %q", ErrSerialization, data[:4])
	}
	if v := binary.BigEndian.Uint16(data[4:]); v != CheckpointVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrSerialization, v)
	}

	n := int(binary.BigEndian.Uint32(data[6:]))
	if len(data) != headerSize+n+trailerSize {
		return Snapshot{}, fmt.Errorf("%w: payload length %d does not match blob size %d", ErrSerialization, n, len(data))
	}
	payload := data[headerSize : headerSize+n]
	if sum := binary.BigEndian.Uint32(data[headerSize+n:]); sum != crc32.ChecksumIEEE(payload) {
		return Snapshot{}, fmt.Errorf("%w: checksum mismatch", ErrSerialization)
	}

	var s Snapshot
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode: %v", ErrSerialization, err)
	}
	if err := s.validate(); err != nil {
		return Snapshot{}, err
	}

	return s, nil
}

func (s Snapshot) validate() error {
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if len(s.History) > s.Config.HistoryLength {
		return fmt.Errorf("%w: history holds %d values, capacity is %d", ErrSerialization, len(s.History), s.Config.HistoryLength)
	}
	if len(s.Bets) > s.Config.MartingaleLength {
		return fmt.Errorf("%w: %d bets, capacity is %d", ErrSerialization, len(s.Bets), s.Config.MartingaleLength)
	}
	if uint64(len(s.History)) > s.Count {
		return fmt.Errorf("%w: history longer than observation count %d", ErrSerialization, s.Count)
	}
	for _, v := range s.History {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite history value", ErrSerialization)
		}
	}
	for _, v := range s.Bets {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bet", ErrSerialization)
		}
	}
	return nil
}

func (s Snapshot) windows() (window, bets *Window) {
	window = NewWindow(s.Config.HistoryLength)
	for _, v := range s.History {
		window.Push(v)
	}
	bets = NewWindow(s.Config.MartingaleLength)
	for _, v := range s.Bets {
		bets.Push(v)
	}
	return window, bets
}
