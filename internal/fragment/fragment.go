// Package fragment splits oversized inner frames into ordered chunks and
// reassembles them on the receiving side, per spec.md §4.2. Grounded on the
// teacher's lease-expiry reaper shape (relaydns/lease.go: a map guarded by
// a mutex, swept by a ticker goroutine) generalized from lease TTL to
// fragment-reassembly TTL.
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ReassemblyTimeout is how long a partial reassembly entry survives before
// being dropped silently (spec.md §4.2, §5).
const ReassemblyTimeout = 30 * time.Second

// chunkOverhead is the per-fragment header: fragment_id(2) + index(2) + total_count(2) + original_type(1).
const chunkOverhead = 2 + 2 + 2 + 1

var (
	ErrFragmentTimeout  = errors.New("fragment_timeout")
	ErrFragmentOversized = errors.New("fragment_oversized")
)

// Chunk is one on-the-wire fragment payload (the bytes that become a
// type=fragment Packet's Payload in internal/wire).
type Chunk struct {
	FragmentID   uint16
	Index        uint16
	TotalCount   uint16
	OriginalType byte
	Data         []byte
}

// Split breaks an encoded inner frame into chunk_size-sized fragments
// (spec.md §4.2 steps 1-3). chunkSize is mtu-24 as negotiated by the BLE link.
func Split(innerFrame []byte, originalType byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, ErrFragmentOversized
	}

	var fragID uint16
	idBuf := make([]byte, 2)
	if _, err := rand.Read(idBuf); err != nil {
		return nil, err
	}
	fragID = binary.BigEndian.Uint16(idBuf)

	total := (len(innerFrame) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, ErrFragmentOversized
	}

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(innerFrame) {
			end = len(innerFrame)
		}
		data := append([]byte(nil), innerFrame[start:end]...)
		chunks = append(chunks, Chunk{
			FragmentID:   fragID,
			Index:        uint16(i),
			TotalCount:   uint16(total),
			OriginalType: originalType,
			Data:         data,
		})
	}
	return chunks, nil
}

// EncodeChunk serializes a Chunk to the fragment payload layout in spec.md §4.2.
func EncodeChunk(c Chunk) []byte {
	buf := make([]byte, chunkOverhead+len(c.Data))
	binary.BigEndian.PutUint16(buf[0:2], c.FragmentID)
	binary.BigEndian.PutUint16(buf[2:4], c.Index)
	binary.BigEndian.PutUint16(buf[4:6], c.TotalCount)
	buf[6] = c.OriginalType
	copy(buf[7:], c.Data)
	return buf
}

// DecodeChunk parses a fragment payload back into a Chunk.
func DecodeChunk(payload []byte) (Chunk, error) {
	if len(payload) < chunkOverhead {
		return Chunk{}, ErrFragmentOversized
	}
	c := Chunk{
		FragmentID:   binary.BigEndian.Uint16(payload[0:2]),
		Index:        binary.BigEndian.Uint16(payload[2:4]),
		TotalCount:   binary.BigEndian.Uint16(payload[4:6]),
		OriginalType: payload[6],
		Data:         append([]byte(nil), payload[7:]...),
	}
	return c, nil
}

// reassemblyKey keys in-flight reassembly entries by (sender_id, fragment_id).
type reassemblyKey struct {
	SenderID [8]byte
	FragID   uint16
}

type entry struct {
	totalCount   uint16
	originalType byte
	received     map[uint16][]byte
	firstSeenAt  time.Time
}

// Reassembler tracks in-flight fragmented messages, keyed by (sender_id, fragment_id)
// (spec.md §3 "Fragment-reassembly entry"). Fragments may arrive out of order;
// reassembly is index-based, not arrival-order-based (spec.md §5 ordering (d)).
type Reassembler struct {
	mu      sync.Mutex
	entries map[reassemblyKey]*entry
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		entries: make(map[reassemblyKey]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the reaper that silently drops entries older than ReassemblyTimeout.
func (r *Reassembler) Start() {
	r.wg.Add(1)
	go r.reap()
}

func (r *Reassembler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reassembler) reap() {
	defer r.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reassembler) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for key, e := range r.entries {
		if now.Sub(e.firstSeenAt) > ReassemblyTimeout {
			delete(r.entries, key)
			log.Debug().Uint16("fragment_id", key.FragID).Msg("fragment reassembly timed out")
		}
	}
}

// Add feeds one fragment into the reassembler. When the fragment completes the
// message, it returns the reconstructed inner frame, its original_type, and true.
func (r *Reassembler) Add(senderID [8]byte, c Chunk) (data []byte, originalType byte, complete bool) {
	key := reassemblyKey{SenderID: senderID, FragID: c.FragmentID}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{
			totalCount:   c.TotalCount,
			originalType: c.OriginalType,
			received:     make(map[uint16][]byte),
			firstSeenAt:  time.Now(),
		}
		r.entries[key] = e
	}

	if _, dup := e.received[c.Index]; !dup {
		e.received[c.Index] = c.Data
	}

	if uint16(len(e.received)) < e.totalCount {
		return nil, 0, false
	}

	indices := make([]int, 0, len(e.received))
	for idx := range e.received {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	var out []byte
	for _, idx := range indices {
		out = append(out, e.received[uint16(idx)]...)
	}

	delete(r.entries, key)
	return out, e.originalType, true
}
