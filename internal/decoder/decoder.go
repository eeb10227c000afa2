// Package decoder turns the raw byte stream delivered by internal/transport
// into samples. It accepts two frame shapes on the same stream and
// resynchronises byte-by-byte on any integrity failure rather than
// dropping the connection.
//
// # Length-prefixed frame (legacy shape)
//
//	[4B BE total_length]
//	[20B header, zero-filled]
//	[4B BE N]
//	[N × 8B BE float64 values]
//	[4B BE trailer, must equal total_length]
//
//	total_length = 28 + 8*N. Channel index is the wire position 0..N-1,
//	unpermuted.
//
// # Tagged frame (registry shape)
//
//	["datiacquisiti" 13B marker]
//	[24B reserved]
//	[2B 0x00 0x0D]
//	["datiacquisiti" 13B marker]
//	[8B count tag 00 01 00 01 00 00 00 86, denoting 134]
//	[134 × 8B BE float64 values]
//
//	Total length 1132 bytes. Channel index is resolved through the
//	registry's fixed position→index permutation (internal/registry).
package decoder

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/model"
	"github.com/nhr-fau/benchmonitor/internal/registry"
)

const (
	lengthPrefixHeaderLen = 20
	lengthPrefixMinLen    = lengthPrefixHeaderLen + 4 + 4 // total_length of an empty N=0 frame

	taggedMarker    = "datiacquisiti"
	taggedFrameLen  = 1132
	taggedCount     = 134
	taggedReserved  = 24
)

var taggedCountTag = [8]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x86}

// decodeOutcome distinguishes "need more bytes" from "skipped one byte
// while resyncing, buffer already advanced, try again" - conflating the
// two made Feed stop after a single skipped byte instead of scanning
// all the way through a run of corruption to the next valid frame.
type decodeOutcome int

const (
	outcomeNeedMore decodeOutcome = iota
	outcomeSkipped
	outcomeDecoded
)

// Stats is a snapshot of decoder activity, fed to internal/telemetry.
type Stats struct {
	LengthPrefixedFrames int64
	TaggedFrames         int64
	BytesSkipped         int64
	TruncatedWaits       int64
}

// Decoder is stateful; Feed, Reset and Stats serialise on an internal
// mutex. A single transport connection feeds it serially.
type Decoder struct {
	mu  sync.Mutex
	reg *registry.Registry
	buf []byte

	maxFrame    int
	pendingSize int // length of a known but not-yet-complete frame, 0 if none

	stats Stats
}

// New returns a Decoder that resolves tagged-frame channel indices
// through reg.
func New(reg *registry.Registry) *Decoder {
	d := &Decoder{reg: reg}
	d.maxFrame = taggedFrameLen
	return d
}

// Reset clears the resync buffer. Must be called by the transport on
// every reconnect so that bytes from a previous connection never leak
// into the next one's frame boundaries.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = d.buf[:0]
}

// Stats returns a copy of the current counters.
func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Feed appends chunk to the internal buffer and extracts every
// complete, valid frame it can find, returning the decoded samples in
// stream order. Incomplete trailing bytes are retained for the next
// call. For any partition of a valid stream into chunks, the
// concatenation of Feed's outputs is identical and order-preserving.
func (d *Decoder) Feed(chunk []byte, now time.Time) []model.Sample {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf = append(d.buf, chunk...)

	var out []model.Sample
	for {
		samples, consumed, outcome := d.tryDecodeOne(now)
		switch outcome {
		case outcomeDecoded:
			out = append(out, samples...)
			d.buf = d.buf[consumed:]
		case outcomeSkipped:
			// One corrupt byte was already dropped by resyncOneByte;
			// keep scanning from the new buffer start instead of
			// stopping, so a whole run of garbage is skipped in one
			// Feed call rather than one byte per call.
			continue
		case outcomeNeedMore:
			d.trimResyncBuffer()
			return out
		}
	}
}

// tryDecodeOne attempts to decode a single frame from the front of the
// buffer. outcomeNeedMore means the buffer holds neither a complete
// valid frame nor conclusive proof of corruption (i.e. more bytes are
// needed) and Feed should stop. outcomeSkipped means one corrupt byte
// was dropped and the caller should immediately retry.
func (d *Decoder) tryDecodeOne(now time.Time) (samples []model.Sample, consumed int, outcome decodeOutcome) {
	if len(d.buf) == 0 {
		return nil, 0, outcomeNeedMore
	}

	if hasMarkerAt(d.buf, 0) {
		return d.tryTaggedFrame(now)
	}
	if len(d.buf) < len(taggedMarker) && taggedMarker[:len(d.buf)] == string(d.buf) {
		// A chunk boundary fell inside a tagged frame's opening marker.
		d.stats.TruncatedWaits++
		return nil, 0, outcomeNeedMore
	}

	if len(d.buf) >= 4 {
		return d.tryLengthPrefixedFrame(now)
	}

	d.stats.TruncatedWaits++
	return nil, 0, outcomeNeedMore
}

func hasMarkerAt(buf []byte, offset int) bool {
	if offset < 0 || offset+len(taggedMarker) > len(buf) {
		return false
	}
	return string(buf[offset:offset+len(taggedMarker)]) == taggedMarker
}

func (d *Decoder) tryTaggedFrame(now time.Time) ([]model.Sample, int, decodeOutcome) {
	if len(d.buf) < taggedFrameLen {
		d.stats.TruncatedWaits++
		return nil, 0, outcomeNeedMore
	}

	second := len(taggedMarker) + taggedReserved + 2
	if !hasMarkerAt(d.buf, second) {
		d.resyncOneByte()
		return nil, 0, outcomeSkipped
	}

	tagOff := second + len(taggedMarker)
	var tag [8]byte
	copy(tag[:], d.buf[tagOff:tagOff+8])
	if tag != taggedCountTag {
		d.resyncOneByte()
		return nil, 0, outcomeSkipped
	}

	valuesOff := tagOff + 8
	samples := make([]model.Sample, 0, taggedCount)
	for pos := 0; pos < taggedCount; pos++ {
		idx, found := d.reg.IndexForPosition(pos)
		if !found {
			d.resyncOneByte()
			return nil, 0, outcomeSkipped
		}
		bits := binary.BigEndian.Uint64(d.buf[valuesOff+pos*8 : valuesOff+pos*8+8])
		v := math.Float64frombits(bits)
		samples = append(samples, model.NewSample(idx, v, now))
	}

	d.stats.TaggedFrames++
	return samples, taggedFrameLen, outcomeDecoded
}

func (d *Decoder) tryLengthPrefixedFrame(now time.Time) ([]model.Sample, int, decodeOutcome) {
	totalLen := binary.BigEndian.Uint32(d.buf[0:4])

	// total_length must itself be internally consistent with some
	// non-negative N; otherwise this cannot be a valid frame start.
	if int(totalLen) < lengthPrefixMinLen {
		d.resyncOneByte()
		return nil, 0, outcomeSkipped
	}
	if (int(totalLen)-lengthPrefixMinLen)%8 != 0 {
		d.resyncOneByte()
		return nil, 0, outcomeSkipped
	}

	frameLen := 4 + int(totalLen)
	if len(d.buf) < frameLen {
		d.stats.TruncatedWaits++
		d.pendingSize = frameLen
		return nil, 0, outcomeNeedMore
	}
	d.pendingSize = 0

	nOff := 4 + lengthPrefixHeaderLen
	n := binary.BigEndian.Uint32(d.buf[nOff : nOff+4])
	expected := lengthPrefixMinLen + 8*int(n)
	if int(totalLen) != expected {
		d.resyncOneByte()
		return nil, 0, outcomeSkipped
	}

	valuesOff := nOff + 4
	trailerOff := valuesOff + 8*int(n)
	trailer := binary.BigEndian.Uint32(d.buf[trailerOff : trailerOff+4])
	if trailer != totalLen {
		d.resyncOneByte()
		return nil, 0, outcomeSkipped
	}

	samples := make([]model.Sample, 0, n)
	for i := 0; i < int(n); i++ {
		bits := binary.BigEndian.Uint64(d.buf[valuesOff+i*8 : valuesOff+i*8+8])
		v := math.Float64frombits(bits)
		samples = append(samples, model.NewSample(i, v, now))
	}

	d.stats.LengthPrefixedFrames++
	return samples, frameLen, outcomeDecoded
}

// resyncOneByte advances the buffer by a single byte on integrity
// failure, per spec: no partial emissions, byte-at-a-time recovery.
func (d *Decoder) resyncOneByte() {
	d.pendingSize = 0
	if len(d.buf) == 0 {
		return
	}
	d.buf = d.buf[1:]
	d.stats.BytesSkipped++
}

// trimResyncBuffer bounds the retained buffer to twice the largest
// frame known so far (the fixed tagged-frame size, or a larger
// length-prefixed total currently awaited) so a pathological stream
// cannot grow it unboundedly while waiting for a frame that will never
// complete.
func (d *Decoder) trimResyncBuffer() {
	bound := d.maxFrame
	if d.pendingSize > bound {
		bound = d.pendingSize
	}
	limit := 2 * bound
	if len(d.buf) <= limit {
		return
	}
	excess := len(d.buf) - limit
	d.buf = d.buf[excess:]
	d.stats.BytesSkipped += int64(excess)
	d.pendingSize = 0
}
