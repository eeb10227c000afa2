package decoder

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Load()
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	return r
}

func buildLengthPrefixed(values []float64) []byte {
	n := len(values)
	total := lengthPrefixMinLen + 8*n
	buf := make([]byte, 0, 4+total)

	b4 := make([]byte, 4)
	binary.BigEndian.PutUint32(b4, uint32(total))
	buf = append(buf, b4...)
	buf = append(buf, make([]byte, lengthPrefixHeaderLen)...)

	binary.BigEndian.PutUint32(b4, uint32(n))
	buf = append(buf, b4...)

	for _, v := range values {
		b8 := make([]byte, 8)
		binary.BigEndian.PutUint64(b8, math.Float64bits(v))
		buf = append(buf, b8...)
	}

	binary.BigEndian.PutUint32(b4, uint32(total))
	buf = append(buf, b4...)
	return buf
}

func buildTaggedFrame(values [134]float64) []byte {
	buf := make([]byte, 0, taggedFrameLen)
	buf = append(buf, []byte(taggedMarker)...)
	buf = append(buf, make([]byte, taggedReserved)...)
	buf = append(buf, 0x00, 0x0D)
	buf = append(buf, []byte(taggedMarker)...)
	buf = append(buf, taggedCountTag[:]...)
	for _, v := range values {
		b8 := make([]byte, 8)
		binary.BigEndian.PutUint64(b8, math.Float64bits(v))
		buf = append(buf, b8...)
	}
	if len(buf) != taggedFrameLen {
		panic("test helper built wrong-sized tagged frame")
	}
	return buf
}

func TestLengthPrefixedEmptyFrame(t *testing.T) {
	d := New(testRegistry(t))
	frame := buildLengthPrefixed(nil)
	samples := d.Feed(frame, time.Now())
	if len(samples) != 0 {
		t.Fatalf("N=0 frame must consume without emitting, got %d samples", len(samples))
	}
	if d.Stats().LengthPrefixedFrames != 1 {
		t.Fatalf("expected one accepted frame, got %+v", d.Stats())
	}
}

func TestLengthPrefixedBasic(t *testing.T) {
	d := New(testRegistry(t))
	frame := buildLengthPrefixed([]float64{1.5, -2.25, 3})
	samples := d.Feed(frame, time.Now())
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
	for i, want := range []float64{1.5, -2.25, 3} {
		if samples[i].ChannelIndex != i {
			t.Fatalf("sample %d: channel index %d, want %d (unpermuted)", i, samples[i].ChannelIndex, i)
		}
		if samples[i].Value != want {
			t.Fatalf("sample %d: value %v, want %v", i, samples[i].Value, want)
		}
	}
}

func TestLengthPrefixedTrailerMismatchResyncs(t *testing.T) {
	d := New(testRegistry(t))
	frame := buildLengthPrefixed([]float64{1, 2})
	// Corrupt the trailer.
	frame[len(frame)-1] ^= 0xFF

	good := buildLengthPrefixed([]float64{9})
	stream := append(frame, good...)

	samples := d.Feed(stream, time.Now())
	if len(samples) != 1 || samples[0].Value != 9 {
		t.Fatalf("expected recovery to the following good frame, got %+v", samples)
	}
	if d.Stats().BytesSkipped == 0 {
		t.Fatalf("expected resync to have skipped bytes")
	}
}

func TestTaggedFrameBasic(t *testing.T) {
	d := New(testRegistry(t))
	var values [134]float64
	for i := range values {
		values[i] = float64(i) * 0.1
	}
	frame := buildTaggedFrame(values)
	samples := d.Feed(frame, time.Now())
	if len(samples) != 134 {
		t.Fatalf("got %d samples, want 134", len(samples))
	}
	// Position 0 maps to registry index 0 (identity below the
	// electrical block).
	if samples[0].ChannelIndex != 0 {
		t.Fatalf("position 0 should resolve to index 0, got %d", samples[0].ChannelIndex)
	}
	if d.Stats().TaggedFrames != 1 {
		t.Fatalf("expected one tagged frame accepted, got %+v", d.Stats())
	}
}

func TestSentinelBecomesInvalid(t *testing.T) {
	d := New(testRegistry(t))
	frame := buildLengthPrefixed([]float64{-99, 5, -90.0001})
	samples := d.Feed(frame, time.Now())
	if samples[0].Valid {
		t.Fatalf("-99 must be flagged invalid")
	}
	if !samples[1].Valid {
		t.Fatalf("5 must be flagged valid")
	}
	if samples[2].Valid {
		t.Fatalf("-90.0001 (<= -90 sentinel threshold) must be flagged invalid")
	}
}

func TestSplitAcrossFeedCallsIsDeterministic(t *testing.T) {
	frame := buildLengthPrefixed([]float64{1, 2, 3, 4})

	d1 := New(testRegistry(t))
	whole := d1.Feed(frame, time.Now())

	d2 := New(testRegistry(t))
	var split []byte
	_ = split
	var out2 []byte
	_ = out2

	mid := len(frame) / 2
	first := d2.Feed(frame[:mid], time.Now())
	second := d2.Feed(frame[mid:], time.Now())
	chunked := append(first, second...)

	if len(whole) != len(chunked) {
		t.Fatalf("chunked decode produced %d samples, want %d", len(chunked), len(whole))
	}
	for i := range whole {
		if whole[i].Value != chunked[i].Value || whole[i].ChannelIndex != chunked[i].ChannelIndex {
			t.Fatalf("sample %d differs between whole and chunked feed: %+v vs %+v", i, whole[i], chunked[i])
		}
	}
}

func TestIncompleteFrameWaitsForMoreBytes(t *testing.T) {
	d := New(testRegistry(t))
	frame := buildLengthPrefixed([]float64{1, 2})
	samples := d.Feed(frame[:len(frame)-3], time.Now())
	if len(samples) != 0 {
		t.Fatalf("truncated frame must not emit, got %d samples", len(samples))
	}
	if d.Stats().TruncatedWaits == 0 {
		t.Fatalf("expected a truncated-wait to be recorded")
	}
	rest := samples
	_ = rest
	more := d.Feed(frame[len(frame)-3:], time.Now())
	if len(more) != 2 {
		t.Fatalf("completing the frame on the next Feed should emit 2 samples, got %d", len(more))
	}
}

func TestResetClearsBuffer(t *testing.T) {
	d := New(testRegistry(t))
	frame := buildLengthPrefixed([]float64{1, 2})
	d.Feed(frame[:len(frame)-1], time.Now())
	d.Reset()
	// After Reset the stale partial frame bytes must not leak into
	// the next connection's stream.
	good := buildLengthPrefixed([]float64{7})
	samples := d.Feed(good, time.Now())
	if len(samples) != 1 || samples[0].Value != 7 {
		t.Fatalf("post-reset feed got %+v, want single sample 7", samples)
	}
}

func TestUnrecognizedBytesResyncByteAtATime(t *testing.T) {
	d := New(testRegistry(t))
	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00}
	good := buildLengthPrefixed([]float64{42})
	stream := append(append([]byte{}, garbage...), good...)

	samples := d.Feed(stream, time.Now())
	if len(samples) != 1 || samples[0].Value != 42 {
		t.Fatalf("expected recovery past leading garbage, got %+v", samples)
	}
	if d.Stats().BytesSkipped < int64(len(garbage)) {
		t.Fatalf("expected at least %d bytes skipped, got %d", len(garbage), d.Stats().BytesSkipped)
	}
}
