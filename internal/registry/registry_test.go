package registry

import "testing"

func TestLoadEmbedded(t *testing.T) {
	r, err := Parse(channelsYAML)
	if err != nil {
		t.Fatalf("parse embedded channels.yaml: %v", err)
	}
	if r.Len() != 134 {
		t.Fatalf("got %d channels, want 134", r.Len())
	}
}

func TestLookupKnownIndices(t *testing.T) {
	r, err := Parse(channelsYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cases := []struct {
		index int
		name  string
	}{
		{0, "PostA_Pressure_1"},
		{130, "System_AmbientTemperature"},
		{133, "System_SupplyVoltage"},
	}
	for _, c := range cases {
		def, ok := r.Lookup(c.index)
		if !ok {
			t.Fatalf("index %d: not found", c.index)
		}
		if def.Name != c.name {
			t.Fatalf("index %d: got name %q, want %q", c.index, def.Name, c.name)
		}
	}
	if _, ok := r.Lookup(134); ok {
		t.Fatalf("index 134 should not exist")
	}
	if _, ok := r.Lookup(-1); ok {
		t.Fatalf("index -1 should not exist")
	}
}

func TestPositionPermutationIsBijection(t *testing.T) {
	r, err := Parse(channelsYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	seen := make(map[int]bool, r.Len())
	for pos := 0; pos < r.Len(); pos++ {
		idx, ok := r.IndexForPosition(pos)
		if !ok {
			t.Fatalf("position %d: no mapping", pos)
		}
		if seen[idx] {
			t.Fatalf("index %d produced by more than one position", idx)
		}
		seen[idx] = true
	}
	if len(seen) != r.Len() {
		t.Fatalf("permutation covers %d indices, want %d", len(seen), r.Len())
	}
}

func TestPositionsBelowElectricalBlockAreIdentity(t *testing.T) {
	r, err := Parse(channelsYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for pos := 0; pos < 112; pos++ {
		idx, ok := r.IndexForPosition(pos)
		if !ok || idx != pos {
			t.Fatalf("position %d: got index %d, want identity %d", pos, idx, pos)
		}
	}
	for pos := 130; pos < 134; pos++ {
		idx, ok := r.IndexForPosition(pos)
		if !ok || idx != pos {
			t.Fatalf("position %d: got index %d, want identity %d", pos, idx, pos)
		}
	}
}

func TestElectricalBlockIsReversedPostOrder(t *testing.T) {
	r, err := Parse(channelsYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Wire position 112 is the first electrical reading, grouped by
	// quantity then post order C,B,A (spec §4.1); registry index 112
	// is the first electrical channel in forward post order A,B,C. The
	// two must disagree for at least one position in this range, or
	// the "inverse order" permutation would be a no-op identity.
	allIdentity := true
	for pos := 112; pos < 130; pos++ {
		idx, ok := r.IndexForPosition(pos)
		if !ok {
			t.Fatalf("position %d: no mapping", pos)
		}
		if idx != pos {
			allIdentity = false
		}
	}
	if allIdentity {
		t.Fatalf("electrical block permutation must not be the identity")
	}
}

func TestDuplicateIndexRejected(t *testing.T) {
	bad := []byte(`
channels:
  - index: 0
    name: A
    unit: bar
    group: PostA
  - index: 0
    name: B
    unit: bar
    group: PostA
positionToIndex: [0, 1]
`)
	if _, err := Parse(bad); err == nil {
		t.Fatalf("expected error for duplicate index")
	}
}

func TestNonBijectivePermutationRejected(t *testing.T) {
	bad := []byte(`
channels:
  - index: 0
    name: A
    unit: bar
    group: PostA
  - index: 1
    name: B
    unit: bar
    group: PostA
positionToIndex: [0, 0]
`)
	if _, err := Parse(bad); err == nil {
		t.Fatalf("expected error for non-bijective permutation")
	}
}
