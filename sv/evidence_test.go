package sv

import (
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSVTypeString(t *testing.T) {
	for _, typ := range []SVType{Deletion, Duplication, Inversion, Breakend, Insertion} {
		parsed, err := ParseSVType(typ.String())
		require.NoError(t, err)
		expect.EQ(t, parsed, typ)
	}
	expect.EQ(t, Breakend.String(), "BND")
	_, err := ParseSVType("CNV")
	expect.NotNil(t, err)
	assert.Panics(t, func() { _ = SVType(17).String() })
}

func TestConfidenceBounds(t *testing.T) {
	depths := []*float64{nil}
	for _, v := range []float64{0, 0.25, 0.5, 1, 1.5, 2, 10} {
		v := v
		depths = append(depths, &v)
	}
	for pe := 0; pe <= 30; pe++ {
		for sr := 0; sr <= 30; sr++ {
			for _, rd := range depths {
				c := calculateConfidence(pe, sr, rd)
				expect.GE(t, c, 0.0)
				expect.LE(t, c, 1.0)
			}
		}
	}
	half := 0.5
	assert.InDelta(t, 1.0, calculateConfidence(10, 5, &half), 1e-12)
	// No depth ratio: the depth weight is not redistributed.
	assert.InDelta(t, 0.7, calculateConfidence(10, 5, nil), 1e-12)
	assert.InDelta(t, 0.0, calculateConfidence(0, 0, nil), 1e-12)
	one := 1.0
	assert.InDelta(t, 0.15+0.16, calculateConfidence(5, 2, &one), 1e-12)

	c := Call{PairedEndSupport: 10, SplitReadSupport: 5}
	assert.InDelta(t, 0.7, c.Confidence(), 1e-12)
}

func TestCallValidate(t *testing.T) {
	mate := &Locus{"chr2", 100}
	tests := []struct {
		c  Call
		ok bool
	}{
		{Call{Type: Deletion, Start: 10, End: 20, SVLen: -10}, true},
		{Call{Type: Deletion, Start: 10, End: 20, SVLen: 10}, false},
		{Call{Type: Duplication, Start: 10, End: 20, SVLen: 10}, true},
		{Call{Type: Duplication, Start: 10, End: 20, SVLen: -10}, false},
		{Call{Type: Inversion, Start: 10, End: 20, SVLen: 0}, false},
		{Call{Type: Breakend, Start: 10, End: 10, Mate: mate}, true},
		{Call{Type: Breakend, Start: 10, End: 10}, false},
		{Call{Type: Breakend, Start: 10, End: 10, SVLen: 5, Mate: mate}, false},
		{Call{Type: Deletion, Start: 10, End: 20, SVLen: -10, CIPos: [2]int{1, 5}}, false},
		{Call{Type: Deletion, Start: 10, End: 20, SVLen: -10, CIEnd: [2]int{-5, -1}}, false},
		{Call{Type: Deletion, Start: 10, End: 20, SVLen: -10, CIPos: [2]int{-5, 5}, CIEnd: [2]int{0, 0}}, true},
		{Call{Type: Duplication, Start: 20, End: 10, SVLen: 10}, false},
	}
	for i, test := range tests {
		err := test.c.Validate()
		expect.EQ(t, err == nil, test.ok, "test %d: %v", i, err)
	}
}

func TestEvidenceMerge(t *testing.T) {
	a := &EvidenceCollection{
		Pairs:     []DiscordantPair{{ReadName: "p1"}, {ReadName: "p1"}},
		DepthBins: map[string][]int{"chr1": {1, 2, 3}},
		Stats:     WalkStats{Records: 10, DepthCounted: 6},
	}
	b := &EvidenceCollection{
		Pairs:     []DiscordantPair{{ReadName: "p2", Reason: InterChromosomal}},
		Splits:    []SplitRead{{ReadName: "s1"}},
		DepthBins: map[string][]int{"chr1": {1, 1, 1}, "chr2": {4}},
		Stats:     WalkStats{Records: 5, DepthCounted: 4, SplitReads: 1},
	}
	a.Merge(b)
	expect.EQ(t, a.NumPairs(), 2)
	expect.EQ(t, len(a.Pairs), 3)
	expect.EQ(t, len(a.Splits), 1)
	expect.EQ(t, a.DepthBins, map[string][]int{"chr1": {2, 3, 4}, "chr2": {4}})
	expect.EQ(t, a.Stats, WalkStats{Records: 15, DepthCounted: 10, SplitReads: 1})
	expect.EQ(t, a.PairsByReason(), map[DiscordantReason]int{InsertSizeOutlier: 2, InterChromosomal: 1})
}

func TestDepthSegment(t *testing.T) {
	s := DepthSegment{Start: 1000, End: 3000, Log2Ratio: 1}
	expect.EQ(t, s.Len(), 2000)
	expect.EQ(t, s.RelativeDepth(), 2.0)
}

func TestSubProgress(t *testing.T) {
	var got []float64
	p := func(f float64, msg string) error {
		got = append(got, f)
		return nil
	}
	sub := subProgress(p, 0.6, 0.75)
	for _, f := range []float64{0, 0.5, 0.2, 1, 2, -1} {
		require.NoError(t, sub(f, ""))
	}
	want := []float64{0.6, 0.675, 0.675, 0.75, 0.75, 0.75}
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12)
	}
	require.NoError(t, subProgress(nil, 0, 1)(0.5, ""))
}

func TestOptsValidate(t *testing.T) {
	opts := DefaultOpts()
	require.NoError(t, opts.Validate())
	for _, mutate := range []func(*Opts){
		func(o *Opts) { o.BinSize = 0 },
		func(o *Opts) { o.MaxClusterDistance = -1 },
		func(o *Opts) { o.MinDepthZScore = 0 },
		func(o *Opts) { o.InsertSizeZThreshold = 0 },
		func(o *Opts) { o.MinMapQ = 300 },
		func(o *Opts) { o.MinClipLength = -1 },
		func(o *Opts) { o.MinClipLength = MinSplitClipLength - 1 },
		func(o *Opts) { o.MinCnvSize = -1 },
		func(o *Opts) { o.MinTotalSupport = -1 },
		func(o *Opts) { o.ProgressInterval = 0 },
	} {
		o := DefaultOpts()
		mutate(&o)
		expect.NotNil(t, o.Validate())
	}
	opts.MinClipLength = MinSplitClipLength
	expect.NoError(t, opts.Validate())
	opts.MinClipLength = 25
	expect.NoError(t, opts.Validate())
}
