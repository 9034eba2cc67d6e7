package sv

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bio-sv/interval"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func walkRecords(t *testing.T, g *testGenome, opts Opts, recs []*sam.Record) *EvidenceCollection {
	ev, err := newTestWalker(g, &opts).Walk(context.Background(), fakeProvider(g, recs), nil)
	require.NoError(t, err)
	return ev
}

func TestDiscordantReason(t *testing.T) {
	const mean, sd, z = 400.0, 50.0, 4.0
	tests := []struct {
		sameRef            bool
		tlen, pos, matePos int
		strand, mateStrand Strand
		reason             DiscordantReason
		discordant         bool
	}{
		{true, 400, 1000, 1250, Forward, Reverse, 0, false},
		{true, -400, 1250, 1000, Reverse, Forward, 0, false},
		{true, 600, 1000, 1450, Forward, Reverse, 0, false},
		{true, 601, 1000, 1451, Forward, Reverse, InsertSizeOutlier, true},
		{true, -5000, 6000, 1000, Reverse, Forward, InsertSizeOutlier, true},
		{true, 150, 1000, 1000, Forward, Reverse, InsertSizeOutlier, true},
		// Negative tlen only tests the upper bound.
		{true, -150, 1000, 1000, Reverse, Forward, 0, false},
		{true, 400, 1000, 1250, Forward, Forward, WrongOrientation, true},
		{true, 400, 1000, 1250, Reverse, Reverse, WrongOrientation, true},
		// Reverse-forward (outward facing) pair.
		{true, 400, 1000, 1250, Reverse, Forward, WrongOrientation, true},
		{true, -400, 1250, 1000, Forward, Reverse, WrongOrientation, true},
		// Insert outliers win over orientation.
		{true, 10000, 1000, 10850, Forward, Forward, InsertSizeOutlier, true},
	}
	for i, test := range tests {
		reason, ok := discordantReason(test.sameRef, test.tlen, test.pos, test.matePos,
			test.strand, test.mateStrand, mean, sd, z)
		expect.EQ(t, ok, test.discordant, "test %d", i)
		if ok {
			expect.EQ(t, reason, test.reason, "test %d", i)
		}
	}
}

func TestDiscordantReasonSamePosition(t *testing.T) {
	// Opposite-strand mates that start at one position are concordant from
	// either side.
	for _, tlen := range []int{300, -300} {
		_, ok := discordantReason(true, tlen, 1000, 1000, Forward, Reverse, 400, 50, 4)
		expect.False(t, ok, "tlen %d", tlen)
		_, ok = discordantReason(true, tlen, 1000, 1000, Reverse, Forward, 400, 50, 4)
		expect.False(t, ok, "tlen %d", tlen)
	}
	g := newTestGenome(t, Contig{"chr1", 100000})
	recs := []*sam.Record{
		g.record(t, read{name: "same", chrom: "chr1", pos: 5000, flags: sam.Paired | sam.Read1 | sam.MateReverse,
			mate: "chr1", matePos: 5000, tlen: 300}),
		g.record(t, read{name: "same", chrom: "chr1", pos: 5000, flags: sam.Paired | sam.Read2 | sam.Reverse,
			mate: "chr1", matePos: 5000, tlen: -300}),
	}
	ev := walkRecords(t, g, DefaultOpts(), recs)
	expect.EQ(t, len(ev.Pairs), 0)
}

func TestDiscordantReasonInterChromosomal(t *testing.T) {
	// Mates on different contigs are inter-chromosomal whatever else holds.
	for _, tlen := range []int{-100000, -400, 0, 400, 100000} {
		for _, s1 := range []Strand{Forward, Reverse} {
			for _, s2 := range []Strand{Forward, Reverse} {
				reason, ok := discordantReason(false, tlen, 1000, 500, s1, s2, 400, 50, 4)
				expect.True(t, ok)
				expect.EQ(t, reason, InterChromosomal)
			}
		}
	}
}

func TestWalkDiscordantPairs(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 100000}, Contig{"chr2", 100000})
	var recs []*sam.Record
	recs = append(recs, g.pair(t, "proper", "chr1", 1000, false, "chr1", 1250, true)...)
	recs = append(recs, g.pair(t, "far", "chr1", 2000, false, "chr1", 9000, true)...)
	recs = append(recs, g.pair(t, "inv", "chr1", 3000, false, "chr1", 3200, false)...)
	recs = append(recs, g.pair(t, "trans", "chr1", 4000, false, "chr2", 5000, true)...)
	sortRecords(recs)

	ev := walkRecords(t, g, DefaultOpts(), recs)
	expect.EQ(t, ev.NumPairs(), 3)
	expect.EQ(t, len(ev.Pairs), 6)
	expect.EQ(t, ev.Stats.DiscordantPairs, int64(6))
	expect.EQ(t, ev.PairsByReason(), map[DiscordantReason]int{
		InsertSizeOutlier: 2,
		WrongOrientation:  2,
		InterChromosomal:  2,
	})
	for _, p := range ev.Pairs {
		assert.NotEqual(t, "proper", p.ReadName)
		if p.Reason == InterChromosomal {
			expect.EQ(t, p.InsertSize, 0)
			assert.NotEqual(t, p.Chrom1, p.Chrom2)
		}
		if p.ReadName == "far" && p.Chrom1 == "chr1" && p.Pos1 == 2000 {
			expect.EQ(t, p.Chrom2, "chr1")
			expect.EQ(t, p.Pos2, 9000)
			expect.EQ(t, p.Strand1, Forward)
			expect.EQ(t, p.Strand2, Reverse)
			expect.EQ(t, p.InsertSize, 7150)
			expect.EQ(t, p.MapQ, 60)
		}
	}
	expect.EQ(t, ev.Stats.Records, int64(8))
	expect.EQ(t, ev.Stats.DepthCounted, int64(8))
	expect.EQ(t, ev.DepthBins["chr1"][1], 2)
	expect.EQ(t, ev.DepthBins["chr2"][5], 1)
	expect.EQ(t, len(ev.DepthBins["chr1"]), 100)
}

func TestWalkMateMapQ(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 100000})
	recs := []*sam.Record{
		g.record(t, read{name: "a", chrom: "chr1", pos: 100, flags: sam.Paired | sam.Read1 | sam.MateReverse,
			mate: "chr1", matePos: 20000, tlen: 20050, mq: 25}),
		g.record(t, read{name: "b", chrom: "chr1", pos: 200, flags: sam.Paired | sam.Read1 | sam.MateReverse,
			mate: "chr1", matePos: 20000, tlen: 19950, mq: 200}),
	}
	ev := walkRecords(t, g, DefaultOpts(), recs)
	require.Len(t, ev.Pairs, 2)
	expect.EQ(t, ev.Pairs[0].MapQ, 25)
	expect.EQ(t, ev.Pairs[1].MapQ, 60)
}

func TestWalkSkips(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 100000}, Contig{"chrUn", 5000})
	recs := []*sam.Record{
		g.record(t, read{name: "unmapped"}),
		g.record(t, read{name: "dup", chrom: "chr1", pos: 10, flags: sam.Duplicate}),
		g.record(t, read{name: "qcfail", chrom: "chr1", pos: 10, flags: sam.QCFail}),
		g.record(t, read{name: "secondary", chrom: "chr1", pos: 10, flags: sam.Secondary}),
		g.record(t, read{name: "supp", chrom: "chr1", pos: 10, flags: sam.Supplementary,
			cigar: "100S50M", sa: "chr1,5001,+,100M50S,60,0;"}),
		g.record(t, read{name: "lowmapq", chrom: "chr1", pos: 10, mapQ: 5,
			cigar: "100M50S", sa: "chr1,5001,+,100S50M,60,0;"}),
		g.record(t, read{name: "ok", chrom: "chr1", pos: 20}),
		g.record(t, read{name: "other", chrom: "chrUn", pos: 20}),
	}
	// Analyze chr1 only.
	opts := DefaultOpts()
	w := NewWalker(&opts, testLibrary(g, 30), g.contigs[:1], nil)
	ev, err := w.Walk(context.Background(), fakeProvider(g, recs), nil)
	require.NoError(t, err)
	expect.EQ(t, ev.Stats.Records, int64(8))
	expect.EQ(t, ev.Stats.Unmapped, int64(1))
	expect.EQ(t, ev.Stats.FlagExcluded, int64(2))
	expect.EQ(t, ev.Stats.UnknownContig, int64(1))
	expect.EQ(t, ev.Stats.LowMapQ, int64(1))
	// lowmapq and ok count toward depth; secondary and supplementary do not.
	expect.EQ(t, ev.Stats.DepthCounted, int64(2))
	expect.EQ(t, ev.DepthBins["chr1"][0], 2)
	expect.EQ(t, len(ev.Splits), 0)
	expect.EQ(t, len(ev.Pairs), 0)
	_, ok := ev.DepthBins["chrUn"]
	expect.False(t, ok)
}

func TestWalkFlagExclude(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 100000})
	recs := []*sam.Record{
		g.record(t, read{name: "dup", chrom: "chr1", pos: 10, flags: sam.Duplicate}),
	}
	opts := DefaultOpts()
	opts.FlagExclude = 0
	ev := walkRecords(t, g, opts, recs)
	expect.EQ(t, ev.Stats.FlagExcluded, int64(0))
	expect.EQ(t, ev.DepthBins["chr1"][0], 1)
}

func TestWalkSplitReads(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 500000}, Contig{"chr2", 100000})
	recs := []*sam.Record{
		g.record(t, read{name: "del", chrom: "chr1", pos: 199900, cigar: "100M50S",
			sa: "chr1,250001,+,100S50M,60,0;"}),
		g.record(t, read{name: "rev", chrom: "chr1", pos: 250000, cigar: "50S100M", flags: sam.Reverse,
			sa: "chr2,1001,-,50M100S,30,2;chr1,3,+,150M,60,0;"}),
	}
	ev := walkRecords(t, g, DefaultOpts(), recs)
	require.Len(t, ev.Splits, 2)
	s := ev.Splits[0]
	expect.EQ(t, s, SplitRead{
		ReadName:                  "del",
		Primary:                   Locus{"chr1", 199900},
		PrimaryStrand:             Forward,
		Supplementary:             Locus{"chr1", 250000},
		SupplementaryStrand:       Forward,
		ClipLength:                50,
		MapQ:                      60,
		PrimaryBreak:              200000,
		SupplementaryBreak:        250000,
		PrimaryClippedRight:       true,
		SupplementaryClippedRight: false,
	})
	s = ev.Splits[1]
	expect.EQ(t, s.Supplementary, Locus{"chr2", 1000})
	expect.EQ(t, s.SupplementaryStrand, Reverse)
	expect.EQ(t, s.PrimaryStrand, Reverse)
	expect.EQ(t, s.MapQ, 30)
	expect.EQ(t, s.PrimaryBreak, 250000)
	expect.EQ(t, s.SupplementaryBreak, 1050)
	expect.True(t, s.SupplementaryClippedRight)
	expect.EQ(t, ev.Stats.SplitReads, int64(2))
}

func TestWalkShortClipNeverEmitted(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 100000})
	opts := DefaultOpts()
	var recs []*sam.Record
	for clip := 0; clip <= 20; clip++ {
		cigar := fmt.Sprintf("%dM", 150-clip)
		if clip > 0 {
			cigar += fmt.Sprintf("%dS", clip)
		}
		recs = append(recs, g.record(t, read{name: fmt.Sprintf("clip%d", clip), chrom: "chr1", pos: 1000,
			cigar: cigar, sa: "chr1,50001,+,100S50M,60,0;"}))
	}
	ev := walkRecords(t, g, opts, recs)
	expect.EQ(t, len(ev.Splits), 21-opts.MinClipLength)
	expect.EQ(t, ev.Stats.ShortClip, int64(opts.MinClipLength))
	for _, s := range ev.Splits {
		expect.GE(t, s.ClipLength, opts.MinClipLength)
	}

	// A walker built around unvalidated options still drops clips shorter
	// than MinSplitClipLength.
	opts.MinClipLength = 5
	ev = walkRecords(t, g, opts, recs)
	expect.EQ(t, len(ev.Splits), 21-MinSplitClipLength)
	for _, s := range ev.Splits {
		expect.GE(t, s.ClipLength, MinSplitClipLength)
	}
}

func TestWalkBadSA(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 100000})
	recs := []*sam.Record{
		g.record(t, read{name: "malformed", chrom: "chr1", pos: 1000, cigar: "100M50S", sa: "chr1,abc,+"}),
		g.record(t, read{name: "unknown", chrom: "chr1", pos: 1000, cigar: "100M50S", sa: "chrZ,5001,+,100S50M,60,0;"}),
		g.record(t, read{name: "lowmapq", chrom: "chr1", pos: 1000, cigar: "100M50S", sa: "chr1,5001,+,100S50M,3,0;"}),
	}
	ev := walkRecords(t, g, DefaultOpts(), recs)
	expect.EQ(t, len(ev.Splits), 0)
	expect.EQ(t, ev.Stats.MalformedSA, int64(1))
	expect.EQ(t, ev.Stats.UnknownContig, int64(1))
	expect.EQ(t, ev.Stats.LowMapQSA, int64(1))
	// Still counted toward depth.
	expect.EQ(t, ev.DepthBins["chr1"][1], 3)
}

func TestWalkExclude(t *testing.T) {
	g, recs := simulatedDeletion(t)
	exclude := interval.NewExcludeSet([]interval.Region{{ChrName: "chr1", Start0: 249000, End: 252000}})
	opts := DefaultOpts()
	w := NewWalker(&opts, testLibrary(g, 30), g.contigs, exclude)
	ev, err := w.Walk(context.Background(), fakeProvider(g, recs), nil)
	require.NoError(t, err)
	expect.EQ(t, len(ev.Pairs), 0)
	expect.EQ(t, len(ev.Splits), 0)
	expect.EQ(t, ev.Stats.Excluded, int64(30))
}

func TestWalkRegion(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 100000}, Contig{"chr2", 100000})
	var recs []*sam.Record
	recs = append(recs, g.depthReads(t, "chr1", 0, 100000, 1000, func(int) int { return 10 })...)
	recs = append(recs, g.depthReads(t, "chr2", 0, 100000, 1000, func(int) int { return 10 })...)
	opts := DefaultOpts()
	opts.Region = "chr2:10,001-20,000"
	ev := walkRecords(t, g, opts, recs)
	expect.EQ(t, ev.Stats.Records, int64(100))
	expect.EQ(t, ev.DepthBins["chr2"][10], 10)
	expect.EQ(t, ev.DepthBins["chr2"][20], 0)
	expect.EQ(t, ev.DepthBins["chr1"][10], 0)

	opts.Region = "chrZ:1-100"
	_, err := newTestWalker(g, &opts).Walk(context.Background(), fakeProvider(g, recs), nil)
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestWalkParallelMatchesSequential(t *testing.T) {
	g := newTestGenome(t, Contig{"chr1", 100000}, Contig{"chr2", 80000}, Contig{"chr3", 50000})
	var recs []*sam.Record
	for _, c := range g.contigs {
		recs = append(recs, g.depthReads(t, c.Name, 0, c.Length, 1000, func(b int) int { return 20 + b%7 })...)
	}
	recs = append(recs, g.pair(t, "far", "chr1", 2000, false, "chr1", 9000, true)...)
	recs = append(recs, g.pair(t, "trans", "chr1", 4000, false, "chr3", 5000, true)...)
	recs = append(recs, g.record(t, read{name: "split", chrom: "chr2", pos: 1000, cigar: "100M50S",
		sa: "chr3,5001,+,100S50M,60,0;"}))
	recs = append(recs, g.record(t, read{name: "unmapped"}))
	sortRecords(recs)

	seq := walkRecords(t, g, DefaultOpts(), recs)

	opts := DefaultOpts()
	opts.Parallelism = 3
	opts.ProgressInterval = 100
	var fractions []float64
	ev, err := newTestWalker(g, &opts).Walk(context.Background(), fakeProvider(g, recs),
		func(f float64, msg string) error {
			fractions = append(fractions, f)
			return nil
		})
	require.NoError(t, err)

	expect.EQ(t, ev.DepthBins, seq.DepthBins)
	expect.EQ(t, ev.NumPairs(), seq.NumPairs())
	expect.EQ(t, len(ev.Pairs), len(seq.Pairs))
	expect.EQ(t, ev.Splits, seq.Splits)
	expect.EQ(t, ev.Stats.DepthCounted, seq.Stats.DepthCounted)
	// The sharded walk never reads unmapped records.
	expect.EQ(t, ev.Stats.Records, seq.Stats.Records-1)
	require.NotEmpty(t, fractions)
	expect.EQ(t, fractions[len(fractions)-1], 1.0)
	for _, f := range fractions {
		expect.GE(t, f, 0.0)
		expect.LE(t, f, 1.0)
	}
}

func TestWalkCancel(t *testing.T) {
	g, recs := simulatedDeletion(t)
	opts := DefaultOpts()
	opts.ProgressInterval = 1000
	calls := 0
	_, err := newTestWalker(g, &opts).Walk(context.Background(), fakeProvider(g, recs),
		func(float64, string) error {
			calls++
			if calls == 3 {
				return fmt.Errorf("stop")
			}
			return nil
		})
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Canceled, err))
	expect.EQ(t, calls, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newTestWalker(g, &opts).Walk(ctx, fakeProvider(g, recs), nil)
	expect.True(t, errors.Is(errors.Canceled, err))
}

func TestWalkProgress(t *testing.T) {
	g, recs := simulatedDeletion(t)
	opts := DefaultOpts()
	opts.ProgressInterval = 10000
	var fractions []float64
	_, err := newTestWalker(g, &opts).Walk(context.Background(), fakeProvider(g, recs),
		func(f float64, msg string) error {
			fractions = append(fractions, f)
			return nil
		})
	require.NoError(t, err)
	require.True(t, len(fractions) > 2)
	for i := 1; i < len(fractions); i++ {
		expect.GE(t, fractions[i], fractions[i-1])
	}
	expect.EQ(t, fractions[len(fractions)-1], 1.0)
}
