package sv

import (
	"os"
	"sort"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/bio-sv/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}

const testReadLen = 150

// testGenome holds a header and its references by name.
type testGenome struct {
	header  *sam.Header
	refs    map[string]*sam.Reference
	contigs []Contig
}

func newTestGenome(t *testing.T, contigs ...Contig) *testGenome {
	g := &testGenome{refs: map[string]*sam.Reference{}, contigs: contigs}
	var refs []*sam.Reference
	for _, c := range contigs {
		ref, err := sam.NewReference(c.Name, "", "", c.Length, nil, nil)
		require.NoError(t, err)
		refs = append(refs, ref)
		g.refs[c.Name] = ref
	}
	var err error
	g.header, err = sam.NewHeader(nil, refs)
	require.NoError(t, err)
	return g
}

// read describes a test alignment. Zero values give an unpaired, forward,
// 150M read with MAPQ 60.
type read struct {
	name    string
	chrom   string
	pos     int
	flags   sam.Flags
	cigar   string
	mapQ    byte
	mate    string
	matePos int
	tlen    int
	sa      string
	mq      int // mate MAPQ tag; 0 means absent
}

func (g *testGenome) record(t *testing.T, r read) *sam.Record {
	cigarStr := r.cigar
	if cigarStr == "" {
		cigarStr = "150M"
	}
	cigar, err := sam.ParseCigar([]byte(cigarStr))
	require.NoError(t, err)
	mapQ := r.mapQ
	if mapQ == 0 {
		mapQ = 60
	}
	rec := &sam.Record{
		Name:    r.name,
		Ref:     g.refs[r.chrom],
		Pos:     r.pos,
		MapQ:    mapQ,
		Cigar:   cigar,
		Flags:   r.flags,
		MatePos: -1,
		TempLen: r.tlen,
	}
	if r.chrom == "" {
		rec.Ref = nil
		rec.Pos = -1
		rec.Flags |= sam.Unmapped
	}
	if r.mate != "" {
		rec.MateRef = g.refs[r.mate]
		rec.MatePos = r.matePos
	}
	if r.sa != "" {
		aux, err := sam.NewAux(saTag, r.sa)
		require.NoError(t, err)
		rec.AuxFields = append(rec.AuxFields, aux)
	}
	if r.mq > 0 {
		aux, err := sam.NewAux(mqTag, uint8(r.mq))
		require.NoError(t, err)
		rec.AuxFields = append(rec.AuxFields, aux)
	}
	return rec
}

// pair returns both alignments of a read pair. The first read is forward
// at pos1 and the mate reverse at pos2, unless the strands say otherwise.
func (g *testGenome) pair(t *testing.T, name, chrom1 string, pos1 int, rev1 bool, chrom2 string, pos2 int, rev2 bool) []*sam.Record {
	tlen := 0
	if chrom1 == chrom2 {
		if pos1 <= pos2 {
			tlen = pos2 + testReadLen - pos1
		} else {
			tlen = -(pos1 + testReadLen - pos2)
		}
	}
	f1 := sam.Paired | sam.Read1
	f2 := sam.Paired | sam.Read2
	if rev1 {
		f1 |= sam.Reverse
		f2 |= sam.MateReverse
	}
	if rev2 {
		f2 |= sam.Reverse
		f1 |= sam.MateReverse
	}
	return []*sam.Record{
		g.record(t, read{name: name, chrom: chrom1, pos: pos1, flags: f1, mate: chrom2, matePos: pos2, tlen: tlen}),
		g.record(t, read{name: name, chrom: chrom2, pos: pos2, flags: f2, mate: chrom1, matePos: pos1, tlen: -tlen}),
	}
}

// depthReads places unpaired reads over [start, end) of chrom so that bin b
// gets perBin(b) read starts.
func (g *testGenome) depthReads(t *testing.T, chrom string, start, end, binSize int, perBin func(bin int) int) []*sam.Record {
	var recs []*sam.Record
	for b := start / binSize; b*binSize < end; b++ {
		n := perBin(b)
		for j := 0; j < n; j++ {
			pos := b*binSize + j*binSize/n
			if pos < start || pos >= end {
				continue
			}
			recs = append(recs, g.record(t, read{name: "depth", chrom: chrom, pos: pos}))
		}
	}
	return recs
}

func sortRecords(recs []*sam.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Ref.ID() != b.Ref.ID() {
			return a.Ref.ID() < b.Ref.ID()
		}
		return a.Pos < b.Pos
	})
}

// noise is a deterministic +-amplitude wobble of bin counts.
func noise(bin, amplitude int) int {
	return (bin%3 - 1) * amplitude
}

// simulatedDeletion builds a 30x, 500kb chr1 with a heterozygous deletion
// of [delStart, delEnd), supported by 10 discordant pairs and 10 split reads
// (5 anchored on each side).
const (
	simContigLen = 500000
	delStart     = 200000
	delEnd       = 250000
)

func simulatedDeletion(t *testing.T) (*testGenome, []*sam.Record) {
	g := newTestGenome(t, Contig{"chr1", simContigLen})
	recs := g.depthReads(t, "chr1", 0, simContigLen, 1000, func(b int) int {
		if b*1000 >= delStart && b*1000 < delEnd {
			return 100 + noise(b, 5)
		}
		return 200 + noise(b, 10)
	})
	for i := 0; i < 10; i++ {
		name := "del_pe_" + string(rune('a'+i))
		recs = append(recs, g.pair(t, name, "chr1", delStart-300+15*i, false, "chr1", delEnd+15*i, true)...)
	}
	for i := 0; i < 5; i++ {
		recs = append(recs,
			g.record(t, read{name: "del_sr_left_" + string(rune('a'+i)), chrom: "chr1", pos: delStart - 100,
				cigar: "100M50S", sa: "chr1,250001,+,100S50M,60,0;"}),
			g.record(t, read{name: "del_sr_right_" + string(rune('a'+i)), chrom: "chr1", pos: delEnd,
				cigar: "50S100M", sa: "chr1,199951,+,50M100S,60,0;"}))
	}
	sortRecords(recs)
	return g, recs
}

func testLibrary(g *testGenome, coverage float64) Library {
	return Library{
		SampleName:     "NA12878",
		ReferenceBuild: "GRCh38",
		Contigs:        g.contigs,
		MeanCoverage:   coverage,
		MeanInsertSize: 400,
		InsertSizeSD:   50,
		MeanReadLength: testReadLen,
	}
}

func newTestWalker(g *testGenome, opts *Opts) *Walker {
	return NewWalker(opts, testLibrary(g, 30), g.contigs, nil)
}

func fakeProvider(g *testGenome, recs []*sam.Record) bamprovider.Provider {
	return bamprovider.NewFakeProvider(g.header, recs)
}
