package sv

import (
	"fmt"
	"math"
)

// SVType is the class of a structural variant.
type SVType uint8

const (
	// Deletion removes reference sequence.
	Deletion SVType = iota
	// Duplication copies reference sequence in tandem.
	Duplication
	// Inversion reverses reference sequence in place.
	Inversion
	// Breakend joins two distant loci, usually on different contigs.
	Breakend
	// Insertion adds novel sequence. No evidence currently classifies as
	// Insertion; the type exists for VCF round trips.
	Insertion
)

var svTypeNames = [...]string{
	Deletion:    "DEL",
	Duplication: "DUP",
	Inversion:   "INV",
	Breakend:    "BND",
	Insertion:   "INS",
}

// String returns the VCF SVTYPE value, e.g. "DEL".
func (t SVType) String() string {
	if int(t) < len(svTypeNames) {
		return svTypeNames[t]
	}
	panic(fmt.Sprintf("sv: unknown SVType %d", t))
}

// ParseSVType is the inverse of SVType.String.
func ParseSVType(s string) (SVType, error) {
	for i, name := range svTypeNames {
		if name == s {
			return SVType(i), nil
		}
	}
	return 0, fmt.Errorf("sv.ParseSVType: unknown type %q", s)
}

// DiscordantReason tells why a read pair was flagged as discordant. Exactly
// one reason is assigned per pair.
type DiscordantReason uint8

const (
	// InsertSizeOutlier pairs have an insert size far from the library mean.
	InsertSizeOutlier DiscordantReason = iota
	// WrongOrientation pairs are not forward-reverse.
	WrongOrientation
	// InterChromosomal pairs have mates on different contigs.
	InterChromosomal
)

// String implements fmt.Stringer.
func (r DiscordantReason) String() string {
	switch r {
	case InsertSizeOutlier:
		return "InsertSizeOutlier"
	case WrongOrientation:
		return "WrongOrientation"
	case InterChromosomal:
		return "InterChromosomal"
	}
	panic(fmt.Sprintf("sv: unknown DiscordantReason %d", r))
}

// Strand is the alignment orientation of a read.
type Strand uint8

const (
	// Forward is the + strand.
	Forward Strand = iota
	// Reverse is the - strand.
	Reverse
)

// String returns "+" or "-".
func (s Strand) String() string {
	if s == Reverse {
		return "-"
	}
	return "+"
}

// Locus is a 0-based position on a contig.
type Locus struct {
	Chrom string
	Pos   int
}

// Contig is a reference sequence and its length.
type Contig struct {
	Name   string
	Length int
}

// DiscordantPair is one primary alignment whose pairing with its mate is
// abnormal. Both mates of a pair usually produce a DiscordantPair, with the
// roles of 1 and 2 swapped; support counts de-duplicate by ReadName.
type DiscordantPair struct {
	ReadName string
	// Chrom1, Pos1, Strand1 describe the read itself. Pos1 is the 0-based
	// alignment start.
	Chrom1  string
	Pos1    int
	Strand1 Strand
	// Chrom2, Pos2, Strand2 describe the mate.
	Chrom2  string
	Pos2    int
	Strand2 Strand
	// InsertSize is the SAM TLEN; 0 for InterChromosomal pairs.
	InsertSize int
	// MapQ is the lower of the read's and (when known) the mate's mapping
	// quality.
	MapQ   int
	Reason DiscordantReason
}

// SplitRead is a read whose primary alignment is clipped and whose clipped
// part aligns elsewhere (the first SA-tag entry).
type SplitRead struct {
	ReadName      string
	Primary       Locus
	PrimaryStrand Strand
	// Supplementary is the 0-based start of the SA alignment.
	Supplementary       Locus
	SupplementaryStrand Strand
	// ClipLength is the total soft+hard clipped length of the primary.
	ClipLength int
	// MapQ is the lower of the primary and supplementary mapping qualities.
	MapQ int
	// PrimaryBreak and SupplementaryBreak are the reference coordinates of
	// the junction on each piece: the alignment end for a piece clipped on
	// its right, the alignment start for a piece clipped on its left.
	PrimaryBreak       int
	SupplementaryBreak int
	// PrimaryClippedRight is true if the primary's larger clip is on its
	// right (reference-orientation) side. SupplementaryClippedRight likewise.
	PrimaryClippedRight       bool
	SupplementaryClippedRight bool
}

// DepthSegment is a run of bins whose read depth deviates from expectation in
// the same direction. [Start, End) is half-open, 0-based.
type DepthSegment struct {
	Chrom string
	Start int
	End   int
	// MeanDepth is the mean coverage over the segment, in x.
	MeanDepth float64
	// Log2Ratio is log2 of observed over expected bin counts.
	Log2Ratio float64
	ZScore    float64
	NumBins   int
	// Type is Deletion or Duplication.
	Type SVType
}

// Len returns the segment length in bases.
func (s DepthSegment) Len() int { return s.End - s.Start }

// RelativeDepth returns the observed/expected depth ratio.
func (s DepthSegment) RelativeDepth() float64 { return math.Exp2(s.Log2Ratio) }

// BreakpointCluster is a group of discordant pairs and split reads that
// support the same pair of breakpoints.
type BreakpointCluster struct {
	Type  SVType
	Chrom string
	// Pos is the estimated left breakpoint; CIPos brackets it as offsets
	// relative to Pos.
	Pos   int
	CIPos [2]int
	// End is the estimated right breakpoint on MateChrom.
	End   int
	CIEnd [2]int
	// MateChrom equals Chrom except for Breakend clusters.
	MateChrom string
	// Orientation is the majority orientation of the members at Pos and
	// End: Forward if the read sequence lies left of the breakpoint.
	Orientation [2]Strand

	Pairs  []*DiscordantPair
	Splits []*SplitRead

	peSupport, srSupport, totalSupport int
}

// PairedEndSupport returns the number of distinct read names among Pairs.
func (c *BreakpointCluster) PairedEndSupport() int { return c.peSupport }

// SplitReadSupport returns the number of distinct read names among Splits.
func (c *BreakpointCluster) SplitReadSupport() int { return c.srSupport }

// TotalSupport returns the number of distinct read names in the cluster. A
// read that is both discordant and split counts once.
func (c *BreakpointCluster) TotalSupport() int { return c.totalSupport }

// MeanMapQ returns the mean mapping quality of the members.
func (c *BreakpointCluster) MeanMapQ() float64 {
	n := len(c.Pairs) + len(c.Splits)
	if n == 0 {
		return 0
	}
	sum := 0
	for _, p := range c.Pairs {
		sum += p.MapQ
	}
	for _, s := range c.Splits {
		sum += s.MapQ
	}
	return float64(sum) / float64(n)
}

// Filter and genotype values.
const (
	FilterPass      = "PASS"
	FilterLowQual   = "LOW_QUAL"
	FilterLowDepthZ = "LOW_DEPTH_Z"
	GenotypeHet     = "0/1"
	GenotypeHaploid = "1"
)

// Confidence weights of the paired-end, split-read and depth components.
const (
	peWeight    = 0.3
	srWeight    = 0.4
	depthWeight = 0.3
)

// Call is an emitted structural variant.
type Call struct {
	ID    string
	Chrom string
	// Start and End are 0-based breakpoint coordinates. For Breakend calls
	// End == Start and the partner is in Mate.
	Start int
	End   int
	Type  SVType
	// SVLen is negative for deletions, zero for breakends and positive
	// otherwise.
	SVLen int
	CIPos [2]int
	CIEnd [2]int
	// Quality is Phred-scaled.
	Quality          float64
	PairedEndSupport int
	SplitReadSupport int
	// RelativeDepth is the observed/expected depth over the call, if a
	// depth segment supports it.
	RelativeDepth *float64
	// Mate is the partner breakend of a Breakend call. Orientation gives,
	// at Start and at Mate, Forward if the retained sequence lies left of
	// the breakpoint.
	Mate        *Locus
	Orientation [2]Strand
	Filter      string
	Genotype    string
	// DepthZScore is set for calls that came from a depth segment.
	DepthZScore *float64
}

// Confidence combines paired-end, split-read and depth evidence into a score
// in [0, 1]. Each component is capped at 1; a missing depth ratio
// contributes nothing, and the weights are not renormalized.
func (c *Call) Confidence() float64 {
	var rd *float64
	if c.RelativeDepth != nil {
		v := *c.RelativeDepth
		rd = &v
	}
	return calculateConfidence(c.PairedEndSupport, c.SplitReadSupport, rd)
}

func calculateConfidence(pe, sr int, relativeDepth *float64) float64 {
	capped := func(v float64) float64 {
		if v < 0 || math.IsNaN(v) {
			return 0
		}
		return math.Min(v, 1)
	}
	score := peWeight * capped(float64(pe)/10)
	score += srWeight * capped(float64(sr)/5)
	if relativeDepth != nil {
		score += depthWeight * capped(math.Abs(*relativeDepth-1)/0.5)
	}
	return score
}

// Validate checks the structural invariants of a call.
func (c *Call) Validate() error {
	switch c.Type {
	case Deletion:
		if c.SVLen >= 0 {
			return fmt.Errorf("sv: %s: deletion with non-negative SVLEN %d", c.ID, c.SVLen)
		}
	case Breakend:
		if c.Mate == nil {
			return fmt.Errorf("sv: %s: breakend without mate", c.ID)
		}
		if c.SVLen != 0 {
			return fmt.Errorf("sv: %s: breakend with SVLEN %d", c.ID, c.SVLen)
		}
	case Duplication, Inversion, Insertion:
		if c.SVLen <= 0 {
			return fmt.Errorf("sv: %s: %v with non-positive SVLEN %d", c.ID, c.Type, c.SVLen)
		}
	default:
		panic(c.Type)
	}
	if c.CIPos[0] > 0 || c.CIPos[1] < 0 || c.CIEnd[0] > 0 || c.CIEnd[1] < 0 {
		return fmt.Errorf("sv: %s: confidence intervals %v %v do not bracket zero", c.ID, c.CIPos, c.CIEnd)
	}
	if c.End < c.Start {
		return fmt.Errorf("sv: %s: end %d before start %d", c.ID, c.End, c.Start)
	}
	return nil
}

// EvidenceCollection is everything the Walker extracts from one alignment
// stream. It is owned by a single run.
type EvidenceCollection struct {
	SampleName string
	// Contigs is the reference order used for sorting and bin allocation.
	Contigs        []Contig
	InsertSizeMean float64
	InsertSizeSD   float64
	// ReadLength is the mean read length, used to place the junction-facing
	// end of a discordant read.
	ReadLength int
	BinSize    int

	Pairs  []DiscordantPair
	Splits []SplitRead
	// DepthBins maps contig name to per-bin read-start counts.
	DepthBins map[string][]int

	Stats WalkStats
}

// NumPairs returns the number of distinct discordant read names.
func (e *EvidenceCollection) NumPairs() int {
	names := make(map[string]struct{}, len(e.Pairs))
	for i := range e.Pairs {
		names[e.Pairs[i].ReadName] = struct{}{}
	}
	return len(names)
}

// PairsByReason counts discordant alignments per reason.
func (e *EvidenceCollection) PairsByReason() map[DiscordantReason]int {
	m := map[DiscordantReason]int{}
	for i := range e.Pairs {
		m[e.Pairs[i].Reason]++
	}
	return m
}

// contigIndex maps each contig name to its position in e.Contigs.
func (e *EvidenceCollection) contigIndex() map[string]int {
	m := make(map[string]int, len(e.Contigs))
	for i, c := range e.Contigs {
		m[c.Name] = i
	}
	return m
}

// Merge appends the evidence of o, which must come from a disjoint set of
// records of the same sample. Depth bins of contigs present in both are
// summed.
func (e *EvidenceCollection) Merge(o *EvidenceCollection) {
	e.Pairs = append(e.Pairs, o.Pairs...)
	e.Splits = append(e.Splits, o.Splits...)
	if e.DepthBins == nil {
		e.DepthBins = map[string][]int{}
	}
	for chrom, bins := range o.DepthBins {
		dst, ok := e.DepthBins[chrom]
		if !ok {
			e.DepthBins[chrom] = bins
			continue
		}
		for i, n := range bins {
			if i < len(dst) {
				dst[i] += n
			}
		}
	}
	e.Stats = e.Stats.Merge(o.Stats)
}
