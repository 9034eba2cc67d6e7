package sv

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// MinCallableCoverage is the mean coverage below which SV calling is refused.
const MinCallableCoverage = 10.0

// Opts holds all the thresholds used by a calling run. One Opts value is
// shared read-only by every phase of a run.
type Opts struct {
	// BinSize is the width of a read-depth bin, in bases.
	BinSize int
	// MinDepthZScore is the minimum |z-score| of a bin for it to join a
	// copy-number segment.
	MinDepthZScore float64
	// MinCnvSize is the minimum length of a depth segment, in bases.
	MinCnvSize int
	// InsertSizeZThreshold is the number of standard deviations from the mean
	// insert size beyond which a pair is an InsertSizeOutlier.
	InsertSizeZThreshold float64
	// MinMapQ is the minimum mapping quality for a read (and, for split
	// reads, its supplementary alignment) to contribute evidence.
	MinMapQ int
	// MaxClusterDistance is the maximum spread of breakpoint positions in one
	// cluster. It also bounds the gap between merged depth segments.
	MaxClusterDistance int
	// MinPairedEndSupport is the minimum number of distinct discordant pairs
	// for a cluster to become a call.
	MinPairedEndSupport int
	// MinSplitReadSupport and MinTotalSupport: a cluster also needs either
	// this many distinct split reads, or this many distinct supporting reads
	// overall.
	MinSplitReadSupport int
	MinTotalSupport     int
	// MinQuality is the minimum Phred quality for a PASS filter.
	MinQuality float64

	// MinClipLength is the minimum soft/hard-clipped length of a split read.
	// It must be at least MinSplitClipLength.
	MinClipLength int
	// DepthOnlyZMargin is added to MinDepthZScore when deciding whether a
	// depth-only call passes.
	DepthOnlyZMargin float64
	// FlagExclude lists SAM flags whose records are ignored entirely.
	FlagExclude sam.Flags
	// ProgressInterval is the number of records between progress reports and
	// cancellation checks.
	ProgressInterval int
	// Parallelism is the number of contigs walked concurrently. Values <= 1
	// walk the file sequentially.
	Parallelism int
	// ExcludeBEDPath, if nonempty, names a BED file of regions whose evidence
	// is dropped.
	ExcludeBEDPath string
	// Region, if nonempty, restricts the walk to "chr[:start-end]".
	Region string
	// EvidencePath, if nonempty, is where the collected evidence is dumped
	// as a recordio file.
	EvidencePath string
}

// MinSplitClipLength is the shortest clip that can make a split read.
const MinSplitClipLength = 10

// DefaultOpts returns the default thresholds. Each call returns a fresh
// value.
func DefaultOpts() Opts {
	return Opts{
		BinSize:              1000,
		MinDepthZScore:       3.0,
		MinCnvSize:           1000,
		InsertSizeZThreshold: 4.0,
		MinMapQ:              20,
		MaxClusterDistance:   500,
		MinPairedEndSupport:  2,
		MinSplitReadSupport:  1,
		MinTotalSupport:      4,
		MinQuality:           20,
		MinClipLength:        MinSplitClipLength,
		DepthOnlyZMargin:     2.0,
		FlagExclude:          sam.Duplicate | sam.QCFail,
		ProgressInterval:     1 << 20,
		Parallelism:          1,
	}
}

// Validate checks that the thresholds are usable.
func (o *Opts) Validate() error {
	switch {
	case o.BinSize <= 0:
		return fmt.Errorf("sv.Opts: BinSize must be positive, got %d", o.BinSize)
	case o.MaxClusterDistance <= 0:
		return fmt.Errorf("sv.Opts: MaxClusterDistance must be positive, got %d", o.MaxClusterDistance)
	case o.MinDepthZScore <= 0:
		return fmt.Errorf("sv.Opts: MinDepthZScore must be positive, got %v", o.MinDepthZScore)
	case o.InsertSizeZThreshold <= 0:
		return fmt.Errorf("sv.Opts: InsertSizeZThreshold must be positive, got %v", o.InsertSizeZThreshold)
	case o.MinMapQ < 0 || o.MinMapQ > 255:
		return fmt.Errorf("sv.Opts: MinMapQ out of range: %d", o.MinMapQ)
	case o.MinCnvSize < 0:
		return fmt.Errorf("sv.Opts: negative MinCnvSize %d", o.MinCnvSize)
	case o.MinClipLength < MinSplitClipLength:
		return fmt.Errorf("sv.Opts: MinClipLength must be at least %d, got %d", MinSplitClipLength, o.MinClipLength)
	case o.MinPairedEndSupport < 0 || o.MinSplitReadSupport < 0 || o.MinTotalSupport < 0:
		return fmt.Errorf("sv.Opts: negative support threshold")
	case o.ProgressInterval <= 0:
		return fmt.Errorf("sv.Opts: ProgressInterval must be positive, got %d", o.ProgressInterval)
	}
	return nil
}

// Library describes the sample and sequencing library being analyzed.
type Library struct {
	SampleName     string
	ReferenceBuild string
	// Contigs lists the reference sequences to analyze, in reference order.
	// If empty, Caller derives it from its Reference.
	Contigs []Contig
	// MeanCoverage is the genome-wide mean depth, e.g. 30 for a 30x genome.
	MeanCoverage float64
	// MeanInsertSize and InsertSizeSD describe the fragment length
	// distribution of proper pairs.
	MeanInsertSize float64
	InsertSizeSD   float64
	// MeanReadLength is the mean aligned read length.
	MeanReadLength float64
}
