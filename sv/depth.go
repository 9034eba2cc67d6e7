package sv

import (
	"math"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bio-sv/interval"
)

// depthPseudoCount keeps log2 ratios finite for empty bins.
const depthPseudoCount = 0.5

// Segmenter finds copy-number segments in per-bin read-start counts.
type Segmenter struct {
	opts *Opts
	// Exclude, if set, masks the bins it overlaps. Masked bins are left out
	// of the bin statistics and end a run.
	Exclude *interval.ExcludeSet
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(opts *Opts) *Segmenter {
	return &Segmenter{opts: opts}
}

// binStats describes the distribution of the non-empty, unmasked bins of a
// contig.
type binStats struct {
	mean, sd float64
	n        int
}

func computeBinStats(values []float64, masked []bool) binStats {
	var s binStats
	for i, v := range values {
		if v > 0 && !masked[i] {
			s.mean += v
			s.n++
		}
	}
	if s.n == 0 {
		return s
	}
	s.mean /= float64(s.n)
	var ss float64
	for i, v := range values {
		if v > 0 && !masked[i] {
			d := v - s.mean
			ss += d * d
		}
	}
	s.sd = math.Sqrt(ss / float64(s.n))
	return s
}

// Segment returns the raw, unmerged depth segments of every contig in
// contigs, in contig order. Contigs without bins are skipped. meanCoverage
// and readLength give the expected count per bin.
func (s *Segmenter) Segment(bins map[string][]int, contigs []Contig, meanCoverage, readLength float64, progress ProgressFunc) []DepthSegment {
	var segs []DepthSegment
	for i, c := range contigs {
		counts, ok := bins[c.Name]
		if !ok {
			continue
		}
		segs = append(segs, s.segmentContig(c, counts, meanCoverage, readLength)...)
		if progress != nil {
			progress(float64(i+1)/float64(len(contigs)), "segmented "+c.Name) // nolint: errcheck
		}
	}
	return segs
}

// segmentContig finds runs of bins whose z-score magnitude is at least
// MinDepthZScore with a consistent sign. Empty bins are left out of the
// mean and sd but are scored like any other bin, so a homozygous deletion
// forms a DEL run. The empty stretches before the first and after the last
// covered bin (telomeres, or the outside of a walked region) and excluded
// bins end runs.
func (s *Segmenter) segmentContig(c Contig, counts []int, meanCoverage, readLength float64) []DepthSegment {
	binSize := s.opts.BinSize
	if readLength <= 0 || len(counts) == 0 {
		return nil
	}
	expected := meanCoverage * float64(binSize) / readLength
	values := make([]float64, len(counts))
	masked := make([]bool, len(counts))
	first, last := -1, -1
	for i, n := range counts {
		width := binSize
		if rem := c.Length - i*binSize; rem < width {
			width = rem
		}
		if width <= 0 || s.Exclude.Overlaps(c.Name, i*binSize, i*binSize+width) {
			masked[i] = true
			continue
		}
		// Scale the partial last bin to a full-bin equivalent.
		values[i] = float64(n) * float64(binSize) / float64(width)
		if n > 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	st := computeBinStats(values, masked)
	if st.n < 2 || st.sd == 0 {
		return nil
	}

	var (
		segs      []DepthSegment
		runStart  = -1
		runSign   = 0
		runSum    float64
		runZSum   float64
		threshold = s.opts.MinDepthZScore
	)
	flush := func(limit int) {
		if runStart < 0 {
			return
		}
		n := limit - runStart
		end := limit * binSize
		if end > c.Length {
			end = c.Length
		}
		seg := DepthSegment{
			Chrom:     c.Name,
			Start:     runStart * binSize,
			End:       end,
			MeanDepth: runSum / float64(n) * readLength / float64(binSize),
			Log2Ratio: math.Log2((runSum/float64(n) + depthPseudoCount) / (expected + depthPseudoCount)),
			ZScore:    runZSum / float64(n),
			NumBins:   n,
			Type:      Duplication,
		}
		if runSign < 0 {
			seg.Type = Deletion
		}
		if seg.Len() >= s.opts.MinCnvSize {
			segs = append(segs, seg)
		}
		runStart, runSign, runSum, runZSum = -1, 0, 0, 0
	}
	for i, v := range values {
		if masked[i] || i < first || i > last {
			flush(i)
			continue
		}
		z := (v - st.mean) / st.sd
		sign := 0
		if z >= threshold {
			sign = 1
		} else if z <= -threshold {
			sign = -1
		}
		if sign == 0 || sign != runSign {
			flush(i)
		}
		if sign == 0 {
			continue
		}
		if runStart < 0 {
			runStart, runSign = i, sign
		}
		runSum += v
		runZSum += z
	}
	flush(len(values))
	if len(segs) > 0 {
		log.Debug.Printf("sv.Segment: %s: %d segments (bin mean %.1f sd %.1f, expected %.1f)",
			c.Name, len(segs), st.mean, st.sd, expected)
	}
	return segs
}

// mergeSegments combines two same-type segments on one contig, a.Start <=
// b.Start. Statistics are averaged weighted by bin count; bins shared by
// overlapping segments are counted once, so a segment merged with itself is
// unchanged.
func mergeSegments(a, b DepthSegment, binSize int) DepthSegment {
	if b.Start >= a.Start && b.End <= a.End {
		return a
	}
	if a.Start >= b.Start && a.End <= b.End {
		return b
	}
	wb := b.NumBins
	if overlap := a.End - b.Start; overlap > 0 {
		wb -= (overlap + binSize - 1) / binSize
		if wb < 0 {
			wb = 0
		}
	}
	n := a.NumBins + wb
	avg := func(x, y float64) float64 {
		return (x*float64(a.NumBins) + y*float64(wb)) / float64(n)
	}
	m := a
	m.End = b.End
	m.NumBins = n
	m.MeanDepth = avg(a.MeanDepth, b.MeanDepth)
	m.Log2Ratio = avg(a.Log2Ratio, b.Log2Ratio)
	m.ZScore = avg(a.ZScore, b.ZScore)
	return m
}

// MergeNearbySegments joins segments of the same contig and type that are
// separated by at most maxGap bases. The result is sorted by contig order
// (order[chrom]; unknown contigs last, by name) and start.
func MergeNearbySegments(segs []DepthSegment, maxGap, binSize int, order map[string]int) []DepthSegment {
	if len(segs) == 0 {
		return nil
	}
	sorted := append([]DepthSegment(nil), segs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Chrom != b.Chrom {
			return contigLess(a.Chrom, b.Chrom, order)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Start < b.Start
	})
	merged := []DepthSegment{sorted[0]}
	for _, seg := range sorted[1:] {
		last := &merged[len(merged)-1]
		if seg.Chrom == last.Chrom && seg.Type == last.Type && seg.Start-last.End <= maxGap {
			*last = mergeSegments(*last, seg, binSize)
			continue
		}
		merged = append(merged, seg)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Chrom != b.Chrom {
			return contigLess(a.Chrom, b.Chrom, order)
		}
		return a.Start < b.Start
	})
	return merged
}

// contigLess orders contig names by reference order, then by name for
// contigs absent from order.
func contigLess(a, b string, order map[string]int) bool {
	ia, oka := order[a]
	ib, okb := order[b]
	switch {
	case oka && okb:
		return ia < ib
	case oka != okb:
		return oka
	}
	return a < b
}
