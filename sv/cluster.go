package sv

import (
	"fmt"
	"math"
	"sort"

	"blainsmith.com/go/seahash"
	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/intervalmap"
	"github.com/grailbio/base/log"
)

// Ploidy reports the number of copies of a contig in the sample, e.g. 1 for
// chrY. Implementations must be safe for concurrent use.
type Ploidy interface {
	Ploidy(chrom string) int
}

// PloidyMap is a Ploidy backed by a map. Contigs not in the map are diploid.
type PloidyMap map[string]int

// Ploidy implements Ploidy.
func (m PloidyMap) Ploidy(chrom string) int {
	if n, ok := m[chrom]; ok {
		return n
	}
	return 2
}

// Clusterer turns evidence and depth segments into calls.
type Clusterer struct {
	opts *Opts
	// Classifier assigns SV types to evidence; DefaultClassifier if nil.
	Classifier Classifier
	// Ploidy, if set, turns genotypes on haploid contigs into "1".
	Ploidy Ploidy
}

// NewClusterer creates a Clusterer with the default classifier.
func NewClusterer(opts *Opts) *Clusterer {
	return &Clusterer{opts: opts, Classifier: DefaultClassifier{}}
}

// point is one piece of evidence with its breakpoints in canonical order:
// (chrom, left) precedes (mateChrom, right) in reference order.
// leftOrient and rightOrient are Forward if the read's sequence lies to the
// left of that breakpoint.
type point struct {
	typ                     SVType
	chrom, mate             int
	left, right             int
	leftOrient, rightOrient Strand
	pair                    *DiscordantPair
	split                   *SplitRead
}

// bucket holds the points of one (type, contig pair, left/maxDist) cell.
type bucket struct {
	typ         SVType
	chrom, mate int
	idx         int
	points      []*point
}

// Compare implements llrb.Comparable.
func (b *bucket) Compare(c llrb.Comparable) int {
	b2 := c.(*bucket)
	if diff := int(b.typ) - int(b2.typ); diff != 0 {
		return diff
	}
	if diff := b.chrom - b2.chrom; diff != 0 {
		return diff
	}
	if diff := b.mate - b2.mate; diff != 0 {
		return diff
	}
	return b.idx - b2.idx
}

func (b *bucket) sameGroup(o *bucket) bool {
	return b.typ == o.typ && b.chrom == o.chrom && b.mate == o.mate
}

// contigOrder assigns reference-order indexes to contig names; names not in
// the reference are appended in first-seen order.
type contigOrder struct {
	index map[string]int
	names []string
}

func newContigOrder(contigs []Contig) *contigOrder {
	o := &contigOrder{index: make(map[string]int, len(contigs))}
	for _, c := range contigs {
		o.id(c.Name)
	}
	return o
}

func (o *contigOrder) id(name string) int {
	if i, ok := o.index[name]; ok {
		return i
	}
	o.index[name] = len(o.names)
	o.names = append(o.names, name)
	return len(o.names) - 1
}

// facing returns the end of a read that points toward the junction: the
// alignment end of a forward read, the start of a reverse one.
func facing(pos int, strand Strand, readLen int) int {
	if strand == Forward {
		return pos + readLen
	}
	return pos
}

func canonical(p *point, chrom1, pos1 int, o1 Strand, chrom2, pos2 int, o2 Strand) {
	if chrom2 < chrom1 || (chrom2 == chrom1 && pos2 < pos1) {
		chrom1, pos1, o1, chrom2, pos2, o2 = chrom2, pos2, o2, chrom1, pos1, o1
	}
	p.chrom, p.left, p.leftOrient = chrom1, pos1, o1
	p.mate, p.right, p.rightOrient = chrom2, pos2, o2
}

// clipOrient is the orientation of a split alignment: Forward if it is
// clipped on the right, so its aligned bases precede the junction.
func clipOrient(clippedRight bool) Strand {
	if clippedRight {
		return Forward
	}
	return Reverse
}

func (c *Clusterer) classifier() Classifier {
	if c.Classifier == nil {
		return DefaultClassifier{}
	}
	return c.Classifier
}

// points converts the evidence of ev into canonical points.
func (c *Clusterer) points(ev *EvidenceCollection, order *contigOrder) []*point {
	cl := c.classifier()
	pts := make([]*point, 0, len(ev.Pairs)+len(ev.Splits))
	for i := range ev.Pairs {
		pr := &ev.Pairs[i]
		p := &point{typ: cl.ClassifyPair(pr, ev.InsertSizeMean), pair: pr}
		canonical(p,
			order.id(pr.Chrom1), facing(pr.Pos1, pr.Strand1, ev.ReadLength), pr.Strand1,
			order.id(pr.Chrom2), facing(pr.Pos2, pr.Strand2, ev.ReadLength), pr.Strand2)
		pts = append(pts, p)
	}
	for i := range ev.Splits {
		sr := &ev.Splits[i]
		p := &point{typ: cl.ClassifySplit(sr), split: sr}
		canonical(p,
			order.id(sr.Primary.Chrom), sr.PrimaryBreak, clipOrient(sr.PrimaryClippedRight),
			order.id(sr.Supplementary.Chrom), sr.SupplementaryBreak, clipOrient(sr.SupplementaryClippedRight))
		pts = append(pts, p)
	}
	return pts
}

// splitByDistance partitions pts, sorted by key, into maximal runs whose key
// spread is at most maxDist.
func splitByDistance(pts []*point, maxDist int, key func(*point) int) [][]*point {
	sort.SliceStable(pts, func(i, j int) bool { return key(pts[i]) < key(pts[j]) })
	var groups [][]*point
	start := 0
	for i := 1; i <= len(pts); i++ {
		if i == len(pts) || key(pts[i])-key(pts[start]) > maxDist {
			groups = append(groups, pts[start:i])
			start = i
		}
	}
	return groups
}

// BuildClusters groups the evidence of ev into breakpoint clusters. Points
// are bucketed by (type, contigs, left/MaxClusterDistance); runs of adjacent
// buckets are then split so that both the left and the right breakpoints of
// every cluster lie within MaxClusterDistance of each other. Clusters are
// returned in bucket order.
func (c *Clusterer) BuildClusters(ev *EvidenceCollection) []*BreakpointCluster {
	maxDist := c.opts.MaxClusterDistance
	order := newContigOrder(ev.Contigs)
	tree := llrb.Tree{}
	for _, p := range c.points(ev, order) {
		idx := p.left / maxDist
		q := &bucket{typ: p.typ, chrom: p.chrom, mate: p.mate, idx: idx}
		if got := tree.Get(q); got != nil {
			b := got.(*bucket)
			b.points = append(b.points, p)
			continue
		}
		q.points = []*point{p}
		tree.Insert(q)
	}

	var (
		clusters []*BreakpointCluster
		run      []*point
		prev     *bucket
	)
	flush := func() {
		for _, byLeft := range splitByDistance(run, maxDist, func(p *point) int { return p.left }) {
			for _, group := range splitByDistance(byLeft, maxDist, func(p *point) int { return p.right }) {
				clusters = append(clusters, newCluster(group, order))
			}
		}
		run = nil
	}
	tree.Do(func(item llrb.Comparable) bool {
		b := item.(*bucket)
		if prev != nil && !(prev.sameGroup(b) && b.idx == prev.idx+1) {
			flush()
		}
		run = append(run, b.points...)
		prev = b
		return false
	})
	flush()
	return clusters
}

// distinct counts distinct read names by their seahash.
type distinct map[uint64]struct{}

func (d distinct) add(name string) { d[seahash.Sum64([]byte(name))] = struct{}{} }

// newCluster summarizes a group of points of one type and contig pair.
func newCluster(group []*point, order *contigOrder) *BreakpointCluster {
	c := &BreakpointCluster{
		Type:      group[0].typ,
		Chrom:     order.names[group[0].chrom],
		MateChrom: order.names[group[0].mate],
	}
	pe, sr, all := distinct{}, distinct{}, distinct{}
	var (
		peLeft, peRight, srLeft, srRight []int
		orients                          [4]int
	)
	minLeft, maxLeft := math.MaxInt32, math.MinInt32
	minRight, maxRight := math.MaxInt32, math.MinInt32
	for _, p := range group {
		if p.pair != nil {
			c.Pairs = append(c.Pairs, p.pair)
			pe.add(p.pair.ReadName)
			all.add(p.pair.ReadName)
			peLeft, peRight = append(peLeft, p.left), append(peRight, p.right)
		} else {
			c.Splits = append(c.Splits, p.split)
			sr.add(p.split.ReadName)
			all.add(p.split.ReadName)
			srLeft, srRight = append(srLeft, p.left), append(srRight, p.right)
		}
		orients[2*int(p.leftOrient)+int(p.rightOrient)]++
		minLeft, maxLeft = imin(minLeft, p.left), imax(maxLeft, p.left)
		minRight, maxRight = imin(minRight, p.right), imax(maxRight, p.right)
	}
	c.peSupport, c.srSupport, c.totalSupport = len(pe), len(sr), len(all)
	best := 0
	for i, n := range orients {
		if n > orients[best] {
			best = i
		}
	}
	c.Orientation = [2]Strand{Strand(best / 2), Strand(best % 2)}
	// Split reads pin the junction; pairs only bound it.
	if len(srLeft) > 0 {
		c.Pos, c.End = roundMean(srLeft), roundMean(srRight)
	} else {
		c.Pos, c.End = roundMean(peLeft), roundMean(peRight)
	}
	c.CIPos = [2]int{minLeft - c.Pos, maxLeft - c.Pos}
	c.CIEnd = [2]int{minRight - c.End, maxRight - c.End}
	return c
}

func roundMean(v []int) int {
	sum := 0
	for _, x := range v {
		sum += x
	}
	return int(math.Round(float64(sum) / float64(len(v))))
}

func imin(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func imax(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// phred converts an error probability to a capped Phred score.
func phred(p float64) float64 {
	if p <= 0 {
		return maxQuality
	}
	return math.Min(maxQuality, -10*math.Log10(p))
}

const maxQuality = 999

// clusterQuality is the Phred-scaled probability that every supporting read
// is an artifact, each independently with probability 1/2, discounted by
// mean mapping quality.
func clusterQuality(c *BreakpointCluster) float64 {
	q := phred(math.Pow(0.5, float64(c.TotalSupport())))
	return math.Min(maxQuality, q*math.Min(1, c.MeanMapQ()/60))
}

// qualifies tells whether a cluster has enough support to become a call.
func (c *Clusterer) qualifies(cl *BreakpointCluster) bool {
	o := c.opts
	if cl.PairedEndSupport() < o.MinPairedEndSupport {
		return false
	}
	return cl.SplitReadSupport() >= o.MinSplitReadSupport || cl.TotalSupport() >= o.MinTotalSupport
}

func (c *Clusterer) genotype(chrom string) string {
	if c.Ploidy != nil && c.Ploidy.Ploidy(chrom) == 1 {
		return GenotypeHaploid
	}
	return GenotypeHet
}

func svLen(t SVType, start, end int) int {
	switch t {
	case Deletion:
		return -(end - start)
	case Breakend:
		return 0
	case Duplication, Inversion, Insertion:
		return end - start
	}
	panic(t)
}

// callFromCluster builds the call for a qualifying cluster.
func (c *Clusterer) callFromCluster(cl *BreakpointCluster) Call {
	call := Call{
		Chrom:            cl.Chrom,
		Type:             cl.Type,
		Start:            cl.Pos,
		CIPos:            cl.CIPos,
		CIEnd:            cl.CIEnd,
		Quality:          clusterQuality(cl),
		PairedEndSupport: cl.PairedEndSupport(),
		SplitReadSupport: cl.SplitReadSupport(),
		Genotype:         c.genotype(cl.Chrom),
	}
	if cl.Type == Breakend {
		call.End = cl.Pos
		call.Mate = &Locus{Chrom: cl.MateChrom, Pos: cl.End}
		call.Orientation = cl.Orientation
	} else {
		call.End = imax(cl.End, cl.Pos+1)
	}
	call.SVLen = svLen(call.Type, call.Start, call.End)
	call.Filter = FilterPass
	if call.Quality < c.opts.MinQuality {
		call.Filter = FilterLowQual
	}
	return call
}

// depthIndex answers overlap queries against depth segments.
type depthIndex struct {
	segs     []DepthSegment
	byChrom  map[string]*intervalmap.T
	consumed []bool
}

func newDepthIndex(segs []DepthSegment) *depthIndex {
	entries := map[string][]intervalmap.Entry{}
	for i, s := range segs {
		entries[s.Chrom] = append(entries[s.Chrom], intervalmap.Entry{
			Interval: intervalmap.Interval{Start: int64(s.Start), Limit: int64(s.End)},
			Data:     i,
		})
	}
	d := &depthIndex{segs: segs, byChrom: map[string]*intervalmap.T{}, consumed: make([]bool, len(segs))}
	for chrom, ents := range entries {
		d.byChrom[chrom] = intervalmap.New(ents)
	}
	return d
}

// annotate finds the same-type segment with the largest overlap with
// [start, end) on chrom and marks every overlapping same-type segment as
// explained. It returns nil if there is none.
func (d *depthIndex) annotate(chrom string, start, end int, typ SVType) *DepthSegment {
	t, ok := d.byChrom[chrom]
	if !ok || end <= start {
		return nil
	}
	var ents []*intervalmap.Entry
	t.Get(intervalmap.Interval{Start: int64(start), Limit: int64(end)}, &ents)
	var (
		best        *DepthSegment
		bestOverlap int
	)
	for _, e := range ents {
		i := e.Data.(int)
		s := &d.segs[i]
		if s.Type != typ {
			continue
		}
		d.consumed[i] = true
		if ov := imin(end, s.End) - imax(start, s.Start); ov > bestOverlap {
			best, bestOverlap = s, ov
		}
	}
	return best
}

// depthOnlyCall promotes an unexplained depth segment to a call.
func (c *Clusterer) depthOnlyCall(s DepthSegment) Call {
	half := c.opts.BinSize / 2
	rd := s.RelativeDepth()
	z := s.ZScore
	absZ := math.Abs(z)
	call := Call{
		Chrom:         s.Chrom,
		Start:         s.Start,
		End:           s.End,
		Type:          s.Type,
		SVLen:         svLen(s.Type, s.Start, s.End),
		CIPos:         [2]int{-half, half},
		CIEnd:         [2]int{-half, half},
		Quality:       phred(math.Erfc(absZ / math.Sqrt2)),
		RelativeDepth: &rd,
		DepthZScore:   &z,
		Genotype:      c.genotype(s.Chrom),
	}
	switch {
	case absZ < c.opts.MinDepthZScore+c.opts.DepthOnlyZMargin:
		call.Filter = FilterLowDepthZ
	case call.Quality < c.opts.MinQuality:
		call.Filter = FilterLowQual
	default:
		call.Filter = FilterPass
	}
	return call
}

// Call clusters the evidence, cross-checks it against the merged depth
// segments, and returns every call (PASS or filtered) sorted by contig order
// and start position.
func (c *Clusterer) Call(ev *EvidenceCollection, segs []DepthSegment, progress ProgressFunc) []Call {
	clusters := c.BuildClusters(ev)
	if progress != nil {
		progress(0.5, fmt.Sprintf("built %d breakpoint clusters", len(clusters))) // nolint: errcheck
	}
	depth := newDepthIndex(segs)
	var calls []Call
	for _, cl := range clusters {
		if !c.qualifies(cl) {
			continue
		}
		call := c.callFromCluster(cl)
		if call.Type == Deletion || call.Type == Duplication {
			if s := depth.annotate(call.Chrom, call.Start, call.End, call.Type); s != nil {
				rd := s.RelativeDepth()
				call.RelativeDepth = &rd
			}
		}
		calls = append(calls, call)
	}
	nDepthOnly := 0
	for i, s := range segs {
		if depth.consumed[i] || s.Len() < c.opts.MinCnvSize {
			continue
		}
		calls = append(calls, c.depthOnlyCall(s))
		nDepthOnly++
	}

	order := ev.contigIndex()
	sort.SliceStable(calls, func(i, j int) bool {
		a, b := calls[i], calls[j]
		if a.Chrom != b.Chrom {
			return contigLess(a.Chrom, b.Chrom, order)
		}
		return a.Start < b.Start
	})
	counters := map[SVType]int{}
	for i := range calls {
		counters[calls[i].Type]++
		calls[i].ID = fmt.Sprintf("%v_%d", calls[i].Type, counters[calls[i].Type])
	}
	log.Printf("sv.Cluster: %d clusters, %d calls (%d depth-only)", len(clusters), len(calls), nDepthOnly)
	if progress != nil {
		progress(1, fmt.Sprintf("emitted %d calls", len(calls))) // nolint: errcheck
	}
	return calls
}
