package sv

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bio-sv/encoding/bamprovider"
	"github.com/grailbio/bio-sv/interval"
	"github.com/grailbio/hts/sam"
)

var (
	saTag = sam.NewTag("SA")
	mqTag = sam.NewTag("MQ")
)

// Walker extracts SV evidence from an alignment stream in one pass.
type Walker struct {
	opts       *Opts
	lib        Library
	contigs    []Contig
	exclude    *interval.ExcludeSet
	index      map[string]int
	offsets    []int64 // cumulative contig start, for progress
	totalBases int64
}

// NewWalker creates a Walker for the given contigs. exclude may be nil.
func NewWalker(opts *Opts, lib Library, contigs []Contig, exclude *interval.ExcludeSet) *Walker {
	w := &Walker{
		opts:    opts,
		lib:     lib,
		contigs: contigs,
		exclude: exclude,
		index:   make(map[string]int, len(contigs)),
		offsets: make([]int64, len(contigs)),
	}
	for i, c := range contigs {
		w.index[c.Name] = i
		w.offsets[i] = w.totalBases
		w.totalBases += int64(c.Length)
	}
	return w
}

func (w *Walker) newCollection() *EvidenceCollection {
	readLen := int(math.Round(w.lib.MeanReadLength))
	return &EvidenceCollection{
		SampleName:     w.lib.SampleName,
		Contigs:        w.contigs,
		InsertSizeMean: w.lib.MeanInsertSize,
		InsertSizeSD:   w.lib.InsertSizeSD,
		ReadLength:     readLen,
		BinSize:        w.opts.BinSize,
		DepthBins:      make(map[string][]int, len(w.contigs)),
	}
}

// allocBins creates the zeroed depth-bin array of contig i.
func (w *Walker) allocBins(ev *EvidenceCollection, i int) []int {
	c := w.contigs[i]
	bins := make([]int, (c.Length+w.opts.BinSize-1)/w.opts.BinSize)
	ev.DepthBins[c.Name] = bins
	return bins
}

// Walk reads the alignments served by provider and returns the collected
// evidence. Depending on Opts, it walks the whole file sequentially, a single
// region, or each contig in parallel. On error no evidence is returned.
func (w *Walker) Walk(ctx context.Context, provider bamprovider.Provider, progress ProgressFunc) (*EvidenceCollection, error) {
	start := time.Now()
	var (
		ev  *EvidenceCollection
		err error
	)
	switch {
	case w.opts.Region != "":
		ev, err = w.walkRegion(ctx, provider, progress)
	case w.opts.Parallelism > 1:
		ev, err = w.walkShards(ctx, provider, progress)
	default:
		iter := provider.NewIterator(bamprovider.UniversalShard())
		ev, err = w.WalkIterator(ctx, iter, progress)
		if cerr := iter.Close(); cerr != nil && err == nil {
			err = errors.E(cerr, "sv.Walk: close")
		}
	}
	if err != nil {
		return nil, err
	}
	log.Printf("sv.Walk: %d discordant, %d split in %v; %v",
		len(ev.Pairs), len(ev.Splits), time.Since(start), ev.Stats)
	return ev, nil
}

func (w *Walker) walkRegion(ctx context.Context, provider bamprovider.Provider, progress ProgressFunc) (*EvidenceCollection, error) {
	r, err := interval.ParseRegionString(w.opts.Region)
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	i, ok := w.index[r.ChrName]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sv.Walk: region contig %s is not analyzed", r.ChrName))
	}
	end := r.End
	if end > w.contigs[i].Length {
		end = w.contigs[i].Length
	}
	iter := bamprovider.NewRefIterator(provider, r.ChrName, r.Start0, end)
	ev, err := w.WalkIterator(ctx, iter, progress)
	if cerr := iter.Close(); cerr != nil && err == nil {
		err = errors.E(cerr, "sv.Walk: close")
	}
	return ev, err
}

// WalkIterator collects evidence from every record of iter. It does not close
// iter.
func (w *Walker) WalkIterator(ctx context.Context, iter bamprovider.Iterator, progress ProgressFunc) (*EvidenceCollection, error) {
	ev := w.newCollection()
	st := &walkState{w: w, ev: ev, bins: make([][]int, len(w.contigs))}
	for i := range w.contigs {
		st.bins[i] = w.allocBins(ev, i)
	}
	st.report = func(basesDone, records int64) error {
		if progress == nil {
			return nil
		}
		frac := 0.0
		if w.totalBases > 0 {
			frac = float64(basesDone) / float64(w.totalBases)
		}
		return progress(frac, fmt.Sprintf("scanned %d alignment records", records))
	}
	if err := st.run(ctx, iter); err != nil {
		return nil, err
	}
	if progress != nil {
		if err := progress(1, fmt.Sprintf("scanned %d alignment records", ev.Stats.Records)); err != nil {
			return nil, errors.E(errors.Canceled, err)
		}
	}
	return ev, nil
}

// walkShards walks each contig independently with Opts.Parallelism workers
// and merges the results in contig order. Unmapped records are not read.
func (w *Walker) walkShards(ctx context.Context, provider bamprovider.Provider, progress ProgressFunc) (*EvidenceCollection, error) {
	names := make([]string, len(w.contigs))
	for i, c := range w.contigs {
		names[i] = c.Name
	}
	shards, err := provider.GenerateShards(bamprovider.GenerateShardsOpts{Refs: names})
	if err != nil {
		return nil, errors.E(err, "sv.Walk: generate shards")
	}
	var (
		results = make([]*EvidenceCollection, len(shards))
		done    = make([]int64, len(shards))
		records int64
		mu      sync.Mutex
		next    int64 = -1
	)
	report := func(shardIdx int, bases, nrec int64) error {
		mu.Lock()
		defer mu.Unlock()
		records += nrec
		done[shardIdx] = bases
		if progress == nil || w.totalBases == 0 {
			return nil
		}
		var sum int64
		for _, d := range done {
			sum += d
		}
		return progress(float64(sum)/float64(w.totalBases),
			fmt.Sprintf("scanned %d alignment records in %d contigs", records, len(shards)))
	}
	parallelism := w.opts.Parallelism
	if parallelism > len(shards) {
		parallelism = len(shards)
	}
	err = traverse.Each(parallelism, func(int) error {
		for {
			idx := int(atomic.AddInt64(&next, 1))
			if idx >= len(shards) {
				return nil
			}
			shard := shards[idx]
			ci := w.index[shard.Ref.Name()]
			ev := w.newCollection()
			st := &walkState{w: w, ev: ev, bins: make([][]int, len(w.contigs))}
			st.bins[ci] = w.allocBins(ev, ci)
			var lastRecords int64
			st.report = func(basesDone, nrec int64) error {
				err := report(idx, basesDone-w.offsets[ci], nrec-lastRecords)
				lastRecords = nrec
				return err
			}
			iter := provider.NewIterator(shard)
			err := st.run(ctx, iter)
			if cerr := iter.Close(); cerr != nil && err == nil {
				err = errors.E(cerr, "sv.Walk: shard", shard.String())
			}
			if err != nil {
				return err
			}
			if err := st.report(w.offsets[ci]+int64(w.contigs[ci].Length), ev.Stats.Records); err != nil {
				return errors.E(errors.Canceled, err)
			}
			log.Debug.Printf("sv.Walk: shard %v: %v", shard, ev.Stats)
			results[idx] = ev
		}
	})
	if err != nil {
		return nil, err
	}
	ev := w.newCollection()
	for _, r := range results {
		ev.Merge(r)
	}
	for i, c := range w.contigs {
		if _, ok := ev.DepthBins[c.Name]; !ok {
			w.allocBins(ev, i)
		}
	}
	return ev, nil
}

// walkState accumulates evidence for one iterator.
type walkState struct {
	w    *Walker
	ev   *EvidenceCollection
	bins [][]int // indexed like w.contigs; nil for contigs not read
	// refCache maps sam reference IDs to contig indexes (+1; 0 means not
	// yet resolved, -1 means not analyzed).
	refCache  []int
	lastBases int64
	report    func(basesDone, records int64) error
}

func (st *walkState) run(ctx context.Context, iter bamprovider.Iterator) error {
	every := int64(st.w.opts.ProgressInterval)
	for iter.Scan() {
		st.add(iter.Record())
		if st.ev.Stats.Records%every != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.E(errors.Canceled, err, "sv.Walk")
		}
		if err := st.report(st.lastBases, st.ev.Stats.Records); err != nil {
			return errors.E(errors.Canceled, err, "sv.Walk: aborted by progress callback")
		}
	}
	if err := iter.Err(); err != nil {
		return errors.E(err, "sv.Walk: read alignments")
	}
	return nil
}

// contig returns the index of ref in w.contigs.
func (st *walkState) contig(ref *sam.Reference) (int, bool) {
	id := ref.ID()
	if id < 0 {
		return 0, false
	}
	for id >= len(st.refCache) {
		st.refCache = append(st.refCache, 0)
	}
	switch v := st.refCache[id]; {
	case v > 0:
		return v - 1, true
	case v < 0:
		return 0, false
	}
	i, ok := st.w.index[ref.Name()]
	if !ok {
		st.refCache[id] = -1
		return 0, false
	}
	st.refCache[id] = i + 1
	return i, true
}

func strandOf(reverse bool) Strand {
	if reverse {
		return Reverse
	}
	return Forward
}

// add processes one alignment record.
func (st *walkState) add(rec *sam.Record) {
	opts := st.w.opts
	stats := &st.ev.Stats
	stats.Records++
	if rec.Flags&sam.Unmapped != 0 || rec.Ref == nil {
		stats.Unmapped++
		return
	}
	if rec.Flags&opts.FlagExclude != 0 {
		stats.FlagExcluded++
		return
	}
	ci, ok := st.contig(rec.Ref)
	if !ok {
		stats.UnknownContig++
		return
	}
	st.lastBases = st.w.offsets[ci] + int64(rec.Pos)
	if rec.Flags&(sam.Secondary|sam.Supplementary) != 0 {
		return
	}
	if bins := st.bins[ci]; bins != nil && rec.Pos >= 0 {
		if b := rec.Pos / opts.BinSize; b < len(bins) {
			bins[b]++
			stats.DepthCounted++
		}
	}
	if int(rec.MapQ) < opts.MinMapQ {
		stats.LowMapQ++
		return
	}
	chrom := st.w.contigs[ci].Name
	st.addDiscordant(rec, chrom)
	st.addSplit(rec, chrom)
}

// auxInt extracts an integer aux value.
func auxInt(aux sam.Aux) (int, bool) {
	switch v := aux.Value().(type) {
	case int8:
		return int(v), true
	case uint8:
		return int(v), true
	case int16:
		return int(v), true
	case uint16:
		return int(v), true
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	}
	return 0, false
}

// discordantReason decides whether a mapped pair is discordant. Rules are
// evaluated in order and the first match wins.
func discordantReason(sameRef bool, tlen, pos, matePos int, strand, mateStrand Strand, mean, sd, z float64) (DiscordantReason, bool) {
	if !sameRef {
		return InterChromosomal, true
	}
	abs := tlen
	if abs < 0 {
		abs = -abs
	}
	if float64(abs) > mean+z*sd || (tlen > 0 && float64(tlen) < mean-z*sd) {
		return InsertSizeOutlier, true
	}
	if strand == mateStrand {
		return WrongOrientation, true
	}
	// At equal positions the forward read is upstream, so both mates of a
	// pair agree.
	upstream := strand
	switch {
	case matePos < pos:
		upstream = mateStrand
	case matePos == pos:
		upstream = Forward
	}
	if upstream != Forward {
		return WrongOrientation, true
	}
	return 0, false
}

func (st *walkState) addDiscordant(rec *sam.Record, chrom string) {
	if rec.Flags&sam.Paired == 0 || rec.Flags&sam.MateUnmapped != 0 || rec.MateRef == nil || rec.MateRef.ID() < 0 {
		return
	}
	strand := strandOf(rec.Flags&sam.Reverse != 0)
	mateStrand := strandOf(rec.Flags&sam.MateReverse != 0)
	sameRef := rec.MateRef.ID() == rec.Ref.ID()
	reason, ok := discordantReason(sameRef, rec.TempLen, rec.Pos, rec.MatePos, strand, mateStrand,
		st.w.lib.MeanInsertSize, st.w.lib.InsertSizeSD, st.w.opts.InsertSizeZThreshold)
	if !ok {
		return
	}
	mateChrom := rec.MateRef.Name()
	if st.w.exclude.Contains(chrom, rec.Pos) || st.w.exclude.Contains(mateChrom, rec.MatePos) {
		st.ev.Stats.Excluded++
		return
	}
	mapq := int(rec.MapQ)
	if aux := rec.AuxFields.Get(mqTag); aux != nil {
		if mq, ok := auxInt(aux); ok && mq < mapq {
			mapq = mq
		}
	}
	insert := rec.TempLen
	if reason == InterChromosomal {
		insert = 0
	}
	st.ev.Pairs = append(st.ev.Pairs, DiscordantPair{
		ReadName:   rec.Name,
		Chrom1:     chrom,
		Pos1:       rec.Pos,
		Strand1:    strand,
		Chrom2:     mateChrom,
		Pos2:       rec.MatePos,
		Strand2:    mateStrand,
		InsertSize: insert,
		MapQ:       mapq,
		Reason:     reason,
	})
	st.ev.Stats.DiscordantPairs++
}

func (st *walkState) addSplit(rec *sam.Record, chrom string) {
	aux := rec.AuxFields.Get(saTag)
	if aux == nil {
		return
	}
	stats := &st.ev.Stats
	tag, ok := aux.Value().(string)
	if !ok {
		stats.MalformedSA++
		return
	}
	sa, err := parseFirstSA(tag)
	if err != nil {
		stats.MalformedSA++
		log.Debug.Printf("sv.Walk: %s: %v", rec.Name, err)
		return
	}
	if _, ok := st.w.index[sa.chrom]; !ok {
		stats.UnknownContig++
		return
	}
	left, right := clipLengths(rec.Cigar)
	clip := left + right
	if sa.mapQ < st.w.opts.MinMapQ {
		stats.LowMapQSA++
		return
	}
	if clip < st.w.opts.MinClipLength || clip < MinSplitClipLength {
		stats.ShortClip++
		return
	}
	pBreak, pRight := breakpoint(rec.Pos, rec.End()-rec.Pos, rec.Cigar)
	sBreak, sRight := breakpoint(sa.pos, sa.end()-sa.pos, sa.cigar)
	if st.w.exclude.Contains(chrom, pBreak) || st.w.exclude.Contains(sa.chrom, sBreak) {
		stats.Excluded++
		return
	}
	mapq := int(rec.MapQ)
	if sa.mapQ < mapq {
		mapq = sa.mapQ
	}
	st.ev.Splits = append(st.ev.Splits, SplitRead{
		ReadName:                  rec.Name,
		Primary:                   Locus{chrom, rec.Pos},
		PrimaryStrand:             strandOf(rec.Flags&sam.Reverse != 0),
		Supplementary:             Locus{sa.chrom, sa.pos},
		SupplementaryStrand:       sa.strand,
		ClipLength:                clip,
		MapQ:                      mapq,
		PrimaryBreak:              pBreak,
		SupplementaryBreak:        sBreak,
		PrimaryClippedRight:       pRight,
		SupplementaryClippedRight: sRight,
	})
	stats.SplitReads++
}
