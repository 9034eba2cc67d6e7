// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package sv

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio-sv/encoding/bamprovider"
	"github.com/grailbio/bio-sv/encoding/fasta"
	"github.com/grailbio/bio-sv/interval"
	"github.com/grailbio/hts/sam"
)

// Overall progress is split among the phases as follows.
const (
	walkProgressEnd    = 0.6
	segmentProgressEnd = 0.75
	clusterProgressEnd = 0.9
)

// Artifacts lists the files written by an ArtifactSink.
type Artifacts struct {
	VCFPath      string `json:"vcf,omitempty"`
	SegmentsPath string `json:"segments,omitempty"`
	MetadataPath string `json:"metadata,omitempty"`
}

// AnalysisResult is the outcome of a calling run.
type AnalysisResult struct {
	SampleName     string
	ReferenceBuild string
	MeanCoverage   float64
	// Contigs are the analyzed contigs, in reference order.
	Contigs []Contig
	// Calls holds the PASS calls, sorted by contig order and start.
	Calls []Call
	// TotalDiscordantPairs is the number of distinct discordant read pairs,
	// TotalSplitReads the number of split-read records.
	TotalDiscordantPairs int
	TotalSplitReads      int
	// SegmentCount is the number of merged depth segments.
	SegmentCount int
	// CallsByType counts all calls, filtered or not, by SVTYPE.
	CallsByType map[string]int
	Timestamp   time.Time
	Stats       WalkStats
	Artifacts   Artifacts
}

// ArtifactSink persists the outputs of a run. calls includes filtered calls.
type ArtifactSink interface {
	WriteArtifacts(ctx context.Context, res *AnalysisResult, calls []Call, segs []DepthSegment) (Artifacts, error)
}

// Caller runs the complete SV calling pipeline over one alignment source.
type Caller struct {
	Provider bamprovider.Provider
	Opts     Opts
	// Reference, if set, supplies contig lengths when Library.Contigs is
	// empty, and REF bases to artifact writers that use it.
	Reference *fasta.Reference
	// Exclude, if set, overrides Opts.ExcludeBEDPath.
	Exclude *interval.ExcludeSet
	// Classifier and Ploidy are passed to the Clusterer.
	Classifier Classifier
	Ploidy     Ploidy
}

// ContigsFromHeader lists the references of a SAM header as Contigs.
func ContigsFromHeader(h *sam.Header) []Contig {
	contigs := make([]Contig, 0, len(h.Refs()))
	for _, r := range h.Refs() {
		contigs = append(contigs, Contig{Name: r.Name(), Length: r.Len()})
	}
	return contigs
}

// ContigsFromReference lists the sequences of an indexed FASTA as Contigs.
func ContigsFromReference(ref fasta.Fasta) ([]Contig, error) {
	var contigs []Contig
	for _, name := range ref.SeqNames() {
		n, err := ref.Len(name)
		if err != nil {
			return nil, err
		}
		contigs = append(contigs, Contig{Name: name, Length: int(n)})
	}
	return contigs, nil
}

// prepare checks the preconditions of a run and returns the contigs to
// analyze.
func (c *Caller) prepare(lib Library) ([]Contig, error) {
	if lib.MeanCoverage < MinCallableCoverage {
		return nil, errors.E(errors.Precondition, fmt.Sprintf(
			"sv: mean coverage %.1fx is below the %.0fx minimum for structural-variant calling",
			lib.MeanCoverage, MinCallableCoverage))
	}
	if err := c.Opts.Validate(); err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	if lib.MeanReadLength <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sv: mean read length must be positive, got %v", lib.MeanReadLength))
	}
	contigs := lib.Contigs
	if len(contigs) == 0 && c.Reference != nil {
		var err error
		if contigs, err = ContigsFromReference(c.Reference); err != nil {
			return nil, errors.E(err, "sv: reference contigs")
		}
	}
	if len(contigs) == 0 {
		return nil, errors.E(errors.Precondition, "sv: no contigs configured")
	}
	return contigs, nil
}

func (c *Caller) exclude() (*interval.ExcludeSet, error) {
	if c.Exclude != nil || c.Opts.ExcludeBEDPath == "" {
		return c.Exclude, nil
	}
	set, err := interval.NewExcludeSetFromPath(c.Opts.ExcludeBEDPath)
	if err != nil {
		return nil, errors.E(err, "sv: exclude BED")
	}
	return set, nil
}

// checkpoint reports a phase boundary and checks for cancellation.
func checkpoint(ctx context.Context, progress ProgressFunc, fraction float64, msg string) error {
	if err := ctx.Err(); err != nil {
		return errors.E(errors.Canceled, err)
	}
	if progress == nil {
		return nil
	}
	if err := progress(fraction, msg); err != nil {
		return errors.E(errors.Canceled, err, "sv: aborted by progress callback")
	}
	return nil
}

// Call runs the walker, segmenter, clusterer and artifact sink in order. The
// first failing phase ends the run; no partial result is returned. sink may
// be nil.
func (c *Caller) Call(ctx context.Context, lib Library, progress ProgressFunc, sink ArtifactSink) (*AnalysisResult, error) {
	contigs, err := c.prepare(lib)
	if err != nil {
		return nil, err
	}
	exclude, err := c.exclude()
	if err != nil {
		return nil, err
	}
	log.Printf("sv.Call: sample %s, %d contigs, coverage %.1fx, insert %.0f±%.0f, read length %.0f",
		lib.SampleName, len(contigs), lib.MeanCoverage, lib.MeanInsertSize, lib.InsertSizeSD, lib.MeanReadLength)

	walker := NewWalker(&c.Opts, lib, contigs, exclude)
	ev, err := walker.Walk(ctx, c.Provider, subProgress(progress, 0, walkProgressEnd))
	if err != nil {
		return nil, err
	}
	if c.Opts.EvidencePath != "" {
		if err := WriteEvidence(ctx, c.Opts.EvidencePath, ev); err != nil {
			return nil, err
		}
	}
	return c.analyze(ctx, ev, lib, contigs, exclude, progress, sink)
}

// CallEvidence runs the phases after the walk on previously collected
// evidence, e.g. loaded with ReadEvidence. Depth bins are read at the bin
// size they were collected with, whatever Opts.BinSize says.
func (c *Caller) CallEvidence(ctx context.Context, ev *EvidenceCollection, lib Library, progress ProgressFunc, sink ArtifactSink) (*AnalysisResult, error) {
	if len(lib.Contigs) == 0 {
		lib.Contigs = ev.Contigs
	}
	contigs, err := c.prepare(lib)
	if err != nil {
		return nil, err
	}
	if ev.BinSize <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sv: evidence has invalid bin size %d", ev.BinSize))
	}
	exclude, err := c.exclude()
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx, progress, walkProgressEnd, "loaded evidence"); err != nil {
		return nil, err
	}
	return c.analyze(ctx, ev, lib, contigs, exclude, progress, sink)
}

func (c *Caller) analyze(ctx context.Context, ev *EvidenceCollection, lib Library, contigs []Contig, exclude *interval.ExcludeSet, progress ProgressFunc, sink ArtifactSink) (*AnalysisResult, error) {
	opts := c.Opts
	if ev.BinSize != opts.BinSize {
		log.Printf("sv.Call: using the evidence bin size %d instead of %d", ev.BinSize, opts.BinSize)
		opts.BinSize = ev.BinSize
	}
	if err := checkpoint(ctx, progress, walkProgressEnd,
		fmt.Sprintf("collected %d discordant and %d split-read alignments", len(ev.Pairs), len(ev.Splits))); err != nil {
		return nil, err
	}

	segmenter := NewSegmenter(&opts)
	segmenter.Exclude = exclude
	raw := segmenter.Segment(ev.DepthBins, contigs, lib.MeanCoverage, lib.MeanReadLength,
		subProgress(progress, walkProgressEnd, segmentProgressEnd))
	segs := MergeNearbySegments(raw, opts.MaxClusterDistance, opts.BinSize, ev.contigIndex())
	log.Printf("sv.Call: %d depth segments (%d before merging)", len(segs), len(raw))
	if err := checkpoint(ctx, progress, segmentProgressEnd, fmt.Sprintf("found %d depth segments", len(segs))); err != nil {
		return nil, err
	}

	clusterer := NewClusterer(&opts)
	if c.Classifier != nil {
		clusterer.Classifier = c.Classifier
	}
	clusterer.Ploidy = c.Ploidy
	calls := clusterer.Call(ev, segs, subProgress(progress, segmentProgressEnd, clusterProgressEnd))
	for i := range calls {
		if err := calls[i].Validate(); err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
	}
	if err := checkpoint(ctx, progress, clusterProgressEnd, fmt.Sprintf("emitted %d calls", len(calls))); err != nil {
		return nil, err
	}

	res := &AnalysisResult{
		SampleName:           lib.SampleName,
		ReferenceBuild:       lib.ReferenceBuild,
		MeanCoverage:         lib.MeanCoverage,
		Contigs:              contigs,
		TotalDiscordantPairs: ev.NumPairs(),
		TotalSplitReads:      len(ev.Splits),
		SegmentCount:         len(segs),
		CallsByType:          map[string]int{},
		Timestamp:            time.Now().UTC(),
		Stats:                ev.Stats,
	}
	for _, call := range calls {
		res.CallsByType[call.Type.String()]++
		if call.Filter == FilterPass {
			res.Calls = append(res.Calls, call)
		}
	}
	if sink != nil {
		artifacts, err := sink.WriteArtifacts(ctx, res, calls, segs)
		if err != nil {
			return nil, errors.E(err, "sv: write artifacts")
		}
		res.Artifacts = artifacts
	}
	if err := checkpoint(ctx, progress, 1, fmt.Sprintf("%d PASS calls", len(res.Calls))); err != nil {
		return nil, err
	}
	log.Printf("sv.Call: %s: %d PASS calls of %d", lib.SampleName, len(res.Calls), len(calls))
	return res, nil
}
