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
package main

/*
bio-sv calls structural variants (deletions, duplications, inversions and
breakends) from a coordinate-sorted BAM, using discordant read pairs, split
reads and read depth.

Example: call from a BAM, keeping the evidence for later re-runs.

  bio-sv -sample NA12878 -coverage 32.5 -insert-mean 420 -insert-sd 95 \
    -reference GRCh38.fa -exclude-bed blacklist.bed.gz \
    -evidence-out NA12878.svevidence -out NA12878 NA12878.bam

Example: re-run the clustering with different thresholds.

  bio-sv -sample NA12878 -coverage 32.5 -min-pe 4 \
    -evidence-in NA12878.svevidence -out NA12878.strict
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bio-sv/encoding/bamprovider"
	"github.com/grailbio/bio-sv/encoding/fasta"
	"github.com/grailbio/bio-sv/sv"
	"github.com/grailbio/hts/sam"
)

var (
	defaults = sv.DefaultOpts()

	sampleName     = flag.String("sample", "", "Sample name written to the VCF")
	referenceBuild = flag.String("reference-build", "", "Reference build name, e.g. GRCh38")
	referencePath  = flag.String("reference", "", "Indexed FASTA (with .fai) used for REF bases and, unless -contigs is set, contig lengths")
	bamIndexPath   = flag.String("index", "", "Input BAM index path. Defaults to bampath + .bai")
	coverage       = flag.Float64("coverage", 0, "Mean genome coverage of the sample; calling is refused below 10x")
	insertMean     = flag.Float64("insert-mean", 400, "Mean insert size of proper pairs")
	insertSD       = flag.Float64("insert-sd", 100, "Standard deviation of the insert size of proper pairs")
	readLength     = flag.Float64("read-length", 150, "Mean aligned read length")
	contigList     = flag.String("contigs", "", "Comma-separated contigs to analyze; default all contigs of -reference, or of the BAM header")
	haploid        = flag.String("haploid", "", "Comma-separated haploid contigs, e.g. chrX,chrY for a male sample")

	binSize       = flag.Int("bin-size", defaults.BinSize, "Depth bin size")
	minDepthZ     = flag.Float64("min-depth-z", defaults.MinDepthZScore, "Minimum |z| of a depth bin to start a segment")
	minCnvSize    = flag.Int("min-cnv-size", defaults.MinCnvSize, "Minimum depth segment length")
	insertZ       = flag.Float64("insert-z", defaults.InsertSizeZThreshold, "Insert sizes more than this many SDs from the mean are discordant")
	minMapQ       = flag.Int("mapq", defaults.MinMapQ, "Reads with MAPQ below this level are not used as evidence")
	maxDist       = flag.Int("max-cluster-distance", defaults.MaxClusterDistance, "Maximum breakpoint spread within a cluster")
	minPE         = flag.Int("min-pe", defaults.MinPairedEndSupport, "Minimum discordant-pair support of a call")
	minSR         = flag.Int("min-sr", defaults.MinSplitReadSupport, "Minimum split-read support of a call, unless -min-support is met")
	minSupport    = flag.Int("min-support", defaults.MinTotalSupport, "Minimum total support of a call without split reads")
	minQuality    = flag.Float64("min-qual", defaults.MinQuality, "Calls below this quality are filtered as LOW_QUAL")
	minClip       = flag.Int("min-clip", defaults.MinClipLength, "Minimum clipped length of a split read; at least 10")
	depthZMargin  = flag.Float64("depth-z-margin", defaults.DepthOnlyZMargin, "Extra |z| required of depth-only calls")
	flagExclude   = flag.Int("flag-exclude", int(defaults.FlagExclude), "Reads with a FLAG bit intersecting this value are skipped")
	excludeBED    = flag.String("exclude-bed", "", "BED file (optionally gzipped) of regions whose evidence is ignored")
	region        = flag.String("region", "", "Restrict the walk to <contig>:<1-based first pos>-<last pos>, <contig>:<pos>, or <contig>")
	parallelism   = flag.Int("parallelism", defaults.Parallelism, "Number of contigs to walk in parallel")
	evidenceOut   = flag.String("evidence-out", "", "If set, write the collected evidence to this recordio file")
	evidenceIn    = flag.String("evidence-in", "", "If set, skip the BAM walk and call from this evidence file")
	outPrefix     = flag.String("out", "bio-sv", "Output path prefix")
	bgzip         = flag.Bool("bgzip", false, "bgzip the output VCF")
	progressEvery = flag.Float64("progress-step", 0.05, "Log progress every time this fraction of the work completes")
)

func bioSVUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath\n", os.Args[0])
	fmt.Printf("       %s [OPTIONS] -evidence-in path\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// selectContigs returns the header contigs named in names, in header order.
func selectContigs(h *sam.Header, names []string) []sv.Contig {
	all := sv.ContigsFromHeader(h)
	if len(names) == 0 {
		return all
	}
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	var contigs []sv.Contig
	for _, c := range all {
		if want[c.Name] {
			contigs = append(contigs, c)
			delete(want, c.Name)
		}
	}
	for n := range want {
		log.Fatalf("contig %s is not in the BAM header", n)
	}
	return contigs
}

func progressLogger() sv.ProgressFunc {
	next := 0.0
	return func(fraction float64, msg string) error {
		if fraction >= next || fraction >= 1 {
			log.Printf("%5.1f%%: %s", fraction*100, msg)
			next = fraction + *progressEvery
		}
		return nil
	}
}

func main() {
	flag.Usage = bioSVUsage
	shutdown := grail.Init()
	defer shutdown()
	ctx := vcontext.Background()

	if *evidenceIn == "" && flag.NArg() != 1 {
		log.Fatalf("Exactly one bampath is required; got '%s'", strings.Join(flag.Args(), " "))
	}
	if *evidenceIn != "" && flag.NArg() != 0 {
		log.Fatalf("No positional arguments are expected with -evidence-in; got '%s'", strings.Join(flag.Args(), " "))
	}

	opts := sv.Opts{
		BinSize:              *binSize,
		MinDepthZScore:       *minDepthZ,
		MinCnvSize:           *minCnvSize,
		InsertSizeZThreshold: *insertZ,
		MinMapQ:              *minMapQ,
		MaxClusterDistance:   *maxDist,
		MinPairedEndSupport:  *minPE,
		MinSplitReadSupport:  *minSR,
		MinTotalSupport:      *minSupport,
		MinQuality:           *minQuality,
		MinClipLength:        *minClip,
		DepthOnlyZMargin:     *depthZMargin,
		FlagExclude:          sam.Flags(*flagExclude),
		ProgressInterval:     defaults.ProgressInterval,
		Parallelism:          *parallelism,
		ExcludeBEDPath:       *excludeBED,
		Region:               *region,
		EvidencePath:         *evidenceOut,
	}
	lib := sv.Library{
		SampleName:     *sampleName,
		ReferenceBuild: *referenceBuild,
		MeanCoverage:   *coverage,
		MeanInsertSize: *insertMean,
		InsertSizeSD:   *insertSD,
		MeanReadLength: *readLength,
	}
	caller := &sv.Caller{Opts: opts}
	if names := splitList(*haploid); len(names) > 0 {
		ploidy := sv.PloidyMap{}
		for _, n := range names {
			ploidy[n] = 1
		}
		caller.Ploidy = ploidy
	}
	if *referencePath != "" {
		ref, err := fasta.Open(ctx, *referencePath)
		if err != nil {
			log.Panicf("%v", err)
		}
		defer func() {
			if err := ref.Close(ctx); err != nil {
				log.Error.Printf("close %s: %v", *referencePath, err)
			}
		}()
		caller.Reference = ref
	}

	var (
		res *sv.AnalysisResult
		err error
	)
	sink := &sv.FileArtifactWriter{
		Prefix:      *outPrefix,
		Bgzip:       *bgzip,
		Reference:   caller.Reference,
		Parallelism: *parallelism,
	}
	if *evidenceIn != "" {
		var ev *sv.EvidenceCollection
		if ev, err = sv.ReadEvidence(ctx, *evidenceIn); err != nil {
			log.Panicf("%v", err)
		}
		lib.Contigs = ev.Contigs
		sink.Contigs = ev.Contigs
		if lib.SampleName == "" {
			lib.SampleName = ev.SampleName
		}
		res, err = caller.CallEvidence(ctx, ev, lib, progressLogger(), sink)
	} else {
		provider := bamprovider.NewProvider(flag.Arg(0), bamprovider.ProviderOpts{Index: *bamIndexPath})
		if *referencePath == "" || *contigList != "" {
			header, herr := provider.GetHeader()
			if herr != nil {
				log.Panicf("%v", herr)
			}
			lib.Contigs = selectContigs(header, splitList(*contigList))
			sink.Contigs = lib.Contigs
		}
		// Otherwise the caller takes the contigs from the reference index.
		caller.Provider = provider
		res, err = caller.Call(ctx, lib, progressLogger(), sink)
		if cerr := provider.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		log.Panicf("%v", err)
	}
	log.Printf("%s: %d PASS calls %v; outputs %s, %s, %s", res.SampleName, len(res.Calls), res.CallsByType,
		res.Artifacts.VCFPath, res.Artifacts.SegmentsPath, res.Artifacts.MetadataPath)
	log.Debug.Printf("exiting")
}
