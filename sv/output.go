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
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bio-sv/encoding/fasta"
	"github.com/grailbio/hts/bgzf"
)

// FileArtifactWriter is an ArtifactSink that writes
//   <Prefix>.sv.vcf[.gz]          calls, including filtered ones
//   <Prefix>.depth_segments.tsv   merged depth segments
//   <Prefix>.sv_summary.json      counts and paths
type FileArtifactWriter struct {
	// Prefix is a path prefix; anything grailbio/base/file can create.
	Prefix string
	// Bgzip causes the VCF to be bgzf-compressed.
	Bgzip bool
	// Contigs are listed in the VCF header. If empty, the analyzed contigs
	// of the result are listed.
	Contigs []Contig
	// Reference, if set, supplies the REF bases. Otherwise REF is "N".
	Reference *fasta.Reference
	// Parallelism is passed to the bgzf writer.
	Parallelism int
}

// WriteArtifacts implements ArtifactSink.
func (w *FileArtifactWriter) WriteArtifacts(ctx context.Context, res *AnalysisResult, calls []Call, segs []DepthSegment) (Artifacts, error) {
	a := Artifacts{
		VCFPath:      w.Prefix + ".sv.vcf",
		SegmentsPath: w.Prefix + ".depth_segments.tsv",
		MetadataPath: w.Prefix + ".sv_summary.json",
	}
	if w.Bgzip {
		a.VCFPath += ".gz"
	}
	contigs := w.Contigs
	if len(contigs) == 0 {
		contigs = res.Contigs
	}
	if err := createAndWrite(ctx, a.SegmentsPath, func(out io.Writer) error {
		return WriteSegmentsTSV(out, segs)
	}); err != nil {
		return a, err
	}
	if err := createAndWrite(ctx, a.VCFPath, func(out io.Writer) (err error) {
		if !w.Bgzip {
			return WriteVCF(out, res, calls, contigs, w.Reference)
		}
		parallelism := w.Parallelism
		if parallelism <= 0 {
			parallelism = 1
		}
		bw := bgzf.NewWriter(out, parallelism)
		defer func() {
			if e := bw.Close(); e != nil && err == nil {
				err = e
			}
		}()
		return WriteVCF(bw, res, calls, contigs, w.Reference)
	}); err != nil {
		return a, err
	}
	if err := createAndWrite(ctx, a.MetadataPath, func(out io.Writer) error {
		return WriteSummaryJSON(out, res, a)
	}); err != nil {
		return a, err
	}
	log.Printf("sv: wrote %s, %s, %s", a.VCFPath, a.SegmentsPath, a.MetadataPath)
	return a, nil
}

func createAndWrite(ctx context.Context, path string, fn func(io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = fn(out.Writer(ctx)); err != nil {
		return errors.E(err, "error writing to", path)
	}
	return nil
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// WriteSegmentsTSV writes one line per segment with the columns
// chrom, start, end, mean_depth, log2_ratio, z_score, num_bins, sv_type.
// Coordinates are 0-based, half-open.
func WriteSegmentsTSV(out io.Writer, segs []DepthSegment) error {
	w := tsv.NewWriter(out)
	w.WriteString("chrom\tstart\tend\tmean_depth\tlog2_ratio\tz_score\tnum_bins\tsv_type")
	if err := w.EndLine(); err != nil {
		return err
	}
	for _, s := range segs {
		w.WriteString(s.Chrom)
		w.WriteInt64(int64(s.Start))
		w.WriteInt64(int64(s.End))
		w.WriteString(formatFloat(s.MeanDepth, 2))
		w.WriteString(formatFloat(s.Log2Ratio, 4))
		w.WriteString(formatFloat(s.ZScore, 3))
		w.WriteInt64(int64(s.NumBins))
		w.WriteString(s.Type.String())
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

var vcfHeaderLines = []string{
	`##ALT=<ID=DEL,Description="Deletion">`,
	`##ALT=<ID=DUP,Description="Duplication">`,
	`##ALT=<ID=INV,Description="Inversion">`,
	`##ALT=<ID=INS,Description="Insertion">`,
	`##INFO=<ID=SVTYPE,Number=1,Type=String,Description="Type of structural variant">`,
	`##INFO=<ID=SVLEN,Number=1,Type=Integer,Description="Difference in length between REF and ALT alleles">`,
	`##INFO=<ID=END,Number=1,Type=Integer,Description="End position of the variant">`,
	`##INFO=<ID=CIPOS,Number=2,Type=Integer,Description="Confidence interval around POS">`,
	`##INFO=<ID=CIEND,Number=2,Type=Integer,Description="Confidence interval around END">`,
	`##INFO=<ID=IMPRECISE,Number=0,Type=Flag,Description="No split read pins the breakpoint">`,
	`##INFO=<ID=PE,Number=1,Type=Integer,Description="Number of supporting discordant pairs">`,
	`##INFO=<ID=SR,Number=1,Type=Integer,Description="Number of supporting split reads">`,
	`##INFO=<ID=RD,Number=1,Type=Float,Description="Observed over expected read depth">`,
	`##INFO=<ID=DZ,Number=1,Type=Float,Description="Depth z-score of a depth-only call">`,
	`##INFO=<ID=CONF,Number=1,Type=Float,Description="Combined evidence confidence in [0,1]">`,
	`##FILTER=<ID=` + FilterLowQual + `,Description="Quality below threshold">`,
	`##FILTER=<ID=` + FilterLowDepthZ + `,Description="Depth-only call with insufficient z-score margin">`,
	`##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">`,
}

// vcfInfo renders the INFO column of a call.
func vcfInfo(c *Call) string {
	var parts []string
	add := func(format string, args ...interface{}) {
		parts = append(parts, fmt.Sprintf(format, args...))
	}
	add("SVTYPE=%v", c.Type)
	if c.Type != Breakend {
		add("SVLEN=%d", c.SVLen)
		add("END=%d", c.End)
	}
	add("CIPOS=%d,%d", c.CIPos[0], c.CIPos[1])
	add("CIEND=%d,%d", c.CIEnd[0], c.CIEnd[1])
	if c.SplitReadSupport == 0 {
		parts = append(parts, "IMPRECISE")
	}
	add("PE=%d", c.PairedEndSupport)
	add("SR=%d", c.SplitReadSupport)
	if c.RelativeDepth != nil {
		add("RD=%s", formatFloat(*c.RelativeDepth, 3))
	}
	if c.DepthZScore != nil {
		add("DZ=%s", formatFloat(*c.DepthZScore, 2))
	}
	add("CONF=%s", formatFloat(c.Confidence(), 3))
	return strings.Join(parts, ";")
}

// breakendAlt renders the ALT of a Breakend call in VCF bracket notation.
// The bracket is ']' if the mate's retained sequence lies left of its
// breakpoint, and the local base comes first if the local sequence precedes
// the junction.
func breakendAlt(refBase byte, c *Call) string {
	bracket := '['
	if c.Orientation[1] == Forward {
		bracket = ']'
	}
	mate := fmt.Sprintf("%c%s:%d%c", bracket, c.Mate.Chrom, c.Mate.Pos+1, bracket)
	if c.Orientation[0] == Forward {
		return string(refBase) + mate
	}
	return mate + string(refBase)
}

// WriteVCF writes calls as VCF 4.2. POS is the 1-based position of the base
// preceding the event; breakends use bracket notation.
func WriteVCF(out io.Writer, res *AnalysisResult, calls []Call, contigs []Contig, ref *fasta.Reference) error {
	w := tsv.NewWriter(out)
	headers := []string{
		"##fileformat=VCFv4.2",
		"##fileDate=" + res.Timestamp.Format("20060102"),
		"##source=bio-sv",
	}
	if res.ReferenceBuild != "" {
		headers = append(headers, "##reference="+res.ReferenceBuild)
	}
	for _, c := range contigs {
		headers = append(headers, fmt.Sprintf("##contig=<ID=%s,length=%d>", c.Name, c.Length))
	}
	headers = append(headers, vcfHeaderLines...)
	for _, h := range headers {
		w.WriteString(h)
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	sample := res.SampleName
	if sample == "" {
		sample = "SAMPLE"
	}
	w.WriteString("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT")
	w.WriteString(sample)
	if err := w.EndLine(); err != nil {
		return err
	}
	for i := range calls {
		c := &calls[i]
		pos := c.Start
		if pos < 1 {
			pos = 1
		}
		refBase := ref.Base(c.Chrom, pos-1)
		alt := "<" + c.Type.String() + ">"
		if c.Type == Breakend {
			alt = breakendAlt(refBase, c)
		}
		w.WriteString(c.Chrom)
		w.WriteInt64(int64(pos))
		w.WriteString(c.ID)
		w.WriteByte(refBase)
		w.WriteString(alt)
		w.WriteString(formatFloat(c.Quality, 1))
		w.WriteString(c.Filter)
		w.WriteString(vcfInfo(c))
		w.WriteString("GT")
		w.WriteString(c.Genotype)
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// summary is the JSON document written by WriteSummaryJSON.
type summary struct {
	SampleName           string         `json:"sample"`
	ReferenceBuild       string         `json:"reference_build"`
	MeanCoverage         float64        `json:"mean_coverage"`
	Timestamp            string         `json:"timestamp"`
	PassCalls            int            `json:"pass_calls"`
	CallsByType          map[string]int `json:"calls_by_type"`
	PassCallsByType      map[string]int `json:"pass_calls_by_type"`
	TotalDiscordantPairs int            `json:"total_discordant_pairs"`
	TotalSplitReads      int            `json:"total_split_reads"`
	SegmentCount         int            `json:"depth_segments"`
	Walk                 WalkStats      `json:"walk_stats"`
	Paths                Artifacts      `json:"paths"`
}

// WriteSummaryJSON writes the run summary, including artifact paths.
func WriteSummaryJSON(out io.Writer, res *AnalysisResult, paths Artifacts) error {
	s := summary{
		SampleName:           res.SampleName,
		ReferenceBuild:       res.ReferenceBuild,
		MeanCoverage:         res.MeanCoverage,
		Timestamp:            res.Timestamp.Format(time.RFC3339),
		PassCalls:            len(res.Calls),
		CallsByType:          res.CallsByType,
		PassCallsByType:      map[string]int{},
		TotalDiscordantPairs: res.TotalDiscordantPairs,
		TotalSplitReads:      res.TotalSplitReads,
		SegmentCount:         res.SegmentCount,
		Walk:                 res.Stats,
		Paths:                paths,
	}
	for _, c := range res.Calls {
		s.PassCallsByType[c.Type.String()]++
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
