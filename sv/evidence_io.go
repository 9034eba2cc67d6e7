package sv

// WriteEvidence and ReadEvidence store an EvidenceCollection in a recordio
// file, so that segmentation and clustering can be re-run with different
// thresholds without walking the alignments again.

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
)

const (
	// <evidenceVersionHeader, evidenceVersion> is stored in a recordio header.
	evidenceVersionHeader = "svevidenceversion"
	evidenceVersion       = "SV_EVIDENCE_V1"
)

// evidenceRecord is one recordio item. Exactly one field is set.
type evidenceRecord struct {
	Pair  *DiscordantPair
	Split *SplitRead
}

// evidenceTrailer holds everything but the per-read evidence.
type evidenceTrailer struct {
	SampleName     string
	Contigs        []Contig
	InsertSizeMean float64
	InsertSizeSD   float64
	ReadLength     int
	BinSize        int
	DepthBins      map[string][]int
	Stats          WalkStats
}

// WriteEvidence dumps ev to path.
func WriteEvidence(ctx context.Context, path string, ev *EvidenceCollection) (err error) {
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "sv.WriteEvidence: create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(evidenceVersionHeader, evidenceVersion)
	w.AddHeader(recordio.KeyTrailer, true)

	var e errors.Once
	encode := func(v interface{}) []byte {
		b := bytes.NewBuffer(nil)
		e.Set(gob.NewEncoder(b).Encode(v))
		return b.Bytes()
	}
	for i := range ev.Pairs {
		w.Append(encode(evidenceRecord{Pair: &ev.Pairs[i]}))
	}
	for i := range ev.Splits {
		w.Append(encode(evidenceRecord{Split: &ev.Splits[i]}))
	}
	w.SetTrailer(encode(evidenceTrailer{
		SampleName:     ev.SampleName,
		Contigs:        ev.Contigs,
		InsertSizeMean: ev.InsertSizeMean,
		InsertSizeSD:   ev.InsertSizeSD,
		ReadLength:     ev.ReadLength,
		BinSize:        ev.BinSize,
		DepthBins:      ev.DepthBins,
		Stats:          ev.Stats,
	}))
	e.Set(w.Finish())
	if err := e.Err(); err != nil {
		return errors.E(err, "sv.WriteEvidence", path)
	}
	return nil
}

// ReadEvidence loads a collection written by WriteEvidence.
func ReadEvidence(ctx context.Context, path string) (ev *EvidenceCollection, err error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "sv.ReadEvidence: open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	defer r.Finish() // nolint: errcheck

	versionFound := false
	for _, kv := range r.Header() {
		if kv.Key != evidenceVersionHeader {
			continue
		}
		if v, _ := kv.Value.(string); v != evidenceVersion {
			return nil, errors.E(errors.Invalid, "sv.ReadEvidence:", path, "has version", v, "expected", evidenceVersion)
		}
		versionFound = true
	}
	if !versionFound {
		if err := r.Err(); err != nil {
			return nil, errors.E(err, "sv.ReadEvidence", path)
		}
		return nil, errors.E(errors.Invalid, "sv.ReadEvidence:", path, "is not an evidence file")
	}

	var trailer evidenceTrailer
	if err := gob.NewDecoder(bytes.NewReader(r.Trailer())).Decode(&trailer); err != nil {
		return nil, errors.E(err, "sv.ReadEvidence: trailer", path)
	}
	ev = &EvidenceCollection{
		SampleName:     trailer.SampleName,
		Contigs:        trailer.Contigs,
		InsertSizeMean: trailer.InsertSizeMean,
		InsertSizeSD:   trailer.InsertSizeSD,
		ReadLength:     trailer.ReadLength,
		BinSize:        trailer.BinSize,
		DepthBins:      trailer.DepthBins,
		Stats:          trailer.Stats,
	}
	if ev.DepthBins == nil {
		ev.DepthBins = map[string][]int{}
	}
	for r.Scan() {
		var rec evidenceRecord
		if err := gob.NewDecoder(bytes.NewReader(r.Get().([]byte))).Decode(&rec); err != nil {
			return nil, errors.E(err, "sv.ReadEvidence: record", path)
		}
		switch {
		case rec.Pair != nil:
			ev.Pairs = append(ev.Pairs, *rec.Pair)
		case rec.Split != nil:
			ev.Splits = append(ev.Splits, *rec.Split)
		}
	}
	if err := r.Err(); err != nil {
		return nil, errors.E(err, "sv.ReadEvidence", path)
	}
	return ev, nil
}
