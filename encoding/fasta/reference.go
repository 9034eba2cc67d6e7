package fasta

import (
	"context"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Reference is an indexed FASTA file opened through grailbio/base/file.
type Reference struct {
	Fasta
	in file.File
}

// Open opens path and its samtools index (path + ".fai"). The index must
// exist; see "samtools faidx".
func Open(ctx context.Context, path string) (*Reference, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	idx, err := file.Open(ctx, path+".fai")
	if err != nil {
		in.Close(ctx) // nolint: errcheck
		return nil, errors.E(err, "fasta.Open: missing index for", path)
	}
	defer idx.Close(ctx) // nolint: errcheck
	f, err := NewIndexed(in.Reader(ctx), idx.Reader(ctx))
	if err != nil {
		in.Close(ctx) // nolint: errcheck
		return nil, errors.E(err, "fasta.Open", path)
	}
	return &Reference{Fasta: f, in: in}, nil
}

// Base returns the upper-cased base at 0-based pos, or 'N' if the position is
// unavailable.
func (r *Reference) Base(chrom string, pos int) byte {
	if r == nil || pos < 0 {
		return 'N'
	}
	s, err := r.Get(chrom, uint64(pos), uint64(pos)+1)
	if err != nil || len(s) != 1 {
		return 'N'
	}
	return strings.ToUpper(s)[0]
}

// Close closes the underlying FASTA file.
func (r *Reference) Close(ctx context.Context) error {
	return r.in.Close(ctx)
}
