// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bamprovider

import (
	"fmt"
	"math"

	"github.com/grailbio/hts/sam"
)

// Shard represents a genomic interval on a single reference. [Start,End) is a
// half-open, 0-based range of alignment start positions. An iterator for the
// shard returns mapped reads whose start positions fall within that range.
//
// A Shard with a nil Ref is the universal shard: it covers every record in
// the file, including unmapped ones, in file order.
//
// The Shards are ordered according to the order of the references in the
// header. ShardIdx is an index into that ordering.
type Shard struct {
	Ref   *sam.Reference
	Start int
	End   int

	ShardIdx int
}

// UniversalShard creates a Shard that covers the entire file.
func UniversalShard() Shard {
	return Shard{Start: 0, End: math.MaxInt32}
}

// IsUniversal returns true if s was created by UniversalShard.
func (s Shard) IsUniversal() bool {
	return s.Ref == nil
}

// Contains returns true if the start position of r is in s.
func (s Shard) Contains(r *sam.Record) bool {
	if s.IsUniversal() {
		return true
	}
	if r.Ref == nil || r.Ref.ID() != s.Ref.ID() {
		return false
	}
	return r.Pos >= s.Start && r.Pos < s.End
}

// String returns a human-readable description, e.g. "chr1:0-248956422".
func (s Shard) String() string {
	if s.IsUniversal() {
		return "*"
	}
	return fmt.Sprintf("%s:%d-%d", s.Ref.Name(), s.Start, s.End)
}

// contigShards creates one shard per reference in header that is accepted by
// opts. Each shard covers the whole reference.
func contigShards(header *sam.Header, opts GenerateShardsOpts) []Shard {
	var allowed map[string]bool
	if len(opts.Refs) > 0 {
		allowed = make(map[string]bool, len(opts.Refs))
		for _, name := range opts.Refs {
			allowed[name] = true
		}
	}
	var shards []Shard
	for _, ref := range header.Refs() {
		if allowed != nil && !allowed[ref.Name()] {
			continue
		}
		if ref.Len() < opts.MinRefLength {
			continue
		}
		shards = append(shards, Shard{
			Ref:      ref,
			Start:    0,
			End:      ref.Len(),
			ShardIdx: len(shards),
		})
	}
	return shards
}
