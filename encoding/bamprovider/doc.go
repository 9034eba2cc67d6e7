// Package bamprovider provides utilities for scanning a BAM file either as one
// sequential stream or as independent per-contig shards.
//
// The Provider is an interface for reading a BAM file. The structural-variant
// walker consumes the Iterators it produces; tests substitute
// NewFakeProvider for an in-memory record list.
package bamprovider
