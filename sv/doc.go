// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sv detects structural variants (deletions, duplications,
// inversions and translocations) from a coordinate-sorted alignment stream.
//
// Calling runs in four phases:
//
//  1. Walker makes one pass over the alignments and collects discordant read
//     pairs, split reads (primary + SA-tag supplementary alignment) and
//     per-bin read-start counts.
//  2. Segmenter turns the depth bins into copy-number segments and merges
//     nearby segments of the same type.
//  3. Clusterer groups the read evidence into breakpoint clusters, annotates
//     them with overlapping depth segments, promotes unexplained segments to
//     depth-only calls, and assigns quality, filter and genotype.
//  4. An ArtifactSink writes the VCF, segment TSV and JSON summary.
//
// Caller sequences the phases, enforces the minimum coverage, and maps the
// progress of each phase into an overall fraction.
package sv
