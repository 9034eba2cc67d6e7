package sv

import "fmt"

// WalkStats counts what the Walker saw and why records were skipped.
type WalkStats struct {
	// Records is the total # of records read.
	Records int64
	// Unmapped is the # of unmapped records.
	Unmapped int64
	// FlagExcluded is the # of records dropped by Opts.FlagExclude.
	FlagExcluded int64
	// UnknownContig is the # of mapped records on contigs that are not
	// being analyzed.
	UnknownContig int64
	// DepthCounted is the # of records added to a depth bin.
	DepthCounted int64
	// LowMapQ is the # of primary records below Opts.MinMapQ.
	LowMapQ int64
	// DiscordantPairs is the # of DiscordantPair records emitted.
	DiscordantPairs int64
	// SplitReads is the # of SplitRead records emitted.
	SplitReads int64
	// MalformedSA is the # of SA tags that could not be parsed.
	MalformedSA int64
	// ShortClip is the # of SA-tagged reads dropped because the clip was too
	// short, LowMapQSA those dropped for a low supplementary MAPQ.
	ShortClip int64
	LowMapQSA int64
	// Excluded is the # of evidence records dropped by the exclude BED.
	Excluded int64
}

// Merge adds the field values of the two WalkStats objects and creates new
// WalkStats.
func (s WalkStats) Merge(o WalkStats) WalkStats {
	s.Records += o.Records
	s.Unmapped += o.Unmapped
	s.FlagExcluded += o.FlagExcluded
	s.UnknownContig += o.UnknownContig
	s.DepthCounted += o.DepthCounted
	s.LowMapQ += o.LowMapQ
	s.DiscordantPairs += o.DiscordantPairs
	s.SplitReads += o.SplitReads
	s.MalformedSA += o.MalformedSA
	s.ShortClip += o.ShortClip
	s.LowMapQSA += o.LowMapQSA
	s.Excluded += o.Excluded
	return s
}

// String returns a one-line summary for logging.
func (s WalkStats) String() string {
	return fmt.Sprintf("records=%d unmapped=%d flagexcluded=%d unknowncontig=%d depth=%d lowmapq=%d discordant=%d split=%d malformedSA=%d shortclip=%d lowmapqSA=%d excluded=%d",
		s.Records, s.Unmapped, s.FlagExcluded, s.UnknownContig, s.DepthCounted, s.LowMapQ,
		s.DiscordantPairs, s.SplitReads, s.MalformedSA, s.ShortClip, s.LowMapQSA, s.Excluded)
}
