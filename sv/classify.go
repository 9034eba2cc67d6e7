package sv

// Classifier maps a single piece of evidence to the SV type it suggests.
// Evidence of different types never clusters together.
type Classifier interface {
	// ClassifyPair classifies a discordant alignment. insertMean is the
	// library's mean insert size.
	ClassifyPair(p *DiscordantPair, insertMean float64) SVType
	// ClassifySplit classifies a split read.
	ClassifySplit(s *SplitRead) SVType
}

// DefaultClassifier follows the usual paired-end conventions (as in
// BreakDancer and LUMPY):
//
//   - mates or pieces on different contigs: Breakend
//   - same-strand mates or pieces: Inversion
//   - reverse-forward mates: Duplication
//   - forward-reverse mates with a large insert: Deletion, small insert:
//     Duplication
//   - same-strand split reads whose junction jumps forward on the reference:
//     Deletion, backward: Duplication
type DefaultClassifier struct{}

// ClassifyPair implements Classifier.
func (DefaultClassifier) ClassifyPair(p *DiscordantPair, insertMean float64) SVType {
	if p.Chrom1 != p.Chrom2 || p.Reason == InterChromosomal {
		return Breakend
	}
	if p.Strand1 == p.Strand2 {
		return Inversion
	}
	upstream := p.Strand1
	switch {
	case p.Pos2 < p.Pos1:
		upstream = p.Strand2
	case p.Pos2 == p.Pos1:
		upstream = Forward
	}
	if upstream == Reverse {
		return Duplication
	}
	insert := p.InsertSize
	if insert < 0 {
		insert = -insert
	}
	if float64(insert) > insertMean {
		return Deletion
	}
	return Duplication
}

// ClassifySplit implements Classifier.
func (DefaultClassifier) ClassifySplit(s *SplitRead) SVType {
	if s.Primary.Chrom != s.Supplementary.Chrom {
		return Breakend
	}
	if s.PrimaryStrand != s.SupplementaryStrand {
		return Inversion
	}
	// The piece clipped on its right precedes the junction in read order
	// (for either strand, since both pieces share it).
	before, after := s.PrimaryBreak, s.SupplementaryBreak
	switch {
	case s.SupplementaryClippedRight && !s.PrimaryClippedRight:
		before, after = s.SupplementaryBreak, s.PrimaryBreak
	case s.PrimaryClippedRight == s.SupplementaryClippedRight && after < before:
		before, after = after, before
	}
	if before < after {
		return Deletion
	}
	return Duplication
}
