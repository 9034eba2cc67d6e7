package sv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/hts/sam"
)

// clipLengths returns the soft+hard clipped lengths at the left and right
// (reference-orientation) ends of an alignment.
func clipLengths(cigar sam.Cigar) (left, right int) {
	i := 0
	for ; i < len(cigar); i++ {
		t := cigar[i].Type()
		if t != sam.CigarSoftClipped && t != sam.CigarHardClipped {
			break
		}
		left += cigar[i].Len()
	}
	for j := len(cigar) - 1; j >= i; j-- {
		t := cigar[j].Type()
		if t != sam.CigarSoftClipped && t != sam.CigarHardClipped {
			break
		}
		right += cigar[j].Len()
	}
	return left, right
}

// refLength returns the number of reference bases the alignment consumes.
func refLength(cigar sam.Cigar) int {
	ref, _ := cigar.Lengths()
	return ref
}

// saEntry is one alignment of an SA tag
// ("rname,pos,strand,CIGAR,mapQ,NM;"), with pos converted to 0-based.
type saEntry struct {
	chrom  string
	pos    int
	strand Strand
	cigar  sam.Cigar
	mapQ   int
}

// parseFirstSA parses the first alignment listed in an SA tag value.
func parseFirstSA(tag string) (saEntry, error) {
	var e saEntry
	first := tag
	if i := strings.IndexByte(tag, ';'); i >= 0 {
		first = tag[:i]
	}
	fields := strings.Split(first, ",")
	if len(fields) != 6 {
		return e, fmt.Errorf("SA %q: expected 6 fields, got %d", first, len(fields))
	}
	if fields[0] == "" {
		return e, fmt.Errorf("SA %q: empty contig", first)
	}
	e.chrom = fields[0]
	pos1, err := strconv.Atoi(fields[1])
	if err != nil || pos1 <= 0 {
		return e, fmt.Errorf("SA %q: bad position", first)
	}
	e.pos = pos1 - 1
	switch fields[2] {
	case "+":
		e.strand = Forward
	case "-":
		e.strand = Reverse
	default:
		return e, fmt.Errorf("SA %q: bad strand", first)
	}
	if e.cigar, err = sam.ParseCigar([]byte(fields[3])); err != nil || len(e.cigar) == 0 {
		return e, fmt.Errorf("SA %q: bad CIGAR", first)
	}
	if e.mapQ, err = strconv.Atoi(fields[4]); err != nil || e.mapQ < 0 || e.mapQ > 255 {
		return e, fmt.Errorf("SA %q: bad mapq", first)
	}
	if _, err = strconv.Atoi(fields[5]); err != nil {
		return e, fmt.Errorf("SA %q: bad NM", first)
	}
	return e, nil
}

// end returns the 0-based exclusive alignment end of e.
func (e saEntry) end() int {
	return e.pos + refLength(e.cigar)
}

// breakpoint returns the junction coordinate of an alignment that starts at
// pos and spans refLen bases: its end if the larger clip is on the right,
// else its start.
func breakpoint(pos, refLen int, cigar sam.Cigar) (int, bool) {
	left, right := clipLengths(cigar)
	if right > left {
		return pos + refLen, true
	}
	return pos, false
}
