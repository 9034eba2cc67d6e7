package interval

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/intervalmap"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// ExcludeSet is a set of regions, keyed by contig name. Intervals may
// overlap. Thread safe after construction.
type ExcludeSet struct {
	byChrom map[string]*intervalmap.T
	n       int
}

// NewExcludeSet builds an ExcludeSet from regions. Empty regions are ignored.
func NewExcludeSet(regions []Region) *ExcludeSet {
	entries := make(map[string][]intervalmap.Entry)
	n := 0
	for _, r := range regions {
		if r.End <= r.Start0 {
			continue
		}
		entries[r.ChrName] = append(entries[r.ChrName], intervalmap.Entry{
			Interval: intervalmap.Interval{Start: int64(r.Start0), Limit: int64(r.End)},
			Data:     r,
		})
		n++
	}
	s := &ExcludeSet{byChrom: make(map[string]*intervalmap.T, len(entries)), n: n}
	for chrom, ents := range entries {
		s.byChrom[chrom] = intervalmap.New(ents)
	}
	return s
}

// Len returns the number of intervals in the set.
func (s *ExcludeSet) Len() int {
	if s == nil {
		return 0
	}
	return s.n
}

// Contains returns true if pos on chrom falls in any interval. A nil set
// contains nothing.
func (s *ExcludeSet) Contains(chrom string, pos PosType) bool {
	return s.Overlaps(chrom, pos, pos+1)
}

// Overlaps returns true if [start, end) on chrom intersects any interval.
func (s *ExcludeSet) Overlaps(chrom string, start, end PosType) bool {
	if s == nil || end <= start {
		return false
	}
	t, ok := s.byChrom[chrom]
	if !ok {
		return false
	}
	return t.Any(intervalmap.Interval{Start: int64(start), Limit: int64(end)})
}

// ReadBED parses a BED stream. Only the first three columns are used; header,
// track and comment lines are skipped.
func ReadBED(r io.Reader) ([]Region, error) {
	var (
		regions []Region
		tokens  = make([][]byte, 3)
		lineIdx = 0
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineIdx++
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' || hasPrefix(line, "track") || hasPrefix(line, "browser") {
			continue
		}
		if n := getTokens(tokens, line); n < 3 {
			return nil, fmt.Errorf("interval.ReadBED: line %d has %d columns, expected at least 3", lineIdx, n)
		}
		start, err := strconv.Atoi(string(tokens[1]))
		if err != nil {
			return nil, fmt.Errorf("interval.ReadBED: line %d: %v", lineIdx, err)
		}
		end, err := strconv.Atoi(string(tokens[2]))
		if err != nil {
			return nil, fmt.Errorf("interval.ReadBED: line %d: %v", lineIdx, err)
		}
		if start < 0 || end < start {
			return nil, fmt.Errorf("interval.ReadBED: line %d: invalid interval [%d, %d)", lineIdx, start, end)
		}
		regions = append(regions, Region{ChrName: string(tokens[0]), Start0: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return regions, nil
}

func hasPrefix(line []byte, prefix string) bool {
	return len(line) >= len(prefix) && string(line[:len(prefix)]) == prefix
}

// NewExcludeSetFromPath reads a BED file, gzipped or not, into an
// ExcludeSet. The path may be anything grailbio/base/file can open.
func NewExcludeSetFromPath(path string) (set *ExcludeSet, err error) {
	ctx := vcontext.Background()
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	regions, err := ReadBED(reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	set = NewExcludeSet(regions)
	log.Printf("interval: loaded %d exclude intervals from %s", set.Len(), path)
	return set, nil
}
