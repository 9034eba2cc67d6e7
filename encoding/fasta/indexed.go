package fasta

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// faiEntry is one line of a samtools .fai index: "<name>\t<length>\t<byte
// offset>\t<bases per line>\t<bytes per line>".
type faiEntry struct {
	name      string
	length    uint64
	offset    uint64
	lineBases uint64
	lineBytes uint64
}

// readIndex parses a .fai stream. Entries are returned in file order.
func readIndex(index io.Reader) ([]faiEntry, error) {
	var ents []faiEntry
	scanner := bufio.NewScanner(index)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 5 {
			return nil, errors.Errorf("fasta.readIndex: line %d: expected 5 columns, got %d", lineno, len(cols))
		}
		ent := faiEntry{name: cols[0]}
		for i, dst := range []*uint64{&ent.length, &ent.offset, &ent.lineBases, &ent.lineBytes} {
			v, err := strconv.ParseUint(cols[i+1], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "fasta.readIndex: line %d", lineno)
			}
			*dst = v
		}
		if ent.lineBases == 0 || ent.lineBytes < ent.lineBases {
			return nil, errors.Errorf("fasta.readIndex: line %d: bad line geometry %d/%d", lineno, ent.lineBases, ent.lineBytes)
		}
		ents = append(ents, ent)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "fasta.readIndex")
	}
	return ents, nil
}

type indexedFasta struct {
	mu       sync.Mutex
	in       io.ReadSeeker
	seqs     map[string]faiEntry
	seqNames []string
	buf      []byte
}

// NewIndexed creates a Fasta that performs random lookups using the provided
// index, without reading the data into memory.
func NewIndexed(fasta io.ReadSeeker, index io.Reader) (Fasta, error) {
	ents, err := readIndex(index)
	if err != nil {
		return nil, err
	}
	f := &indexedFasta{in: fasta, seqs: make(map[string]faiEntry, len(ents))}
	for _, e := range ents {
		f.seqs[e.name] = e
		f.seqNames = append(f.seqNames, e.name)
	}
	return f, nil
}

// Len implements Fasta.Len().
func (f *indexedFasta) Len(seqName string) (uint64, error) {
	ent, ok := f.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("fasta: sequence not found in index: %s", seqName)
	}
	return ent.length, nil
}

// SeqNames implements Fasta.SeqNames().
func (f *indexedFasta) SeqNames() []string {
	return f.seqNames
}

// Get implements Fasta.Get().
func (f *indexedFasta) Get(seqName string, start, end uint64) (string, error) {
	ent, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("fasta: sequence not found in index: %s", seqName)
	}
	if err := checkRange(seqName, start, end, ent.length); err != nil {
		return "", err
	}
	// Byte offsets of the first and one-past-last base, skipping the line
	// terminators of every full line before them.
	byteOff := func(pos uint64) uint64 {
		return ent.offset + (pos/ent.lineBases)*ent.lineBytes + pos%ent.lineBases
	}
	first, last := byteOff(start), byteOff(end-1)+1

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.in.Seek(int64(first), io.SeekStart); err != nil {
		return "", errors.Wrapf(err, "fasta: seek %s:%d", seqName, start)
	}
	n := int(last - first)
	if cap(f.buf) < n {
		f.buf = make([]byte, n)
	}
	f.buf = f.buf[:n]
	if _, err := io.ReadFull(f.in, f.buf); err != nil {
		return "", errors.Wrapf(err, "fasta: read %s:%d-%d (bad index?)", seqName, start, end)
	}
	var sb strings.Builder
	sb.Grow(int(end - start))
	for _, c := range f.buf {
		if c != '\n' && c != '\r' {
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}
