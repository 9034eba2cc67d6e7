package bamprovider

import (
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// BAMProvider implements Provider for BAM files.  Both BAM and the index
// filenames are allowed to be S3 URLs, in which case the data will be read from
// S3. Otherwise the data will be read from the local filesystem.
type BAMProvider struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	// Index is the pathname of *.bam.bai file. If "", Path + ".bai"
	Index string
	err   errors.Once

	mu      sync.Mutex
	nActive int
	header  *sam.Header
	index   *bam.Index
}

type bamIterator struct {
	provider *BAMProvider
	shard    Shard
	in       file.File
	reader   *bam.Reader
	// chunks is nil for the universal shard, which reads the file
	// sequentially.
	chunks *bam.Iterator

	err  error
	next *sam.Record
}

func (b *BAMProvider) indexPath() string {
	index := b.Index
	if index == "" {
		index = b.Path + ".bai"
	}
	return index
}

// GetHeader implements the Provider interface.
func (b *BAMProvider) GetHeader() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header != nil {
		return b.header, nil
	}

	ctx := vcontext.Background()
	reader, err := file.Open(ctx, b.Path)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer reader.Close(ctx) // nolint: errcheck
	bamReader, err := bam.NewReader(reader.Reader(ctx), 1)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer bamReader.Close() // nolint: errcheck
	b.header = bamReader.Header()
	return b.header, nil
}

// readIndex loads the BAM index once per provider.
func (b *BAMProvider) readIndex() (*bam.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil {
		return b.index, nil
	}
	ctx := vcontext.Background()
	in, err := file.Open(ctx, b.indexPath())
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	if b.index, err = bam.ReadIndex(in.Reader(ctx)); err != nil {
		return nil, fmt.Errorf("bamprovider: read index %s: %v", b.indexPath(), err)
	}
	return b.index, nil
}

// Close implements the Provider interface.
func (b *BAMProvider) Close() error {
	b.mu.Lock()
	n := b.nActive
	b.mu.Unlock()
	if n > 0 {
		vlog.Fatalf("%d iterators still active for %+v", n, b.Path)
	}
	return b.err.Err()
}

// GenerateShards implements the Provider interface.
func (b *BAMProvider) GenerateShards(opts GenerateShardsOpts) ([]Shard, error) {
	header, err := b.GetHeader()
	if err != nil {
		return nil, err
	}
	return contigShards(header, opts), nil
}

// NewIterator implements the Provider interface.
func (b *BAMProvider) NewIterator(shard Shard) Iterator {
	b.mu.Lock()
	b.nActive++
	b.mu.Unlock()

	iter := &bamIterator{provider: b, shard: shard}
	ctx := vcontext.Background()
	if iter.in, iter.err = file.Open(ctx, b.Path); iter.err != nil {
		return iter
	}
	if iter.reader, iter.err = bam.NewReader(iter.in.Reader(ctx), 1); iter.err != nil {
		return iter
	}
	if shard.IsUniversal() {
		return iter
	}
	if shard.Start >= shard.End {
		iter.err = fmt.Errorf("bamprovider: empty shard %v", shard)
		return iter
	}
	idx, err := b.readIndex()
	if err != nil {
		iter.err = err
		return iter
	}
	chunks, err := idx.Chunks(shard.Ref, shard.Start, shard.End)
	if err == index.ErrInvalid || (err == nil && len(chunks) == 0) {
		// No reads for this interval.
		iter.err = io.EOF
		return iter
	}
	if err != nil {
		iter.err = err
		return iter
	}
	iter.chunks, iter.err = bam.NewIterator(iter.reader, chunks)
	return iter
}

// Scan implements the Iterator interface.
func (i *bamIterator) Scan() bool {
	if i.err != nil {
		return false
	}
	for {
		if i.chunks == nil {
			if i.next, i.err = i.reader.Read(); i.err != nil {
				return false
			}
			return true
		}
		if !i.chunks.Next() {
			if i.err = i.chunks.Error(); i.err == nil {
				i.err = io.EOF
			}
			return false
		}
		i.next = i.chunks.Record()
		if i.next.Ref == nil || i.next.Ref.ID() != i.shard.Ref.ID() || i.next.Pos < i.shard.Start {
			continue
		}
		if i.next.Pos >= i.shard.End {
			i.err = io.EOF
			return false
		}
		return true
	}
}

// Record implements the Iterator interface.
func (i *bamIterator) Record() *sam.Record {
	return i.next
}

// Err implements the Iterator interface.
func (i *bamIterator) Err() error {
	if i.err == io.EOF {
		return nil
	}
	return i.err
}

// Close implements the Iterator interface.
func (i *bamIterator) Close() error {
	if i.chunks != nil {
		if err := i.chunks.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.chunks = nil
	}
	if i.reader != nil {
		if err := i.reader.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.reader = nil
	}
	if i.in != nil {
		if err := i.in.Close(vcontext.Background()); err != nil && i.err == nil {
			i.err = err
		}
		i.in = nil
	}
	err := i.Err()
	i.provider.err.Set(err)
	i.provider.mu.Lock()
	i.provider.nActive--
	if i.provider.nActive < 0 {
		vlog.Fatalf("Negative active count for %+v", i.provider.Path)
	}
	i.provider.mu.Unlock()
	return err
}
