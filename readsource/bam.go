package readsource

import (
	"io"
	"sync"

	"github.com/grailbio/base/errorreporter"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
)

// BAMSource implements Source for BAM files. Both the BAM and the index
// filenames are allowed to be S3 URLs, in which case the data will be read
// from S3. Otherwise the data will be read from the local filesystem.
//
// The index is opened lazily, on the first Fetch call; a source used only
// through Reads never requires one.
type BAMSource struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	// Index is the pathname of the *.bam.bai file. If "", Path + ".bai".
	Index string
	err   errorreporter.T

	mu        sync.Mutex
	nActive   int
	freeIters []*bamIterator
	header    *sam.Header
	index     *bam.Index
}

type bamIterator struct {
	src    *BAMSource
	in     file.File
	reader *bam.Reader
	// Offset of the first record in the file.
	firstRecord bgzf.Offset

	// ref is the reference being fetched, or nil for a file-order scan.
	ref    *sam.Reference
	active bool
	err    error
	next   *sam.Record
}

func (b *BAMSource) indexPath() string {
	index := b.Index
	if index == "" {
		index = b.Path + ".bai"
	}
	return index
}

// Header implements the Source interface.
func (b *BAMSource) Header() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header != nil {
		return b.header, nil
	}

	ctx := vcontext.Background()
	in, err := file.Open(ctx, b.Path)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer in.Close(ctx)
	bamReader, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer bamReader.Close()
	b.header = bamReader.Header()
	return b.header, nil
}

// readIndex returns the BAM index, reading it on first use.
func (b *BAMSource) readIndex() (*bam.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil {
		return b.index, nil
	}
	ctx := vcontext.Background()
	indexIn, err := file.Open(ctx, b.indexPath())
	if err != nil {
		return nil, err
	}
	defer indexIn.Close(ctx)
	if b.index, err = bam.ReadIndex(indexIn.Reader(ctx)); err != nil {
		b.index = nil
		return nil, err
	}
	return b.index, nil
}

// Close implements the Source interface.
func (b *BAMSource) Close() error {
	if b.nActive > 0 {
		log.Panicf("%d iterators still active for %+v", b.nActive, b)
	}
	for _, iter := range b.freeIters {
		iter.internalClose()
	}
	b.freeIters = nil
	return b.err.Err()
}

func (b *BAMSource) freeIterator(i *bamIterator) {
	if !i.active {
		log.Panic(i)
	}
	i.active = false
	if i.Err() != nil {
		// The iter may be invalid. Don't reuse it.
		i.internalClose() // Will set b.err
		i = nil
	}
	b.mu.Lock()
	if i != nil {
		b.freeIters = append(b.freeIters, i)
	}
	b.nActive--
	if b.nActive < 0 {
		log.Panicf("negative active count for %+v", b)
	}
	b.mu.Unlock()
}

// Return an unused iterator. If b.freeIters is nonempty, this function
// returns one from freeIters. Else, it opens the BAM file, creates a BAM
// reader and returns an iterator containing them. On error, returns an
// iterator with non-nil err field.
func (b *BAMSource) allocateIterator() *bamIterator {
	b.mu.Lock()
	b.nActive++
	if len(b.freeIters) > 0 {
		iter := b.freeIters[len(b.freeIters)-1]
		iter.active = true
		iter.err = nil
		iter.next = nil
		iter.ref = nil
		b.freeIters = b.freeIters[:len(b.freeIters)-1]
		b.mu.Unlock()
		return iter
	}
	b.mu.Unlock()

	iter := bamIterator{
		src:    b,
		active: true,
	}
	ctx := vcontext.Background()
	if iter.in, iter.err = file.Open(ctx, b.Path); iter.err != nil {
		return &iter
	}
	if iter.reader, iter.err = bam.NewReader(iter.in.Reader(ctx), 1); iter.err != nil {
		return &iter
	}
	iter.firstRecord = iter.reader.LastChunk().End
	return &iter
}

// Reads implements the Source interface.
func (b *BAMSource) Reads() Iterator {
	iter := b.allocateIterator()
	if iter.err != nil {
		return iter
	}
	iter.err = iter.reader.Seek(iter.firstRecord)
	return iter
}

// Fetch implements the Source interface.
func (b *BAMSource) Fetch(ref *sam.Reference) Iterator {
	iter := b.allocateIterator()
	if iter.err != nil {
		return iter
	}
	idx, err := b.readIndex()
	if err != nil {
		iter.err = err
		return iter
	}
	iter.ref = ref
	chunks, err := idx.Chunks(ref, 0, ref.Len())
	if err == index.ErrInvalid || len(chunks) == 0 {
		// No reads on this reference.
		iter.err = io.EOF
		return iter
	}
	if err != nil {
		iter.err = err
		return iter
	}
	iter.err = iter.reader.Seek(chunks[0].Begin)
	return iter
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
	err := i.Err()
	i.src.freeIterator(i)
	return err
}

func (i *bamIterator) Scan() bool {
	if !i.active {
		log.Panic("reusing a closed iterator")
	}
	if i.err != nil {
		return false
	}
	for {
		i.next, i.err = i.reader.Read()
		if i.err != nil {
			return false
		}
		if i.ref == nil {
			return true
		}
		// The first chunk of a reference may start mid-way through the
		// previous one; skip until the target reference, and stop at the
		// first record past it. Unplaced records sort after every
		// reference.
		id := i.next.Ref.ID()
		if id == -1 || id > i.ref.ID() {
			i.err = io.EOF
			return false
		}
		if id < i.ref.ID() {
			continue
		}
		return true
	}
}

func (i *bamIterator) Record() *sam.Record {
	return i.next
}

func (i *bamIterator) internalClose() {
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
	i.src.err.Set(i.Err())
}
