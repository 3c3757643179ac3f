package readsource

import (
	"github.com/grailbio/hts/sam"
)

// fakeSource is only for unittests. It yields the given records.
type fakeSource struct {
	header *sam.Header
	recs   []*sam.Record
}

type fakeIterator struct {
	recs []*sam.Record
	rec  *sam.Record
}

// NewFakeSource creates a Source that returns "header" in response to a
// Header call, recs in response to Reads, and the records of one reference
// in response to Fetch.
func NewFakeSource(header *sam.Header, recs []*sam.Record) Source {
	return &fakeSource{header, recs}
}

// Header implements the Source interface. It returns the header passed to
// the constructor.
func (b *fakeSource) Header() (*sam.Header, error) {
	return b.header, nil
}

// Close implements the Source interface.
func (b *fakeSource) Close() error {
	return nil
}

// Reads implements the Source interface.
func (b *fakeSource) Reads() Iterator {
	return &fakeIterator{recs: b.recs}
}

// Fetch implements the Source interface.
func (b *fakeSource) Fetch(ref *sam.Reference) Iterator {
	var recs []*sam.Record
	for _, r := range b.recs {
		if r.Ref != nil && r.Ref.ID() == ref.ID() {
			recs = append(recs, r)
		}
	}
	return &fakeIterator{recs: recs}
}

// Err implements the Iterator interface.
func (i *fakeIterator) Err() error {
	return nil
}

// Close implements the Iterator interface.
func (i *fakeIterator) Close() error {
	return nil
}

func (i *fakeIterator) Scan() bool {
	if len(i.recs) == 0 {
		return false
	}
	i.rec = i.recs[0]
	i.recs = i.recs[1:]
	return true
}

func (i *fakeIterator) Record() *sam.Record {
	// Return a copy so that the code under test cannot alter the
	// original test input data.
	copy := sam.GetFromFreePool()
	*copy = *i.rec
	return copy
}
