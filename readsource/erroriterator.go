package readsource

import (
	"github.com/grailbio/hts/sam"
)

// errorIterator is only for unittests. It yields the given records and
// then fails instead of reaching a clean end of stream, the way a
// truncated input does.
type errorIterator struct {
	recs []*sam.Record
	rec  *sam.Record
	err  error
}

// NewErrorIterator creates an Iterator that yields recs and then returns
// "err" in Err and Close.
func NewErrorIterator(recs []*sam.Record, err error) Iterator {
	return &errorIterator{recs: recs, err: err}
}

// Err implements the Iterator interface.
func (i *errorIterator) Err() error {
	return i.err
}

// Close implements the Iterator interface.
func (i *errorIterator) Close() error {
	return i.err
}

func (i *errorIterator) Scan() bool {
	if len(i.recs) == 0 {
		return false
	}
	i.rec = i.recs[0]
	i.recs = i.recs[1:]
	return true
}

func (i *errorIterator) Record() *sam.Record {
	// Return a copy so that the code under test cannot alter the
	// original test input data.
	copy := sam.GetFromFreePool()
	*copy = *i.rec
	return copy
}
