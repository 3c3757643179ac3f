// Package readsource provides cursors over coordinate-sorted alignment
// records. A Source hands out independent read-only iterators over the same
// underlying data: forward scans in file order, and indexed re-scans of a
// single reference. Bundling consumes one forward scan; mate reconciliation
// and barcode sampling open additional cursors against the same source.
package readsource

import (
	"github.com/grailbio/hts/sam"
)

// Iterator iterates over sam.Records in the order of the underlying data.
// Thread compatible.
type Iterator interface {
	// Scan returns whether there are any records remaining in the iterator,
	// and if so, advances the iterator to the next record. If an error
	// occurs, Scan returns false and the error can be retrieved by calling
	// Err.
	//
	// REQUIRES: Close has not been called.
	Scan() bool

	// Record returns the current record. It must be called only after a
	// call to Scan returns true. The record remains valid after the
	// iterator advances; the caller must not modify it.
	//
	// REQUIRES: Close has not been called.
	Record() *sam.Record

	// Err returns the error encountered during iteration, or nil if no
	// error occurred. An io.EOF error is translated to nil.
	Err() error

	// Close must be called exactly once. It returns the value of Err().
	Close() error
}

// Source produces iterators over one coordinate-sorted set of alignment
// records. Iterators are independent: any number may be open at once, and
// advancing one never disturbs another. Thread safe.
type Source interface {
	// Header returns the header of the underlying data. The caller must not
	// modify the returned header.
	//
	// REQUIRES: Close has not been called.
	Header() (*sam.Header, error)

	// Reads returns an iterator over every record, in file order.
	//
	// REQUIRES: Close has not been called.
	Reads() Iterator

	// Fetch returns an iterator over the records aligned to ref, in
	// coordinate order. Records that are placed at a coordinate on ref but
	// flagged unmapped are included; unplaced records are not.
	//
	// REQUIRES: Close has not been called.
	Fetch(ref *sam.Reference) Iterator

	// Close must be called exactly once. It returns any error encountered
	// by the source, or by any iterator it created.
	//
	// REQUIRES: All the iterators created by the source have been closed.
	Close() error
}
