package bundle

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// NewRecord builds an alignment record for tests.
func NewRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference, cigar sam.Cigar) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MatePos = matePos
	r.MateRef = mateRef
	r.Flags = flags
	r.Cigar = cigar
	return r
}

// NewRecordMapQ builds a record with a mapping quality.
func NewRecordMapQ(name string, ref *sam.Reference, pos int, flags sam.Flags, cigar sam.Cigar, mapQ byte) *sam.Record {
	r := NewRecord(name, ref, pos, flags, 0, nil, cigar)
	r.MapQ = mapQ
	return r
}

// NewRecordAux builds a record carrying one aux field.
func NewRecordAux(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference,
	cigar sam.Cigar, aux sam.Aux) *sam.Record {
	r := NewRecord(name, ref, pos, flags, matePos, mateRef, cigar)
	r.AuxFields = append(r.AuxFields, aux)
	return r
}

// NewAux builds an aux field, panicking on invalid input.
func NewAux(name string, val interface{}) sam.Aux {
	aux, err := sam.NewAux(sam.NewTag(name), val)
	if err != nil {
		panic(fmt.Sprintf("error creating %s %v tag: %v", name, val, err))
	}
	return aux
}
