package sorter

import (
	"github.com/grailbio/base/errors"
	"github.com/tracenet/flowkit/fieldspec"
)

// comparator orders node slabs lexicographically over the compiled field
// list. Reverse negates each field's sign individually, so ties still fall
// through to the next field. Keyed-field callback failures are reported
// through errp; the comparison degrades to equality so in-flight sort calls
// can unwind, and the sort aborts at the next error check.
type comparator struct {
	key     *fieldspec.KeySpec
	reverse bool
	errp    *errors.Once
}

func newComparator(key *fieldspec.KeySpec, reverse bool, errp *errors.Once) *comparator {
	return &comparator{key: key, reverse: reverse, errp: errp}
}

// compare returns -1, 0, or 1 as a orders before, with, or after b.
func (c *comparator) compare(a, b []byte) int {
	for i := range c.key.Fields {
		r, err := c.key.Fields[i].CompareNodes(a, b, c.key.IPv4Only)
		if err != nil {
			c.errp.Set(errors.E(err, "key comparison failed"))
			return 0
		}
		if c.reverse {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	return 0
}
