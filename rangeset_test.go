package flowmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_RangeSet_AddMerges(t *testing.T) {
	var rs rangeSet
	assert.True(t, rs.empty())
	rs.add(10, 20)
	rs.add(30, 40)
	assert.Equal(t, "[10,20)[30,40)", rs.String())
	// adjacent ranges merge
	rs.add(20, 30)
	assert.Equal(t, "[10,40)", rs.String())
	// overlapping both ends
	rs.add(5, 45)
	assert.Equal(t, "[5,45)", rs.String())
	// contained add is a no-op
	rs.add(10, 20)
	assert.Equal(t, "[5,45)", rs.String())
	assert.Equal(t, int64(40), rs.size())
	// empty interval is ignored
	rs.add(50, 50)
	assert.Equal(t, "[5,45)", rs.String())
}

func Test_RangeSet_AddBridgesSeveral(t *testing.T) {
	var rs rangeSet
	rs.add(0, 5)
	rs.add(10, 15)
	rs.add(20, 25)
	rs.add(30, 35)
	rs.add(4, 21)
	assert.Equal(t, "[0,25)[30,35)", rs.String())
}

func Test_RangeSet_AddOutOfOrder(t *testing.T) {
	var rs rangeSet
	rs.add(30, 40)
	rs.add(0, 10)
	rs.add(15, 20)
	assert.Equal(t, "[0,10)[15,20)[30,40)", rs.String())
}

func Test_RangeSet_RemoveSplits(t *testing.T) {
	var rs rangeSet
	rs.add(0, 100)
	rs.remove(40, 60)
	assert.Equal(t, "[0,40)[60,100)", rs.String())
	rs.remove(0, 40)
	assert.Equal(t, "[60,100)", rs.String())
	// removing more than present clamps to the overlap
	rs.remove(50, 200)
	assert.True(t, rs.empty())
	rs.remove(0, 10)
	assert.True(t, rs.empty())
}

func Test_RangeSet_RemoveAcrossRanges(t *testing.T) {
	var rs rangeSet
	rs.add(0, 10)
	rs.add(20, 30)
	rs.add(40, 50)
	rs.remove(5, 45)
	assert.Equal(t, "[0,5)[45,50)", rs.String())
	assert.Equal(t, int64(10), rs.size())
}

func Test_RangeSet_Overlap(t *testing.T) {
	var rs rangeSet
	rs.add(0, 10)
	rs.add(20, 30)
	hits := rs.overlap(5, 25)
	assert.Equal(t, []byteRange{{5, 10}, {20, 25}}, hits)
	assert.Nil(t, rs.overlap(10, 20))
	// overlap does not mutate
	assert.Equal(t, "[0,10)[20,30)", rs.String())
}

func Test_RangeSet_PopFront(t *testing.T) {
	var rs rangeSet
	rs.add(10, 20)
	rs.add(30, 40)
	r := rs.popFront(4)
	assert.Equal(t, byteRange{10, 14}, r)
	assert.Equal(t, "[14,20)[30,40)", rs.String())
	r = rs.popFront(100)
	assert.Equal(t, byteRange{14, 20}, r)
	assert.Equal(t, "[30,40)", rs.String())
	r = rs.popFront(0)
	assert.Equal(t, int64(0), r.size())
	rs.popFront(10)
	r = rs.popFront(10)
	assert.True(t, rs.empty())
	assert.Equal(t, int64(0), r.size())
}

func Test_RangeSet_First(t *testing.T) {
	var rs rangeSet
	_, ok := rs.first()
	assert.False(t, ok)
	rs.add(10, 20)
	rs.add(0, 5)
	r, ok := rs.first()
	assert.True(t, ok)
	assert.Equal(t, byteRange{0, 5}, r)
	assert.Equal(t, int64(15), rs.size())
}
