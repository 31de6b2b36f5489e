package tasktable_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/tasksh/tasksh/internals/tasktable"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&TableSuite{})

type TableSuite struct{}

func (TableSuite) TestAllocateIsDenseAndIncreasing(c *C) {
	tbl := tasktable.New(4, 512)
	for want := 0; want < 4; want++ {
		got, slot, err := tbl.Allocate()
		c.Assert(err, IsNil)
		c.Check(got, Equals, want)
		c.Check(slot.Started(), Equals, true)
	}
	_, _, err := tbl.Allocate()
	c.Check(err, NotNil)
}

func (TableSuite) TestNeverStartedSlotIsZeroed(c *C) {
	tbl := tasktable.New(4, 512)
	slot, ok := tbl.Slot(2)
	c.Assert(ok, Equals, true)
	c.Check(slot.Started(), Equals, false)
	c.Check(slot.Out.Get(), Equals, "")
	c.Check(slot.Err.Get(), Equals, "")
}

func (TableSuite) TestOutOfRangeSlot(c *C) {
	tbl := tasktable.New(4, 512)
	_, ok := tbl.Slot(99)
	c.Check(ok, Equals, false)
}

func (TableSuite) TestJoinWaitsForBothReaders(c *C) {
	tbl := tasktable.New(1, 512)
	_, slot, err := tbl.Allocate()
	c.Assert(err, IsNil)
	slot.RecordChild(1234)

	done := make(chan struct{})
	go func() {
		slot.Join()
		close(done)
	}()

	select {
	case <-done:
		c.Fatal("Join returned before either reader finished")
	default:
	}

	slot.ReaderDone()
	select {
	case <-done:
		c.Fatal("Join returned before both readers finished")
	default:
	}

	slot.ReaderDone()
	<-done
}
