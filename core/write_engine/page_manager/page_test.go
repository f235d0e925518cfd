package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPage_PinAndReset(t *testing.T) {
	p := NewPage(InvalidPageID, PageSize)
	assert.Len(t, p.GetData(), PageSize)

	p.SetPageID(3)
	p.Pin()
	p.Pin()
	p.SetDirty(true)
	p.SetLSN(42)
	copy(p.GetData(), "payload")
	assert.Equal(t, uint32(2), p.GetPinCount())

	p.Unpin()
	p.Unpin()
	p.Unpin()
	assert.Zero(t, p.GetPinCount())

	p.Reset()
	assert.Equal(t, InvalidPageID, p.GetPageID())
	assert.False(t, p.IsDirty())
	assert.Equal(t, InvalidLSN, p.GetLSN())
	assert.Equal(t, make([]byte, PageSize), p.GetData())
}
