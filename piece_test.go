package torrent

import (
	"bytes"
	"testing"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/war1025/torrent/metainfo"
	pp "github.com/war1025/torrent/peer_protocol"
)

// 3 pieces of 40 bytes and a final piece of 10, in 16 byte blocks.
func testPieceInfo() (*metainfo.Info, []byte) {
	data := bytes.Repeat([]byte("abcdefghij"), 13)
	info := metainfo.InfoFromData("test", 40, data)
	return &info, data
}

func TestPieceResetOutOfRange(t *testing.T) {
	info, _ := testPieceInfo()
	p := newPiece(info, 16)
	for _, index := range []int{-1, info.NumPieces(), info.NumPieces() + 10} {
		err := p.reset(index)
		assert.ErrorIs(t, err, ErrPieceIndexOutOfRange, "index %d", index)
	}
	require.NoError(t, p.reset(info.NumPieces()-1))
	assert.Equal(t, info.NumPieces()-1, p.Index())
}

func TestPieceCompletesOnceAllBlocksSaved(t *testing.T) {
	info, data := testPieceInfo()
	p := newPiece(info, 16)
	require.NoError(t, p.reset(1))
	assert.EqualValues(t, 40, p.Length())
	assert.Equal(t, 3, p.NumBlocks())
	needed := p.NeededBlocks()
	qt.Assert(t, qt.DeepEquals(needed, []pp.RequestSpec{
		{Index: 1, Begin: 0, Length: 16},
		{Index: 1, Begin: 16, Length: 16},
		{Index: 1, Begin: 32, Length: 8},
	}))
	pieceData := data[40:80]
	for i, rs := range needed {
		assert.False(t, p.Complete())
		saved, err := p.SaveBlock(int64(rs.Begin), pieceData[rs.Begin:rs.Begin+rs.Length])
		require.NoError(t, err)
		assert.True(t, saved, "block %d", i)
	}
	assert.True(t, p.Complete())
	assert.Empty(t, p.NeededBlocks())
	assert.Equal(t, pieceData, p.Data())
}

func TestPieceSaveBlockIdempotent(t *testing.T) {
	info, data := testPieceInfo()
	p := newPiece(info, 16)
	require.NoError(t, p.reset(0))
	saved, err := p.SaveBlock(16, data[16:32])
	require.NoError(t, err)
	assert.True(t, saved)
	// A second save of the same block is a no-op, even with different bytes.
	saved, err = p.SaveBlock(16, make([]byte, 16))
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, data[16:32], p.Data()[16:32])
	assert.Len(t, p.NeededBlocks(), 2)
}

func TestPieceSaveBlockRejectsMisfits(t *testing.T) {
	info, _ := testPieceInfo()
	p := newPiece(info, 16)
	require.NoError(t, p.reset(3))
	assert.EqualValues(t, 10, p.Length())
	_, err := p.SaveBlock(3, make([]byte, 7))
	assert.Error(t, err)
	_, err = p.SaveBlock(0, make([]byte, 16))
	assert.Error(t, err)
	_, err = p.SaveBlock(16, make([]byte, 16))
	assert.Error(t, err)
	saved, err := p.SaveBlock(0, make([]byte, 10))
	require.NoError(t, err)
	assert.True(t, saved)
	assert.True(t, p.Complete())
}

func TestPieceResetForgetsBlocks(t *testing.T) {
	info, data := testPieceInfo()
	p := newPiece(info, 16)
	require.NoError(t, p.reset(3))
	_, err := p.SaveBlock(0, data[120:130])
	require.NoError(t, err)
	require.True(t, p.Complete())
	require.NoError(t, p.reset(0))
	assert.False(t, p.Complete())
	assert.Len(t, p.NeededBlocks(), 3)
}
