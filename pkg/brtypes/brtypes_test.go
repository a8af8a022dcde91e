package brtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInodeIdCompareAndStream(t *testing.T) {
	a := InodeId{Hi: 1, Lo: 64}
	b := InodeId{Hi: 1, Lo: 128}
	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))
	require.Zero(t, a.Compare(a))

	require.True(t, a.IsMainStream())
	alt := InodeId{Hi: 1, Lo: 65}
	require.False(t, alt.IsMainStream())
}

func TestInodeIdEncodeRoundTrip(t *testing.T) {
	id := InodeId{Hi: 0xdeadbeefcafebabe, Lo: 0x0102030405060708}
	buf := make([]byte, InodeIdSize)
	id.Encode(buf)
	require.Equal(t, id, DecodeInodeId(buf))
}

func TestDataExtentLocalRange(t *testing.T) {
	de := NewDataExtent(Extent{Offset: 10, Length: 4}, 100)
	require.Equal(t, uint64(104), de.GetLocalEnd())
	require.Equal(t, uint64(103), de.GetLocalLast())
	require.True(t, de.ContainsLocal(100))
	require.True(t, de.ContainsLocal(103))
	require.False(t, de.ContainsLocal(104))
	require.False(t, de.ContainsLocal(99))
	require.Equal(t, uint64(2), de.RelativizeLocal(102))

	buf := make([]byte, DataExtentSize)
	de.Encode(buf)
	require.Equal(t, de, DecodeDataExtent(buf))
}

func TestRootDescriptorLabelAndEncode(t *testing.T) {
	rd := NewRootDescriptor("main")
	rd.IntAddress = 7
	rd.AitAddress = 9
	require.Equal(t, "main", rd.GetLabel())

	buf := make([]byte, RootDescriptorSize)
	rd.Encode(buf)
	got := DecodeRootDescriptor(buf)
	require.True(t, got.Equal(rd))
	require.Equal(t, Address(7), got.IntAddress)
	require.Equal(t, Address(9), got.AitAddress)
}

func TestDirectoryEntryLabelAndEncode(t *testing.T) {
	id := InodeId{Hi: 1, Lo: 1024}
	de := NewDirectoryEntry("subdir", id)
	require.Equal(t, "subdir", de.GetLabel())

	buf := make([]byte, DirectoryEntrySize)
	de.Encode(buf)
	got := DecodeDirectoryEntry(buf)
	require.Equal(t, "subdir", got.GetLabel())
	require.Equal(t, id, got.InodeId)
}

func TestInodeHeaderEncodeRoundTrip(t *testing.T) {
	h := InodeHeader{
		Created:      Timestamp{Seconds: 100, Nanoseconds: 5},
		LastModified: Timestamp{Seconds: 200, Nanoseconds: 6},
		Owner:        1000,
		Group:        1000,
		NumLinks:     2,
		Type:         InodeTypeDirectory,
		Mode:         0o755,
		FileSize:     4096,
		Checksum:     0xabc,
	}
	h.SetFlag(InodeFlagNoSparse, true)

	buf := make([]byte, InodeHeaderSize)
	h.Encode(buf)
	got := DecodeInodeHeader(buf)
	require.Equal(t, h, got)
	require.True(t, got.TestFlag(InodeFlagNoSparse))
}
