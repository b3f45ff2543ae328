package blocklog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, dir
}

func TestAppendAndReadByNum(t *testing.T) {
	l, _ := openTestLog(t)

	n1, err := l.Append([]byte("block one"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), n1)

	n2, err := l.Append([]byte("block two"))
	require.NoError(t, err)
	require.Equal(t, uint32(2), n2)

	require.Equal(t, uint32(2), l.HeadBlockNum())

	v, err := l.ReadByNum(1)
	require.NoError(t, err)
	require.Equal(t, []byte("block one"), v)

	v, err = l.ReadByNum(2)
	require.NoError(t, err)
	require.Equal(t, []byte("block two"), v)

	_, err = l.ReadByNum(3)
	require.Error(t, err)
}

func TestResetToGenesisClearsLog(t *testing.T) {
	l, _ := openTestLog(t)

	_, err := l.Append([]byte("block one"))
	require.NoError(t, err)

	require.NoError(t, l.ResetToGenesis(1))
	require.Equal(t, uint32(0), l.HeadBlockNum())

	n, err := l.Append([]byte("new genesis"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)

	v, err := l.ReadByNum(1)
	require.NoError(t, err)
	require.Equal(t, []byte("new genesis"), v)
}

// TestOpenTruncatesCorruptedTail simulates a crash mid-append: an index
// entry was appended pointing at a data record whose declared length runs
// past the actual (un-synced) data file size. Re-opening the log must drop
// that entry rather than surface a corrupted read later.
func TestOpenTruncatesCorruptedTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 1)
	require.NoError(t, err)

	_, err = l.Append([]byte("good block"))
	require.NoError(t, err)
	goodSize := fileSize(t, filepath.Join(dir, "blocks.log"))

	// Hand-craft a dangling record: a length prefix claiming more bytes
	// than actually follow it, plus an index entry pointing at it.
	f, err := os.OpenFile(filepath.Join(dir, "blocks.log"), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 100}, goodSize) // claims a 100-byte record
	require.NoError(t, err)
	require.NoError(t, f.Close())

	idxF, err := os.OpenFile(filepath.Join(dir, "blocks.index"), os.O_RDWR, 0644)
	require.NoError(t, err)
	var offBuf [8]byte
	offBuf[7] = byte(goodSize) // only valid while goodSize < 256, true here
	_, err = idxF.WriteAt(offBuf[:], 8)
	require.NoError(t, err)
	require.NoError(t, idxF.Close())

	require.NoError(t, l.Close())

	reopened, err := Open(dir, 1)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint32(1), reopened.HeadBlockNum())
	v, err := reopened.ReadByNum(1)
	require.NoError(t, err)
	require.Equal(t, []byte("good block"), v)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}
