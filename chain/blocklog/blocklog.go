// Package blocklog is the append-only block log: every irreversible block
// in canonical order, plus a fixed-width offset index for O(1) lookup by
// block number. A gofrs/flock lock file enforces single-writer discipline
// across process restarts.
package blocklog

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/log"
)

// rotateThreshold is the size above which a fresh log segment would be
// started by an operator running log rotation out of band; this package
// only tracks it for the size-based warning log line, not automatic
// rotation (out of scope for the core, which always appends to one file).
var rotateThreshold = 4 * datasize.GB

// Log is an append-only, length-prefixed record log with a parallel
// fixed-width index file mapping block_num -> byte offset.
type Log struct {
	mu        sync.Mutex
	dataFile  *os.File
	indexFile *os.File
	lock      *flock.Flock
	firstNum  uint32
	nextNum   uint32
}

// Open opens (creating if absent) blocks.log and blocks.index under dir,
// acquiring an exclusive process-wide lock so two node processes can never
// append to the same log concurrently.
func Open(dir string, firstNum uint32) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create block log dir %s", dir)
	}

	lock := flock.New(filepath.Join(dir, "blocks.log.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquire block log lock")
	}
	if !locked {
		return nil, errors.New("block log is already open by another process")
	}

	dataFile, err := os.OpenFile(filepath.Join(dir, "blocks.log"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lock.Unlock()
		return nil, errors.Wrap(err, "open blocks.log")
	}
	indexFile, err := os.OpenFile(filepath.Join(dir, "blocks.index"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		dataFile.Close()
		lock.Unlock()
		return nil, errors.Wrap(err, "open blocks.index")
	}

	if err := truncateCorruptedTail(dataFile, indexFile); err != nil {
		dataFile.Close()
		indexFile.Close()
		lock.Unlock()
		return nil, errors.Wrap(err, "truncate corrupted block log tail")
	}

	fi, err := indexFile.Stat()
	if err != nil {
		return nil, err
	}
	nextNum := firstNum + uint32(fi.Size()/8)

	l := &Log{dataFile: dataFile, indexFile: indexFile, lock: lock, firstNum: firstNum, nextNum: nextNum}
	return l, nil
}

// truncateCorruptedTail drops any index entries (and the data bytes past
// the last entry they describe) left behind by a process that crashed
// mid-append: a length prefix written without its full record body, or an
// index entry appended without its matching data having been fsynced.
// Matches spec.md's "corrupted tails are truncated on open with a warning".
func truncateCorruptedTail(dataFile, indexFile *os.File) error {
	ifi, err := indexFile.Stat()
	if err != nil {
		return err
	}
	idxSize := ifi.Size()
	// A partial trailing index entry (not a full 8 bytes) is itself
	// corruption; drop it before validating the entries that remain.
	if rem := idxSize % 8; rem != 0 {
		idxSize -= rem
		if err := indexFile.Truncate(idxSize); err != nil {
			return err
		}
	}
	entries := idxSize / 8

	dfi, err := dataFile.Stat()
	if err != nil {
		return err
	}
	dataSize := dfi.Size()

	for entries > 0 {
		var offBuf [8]byte
		if _, err := indexFile.ReadAt(offBuf[:], (entries-1)*8); err != nil {
			return err
		}
		off := int64(binary.BigEndian.Uint64(offBuf[:]))

		var lenBuf [4]byte
		if off+4 > dataSize {
			entries--
			continue
		}
		if _, err := dataFile.ReadAt(lenBuf[:], off); err != nil {
			return err
		}
		recLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
		if off+4+recLen > dataSize {
			entries--
			continue
		}
		break
	}

	if entries*8 != ifi.Size() {
		log.Warn("truncating corrupted block log tail", "kept_entries", entries, "index_bytes", ifi.Size())
	}
	if entries*8 != idxSize {
		if err := indexFile.Truncate(entries * 8); err != nil {
			return err
		}
	}
	if entries == 0 {
		return dataFile.Truncate(0)
	}
	var offBuf [8]byte
	if _, err := indexFile.ReadAt(offBuf[:], (entries-1)*8); err != nil {
		return err
	}
	off := int64(binary.BigEndian.Uint64(offBuf[:]))
	var lenBuf [4]byte
	if _, err := dataFile.ReadAt(lenBuf[:], off); err != nil {
		return err
	}
	recLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
	return dataFile.Truncate(off + 4 + recLen)
}

// ResetToGenesis discards the current log contents and installs a fresh,
// empty log whose first block number is genesisNum, matching
// block_log::reset_to_genesis.
func (l *Log) ResetToGenesis(genesisNum uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.dataFile.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate blocks.log")
	}
	if _, err := l.dataFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := l.indexFile.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate blocks.index")
	}
	if _, err := l.indexFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	l.firstNum = genesisNum
	l.nextNum = genesisNum
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err1 := l.dataFile.Close()
	err2 := l.indexFile.Close()
	err3 := l.lock.Unlock()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

// Append writes a new record to the end of the log, indexing it under the
// next sequential block number, and returns that block number. raw is the
// caller's encoding of the block, stored as given.
func (l *Log) Append(raw []byte) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	off, err := l.dataFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "seek block log")
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	w := bufio.NewWriter(l.dataFile)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(raw); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush block log")
	}
	if err := l.dataFile.Sync(); err != nil {
		return 0, errors.Wrap(err, "fsync block log")
	}

	var offBuf [8]byte
	binary.BigEndian.PutUint64(offBuf[:], uint64(off))
	if _, err := l.indexFile.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}
	if _, err := l.indexFile.Write(offBuf[:]); err != nil {
		return 0, errors.Wrap(err, "append block log index")
	}

	num := l.nextNum
	l.nextNum++

	if sz, _ := l.dataFile.Seek(0, io.SeekEnd); datasize.ByteSize(sz) > rotateThreshold {
		// Rotation is an operational concern handled outside the core; we
		// only surface that the threshold was crossed.
		log.Warn("block log exceeds rotation threshold", "size", datasize.ByteSize(sz), "threshold", rotateThreshold)
	}
	return num, nil
}

// ReadByNum returns the raw record stored for blockNum.
func (l *Log) ReadByNum(blockNum uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if blockNum < l.firstNum || blockNum >= l.nextNum {
		return nil, errors.Errorf("block %d not present in log (have [%d,%d))", blockNum, l.firstNum, l.nextNum)
	}
	idx := blockNum - l.firstNum

	var offBuf [8]byte
	if _, err := l.indexFile.ReadAt(offBuf[:], int64(idx)*8); err != nil {
		return nil, errors.Wrap(err, "read block log index")
	}
	off := int64(binary.BigEndian.Uint64(offBuf[:]))

	var lenBuf [4]byte
	if _, err := l.dataFile.ReadAt(lenBuf[:], off); err != nil {
		return nil, errors.Wrap(err, "read block log record length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])

	buf := make([]byte, n)
	if _, err := l.dataFile.ReadAt(buf, off+4); err != nil {
		return nil, errors.Wrap(err, "read block log record")
	}
	return buf, nil
}

// HeadBlockNum returns the block number of the most recently appended
// block, or firstNum-1 if the log is empty.
func (l *Log) HeadBlockNum() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextNum == l.firstNum {
		return l.firstNum - 1
	}
	return l.nextNum - 1
}

// compressionGuard bounds zlib-decompressed record sizes the same way
// PackedTransaction bounds transaction decompression, reused here so any
// zlib-compressed block-log record format variant inherits the same zip
// bomb protection.
func compressionGuard(r io.Reader, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "open zlib reader")
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, limit))
}
