package changelog

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// On disk a record is stored as a frame:
//
//	uvarint payload length | payload | CRC-32C of the payload (4 bytes, LE)
//
// The payload bytes come from RecordParser.EncodeRecord. A frame that cannot
// be read whole, or whose checksum does not match, ends the readable portion
// of the file: everything before it stays available, which is what makes a
// torn tail write after a crash recoverable.

const (
	frameChecksumLen = 4
	frameReadChunk   = 4096

	// maxFramePayload bounds a single record payload. A length prefix
	// above it is treated as corruption rather than an allocation request.
	maxFramePayload = 1 << 30
)

var frameCRCTable = crc32.MakeTable(crc32.Castagnoli)

// errNoFrame reports that no complete, valid frame starts at the requested
// offset. It is an internal end-of-data marker, not a caller-visible error.
var errNoFrame = errors.New("no frame at offset")

func appendFrame(dst, payload []byte) []byte {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(payload)))
	dst = append(dst, hdr[:n]...)
	dst = append(dst, payload...)
	var sum [frameChecksumLen]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.Checksum(payload, frameCRCTable))
	return append(dst, sum[:]...)
}

// readFrameAt reads the frame starting at off. buf is scratch space reused
// across calls; a bigger buffer is allocated when a frame outgrows it. It
// returns the payload and the total frame length, or errNoFrame when the
// bytes at off do not form a complete valid frame.
func readFrameAt(r io.ReaderAt, off int64, buf []byte) (payload []byte, frameLen int64, err error) {
	if len(buf) < frameReadChunk {
		buf = make([]byte, frameReadChunk)
	}
	n, err := r.ReadAt(buf, off)
	if n == 0 {
		if err == io.EOF {
			return nil, 0, errNoFrame
		}
		return nil, 0, errors.Wrap(err, "read frame header")
	}
	if err != nil && err != io.EOF {
		return nil, 0, errors.Wrap(err, "read frame header")
	}

	size, hdrLen := binary.Uvarint(buf[:n])
	if hdrLen <= 0 || size > maxFramePayload {
		return nil, 0, errNoFrame
	}
	total := int64(hdrLen) + int64(size) + frameChecksumLen

	data := buf
	if total > int64(n) {
		// The frame extends past the first read; fetch it whole.
		data = make([]byte, total)
		m, err := r.ReadAt(data, off)
		if int64(m) < total {
			return nil, 0, errNoFrame
		}
		if err != nil && err != io.EOF {
			return nil, 0, errors.Wrap(err, "read frame body")
		}
	}

	payload = data[hdrLen : int64(hdrLen)+int64(size)]
	want := binary.LittleEndian.Uint32(data[int64(hdrLen)+int64(size) : total])
	if crc32.Checksum(payload, frameCRCTable) != want {
		return nil, 0, errNoFrame
	}
	return payload, total, nil
}

// logFile is a single append-only file of frames in ascending key order.
// It is either the appendable head or an immutable rotated file; the Log
// that owns it serializes all access.
type logFile[K, V any] struct {
	path     string
	parser   RecordParser[K, V]
	writable bool

	fd *os.File // append handle; nil for read-only files

	size   int64 // end of the last valid frame
	count  int64
	oldest *Record[K, V]
	newest *Record[K, V]
}

// openAppendableLogFile opens or creates path for appending, scanning any
// existing frames to recover size, count and key bounds.
func openAppendableLogFile[K, V any](path string, parser RecordParser[K, V], mode os.FileMode) (*logFile[K, V], error) {
	fd, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, mode)
	if err != nil {
		return nil, errors.Wrap(err, "open appendable log file")
	}
	lf := &logFile[K, V]{
		path:     path,
		parser:   parser,
		writable: true,
		fd:       fd,
	}
	if err := lf.scan(); err != nil {
		fd.Close()
		return nil, err
	}
	// A torn frame left by a crash would otherwise sit between the last
	// good record and anything appended from now on.
	if fi, err := fd.Stat(); err == nil && fi.Size() > lf.size {
		if err := fd.Truncate(lf.size); err != nil {
			fd.Close()
			return nil, errors.Wrapf(err, "drop torn tail of %s", path)
		}
	}
	return lf, nil
}

// openReadOnlyLogFile opens path for reading only, scanning its frames to
// recover size, count and key bounds.
func openReadOnlyLogFile[K, V any](path string, parser RecordParser[K, V]) (*logFile[K, V], error) {
	lf := &logFile[K, V]{
		path:   path,
		parser: parser,
	}
	if err := lf.scan(); err != nil {
		return nil, err
	}
	return lf, nil
}

// scan walks the file from the start, recording the number of records, the
// first and last record, and the offset at which valid data ends.
func (lf *logFile[K, V]) scan() error {
	fd, err := os.Open(lf.path)
	if err != nil {
		return errors.Wrap(err, "open log file for scan")
	}
	defer fd.Close()

	buf := make([]byte, frameReadChunk)
	var off int64
	for {
		payload, n, err := readFrameAt(fd, off, buf)
		if err == errNoFrame {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "scan %s", lf.path)
		}
		rec, err := lf.parser.DecodeRecord(payload)
		if err != nil {
			return errors.Wrapf(err, "decode record at offset %d in %s", off, lf.path)
		}
		if lf.oldest == nil {
			first := rec
			lf.oldest = &first
		}
		last := rec
		lf.newest = &last
		lf.count++
		off += n
	}
	lf.size = off
	return nil
}

// append writes the record to the end of the file. The in-memory accounting
// is updated only after the whole frame hit the file, so a failed write
// leaves the logical view at the last good record.
func (lf *logFile[K, V]) append(rec Record[K, V]) error {
	if !lf.writable {
		return errors.Errorf("log file %s is read-only", lf.path)
	}
	payload, err := lf.parser.EncodeRecord(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	frame := appendFrame(nil, payload)
	if _, err := lf.fd.Write(frame); err != nil {
		return errors.Wrapf(err, "append to %s", lf.path)
	}
	lf.size += int64(len(frame))
	lf.count++
	r := rec
	lf.newest = &r
	if lf.oldest == nil {
		lf.oldest = &r
	}
	return nil
}

func (lf *logFile[K, V]) sizeInBytes() int64 { return lf.size }

func (lf *logFile[K, V]) numRecords() int64 { return lf.count }

func (lf *logFile[K, V]) oldestRecord() *Record[K, V] { return lf.oldest }

func (lf *logFile[K, V]) newestRecord() *Record[K, V] { return lf.newest }

// sync forces written frames to stable storage. It is a no-op for read-only
// files.
func (lf *logFile[K, V]) sync() error {
	if lf.fd == nil {
		return nil
	}
	return errors.Wrapf(lf.fd.Sync(), "sync %s", lf.path)
}

func (lf *logFile[K, V]) close() error {
	if lf.fd == nil {
		return nil
	}
	err := lf.fd.Close()
	lf.fd = nil
	return errors.Wrapf(err, "close %s", lf.path)
}

// delete removes the underlying file. The logFile must already be closed.
func (lf *logFile[K, V]) delete() error {
	return errors.Wrapf(os.Remove(lf.path), "delete %s", lf.path)
}

// cursor returns a fileCursor positioned on the first record, or on nothing
// if the file is empty.
func (lf *logFile[K, V]) cursor() (*fileCursor[K, V], error) {
	fc, err := newFileCursor(lf)
	if err != nil {
		return nil, err
	}
	if _, err := fc.next(); err != nil {
		fc.close()
		return nil, err
	}
	return fc, nil
}

// cursorAt returns a fileCursor that already points at rec, with the next
// read at byte offset pos. It is the rotation hand-off primitive: the bytes
// of a renamed head are unchanged, so a cursor's position carries over.
func (lf *logFile[K, V]) cursorAt(rec *Record[K, V], pos int64) (*fileCursor[K, V], error) {
	fc, err := newFileCursor(lf)
	if err != nil {
		return nil, err
	}
	fc.cur = rec
	fc.pos = pos
	return fc, nil
}

// fileCursor is a forward cursor over the frames of one logFile. It holds
// its own read descriptor, so it keeps working when the file it reads is
// renamed during rotation.
type fileCursor[K, V any] struct {
	file *logFile[K, V]
	fd   *os.File

	pos int64 // offset of the next read
	cur *Record[K, V]

	buf []byte
}

func newFileCursor[K, V any](lf *logFile[K, V]) (*fileCursor[K, V], error) {
	fd, err := os.Open(lf.path)
	if err != nil {
		return nil, errors.Wrapf(err, "open cursor on %s", lf.path)
	}
	return &fileCursor[K, V]{
		file: lf,
		fd:   fd,
		buf:  make([]byte, frameReadChunk),
	}, nil
}

// record returns the record the cursor points at, or nil if it points at
// nothing (empty file, or positioned past the last record).
func (fc *fileCursor[K, V]) record() *Record[K, V] { return fc.cur }

// position returns the byte offset of the next read.
func (fc *fileCursor[K, V]) position() int64 { return fc.pos }

// next advances to the following record. It returns false, with the current
// record unchanged, when there is no complete frame at the read position;
// a later call can succeed once more data has been appended.
func (fc *fileCursor[K, V]) next() (bool, error) {
	payload, n, err := readFrameAt(fc.fd, fc.pos, fc.buf)
	if err == errNoFrame {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec, err := fc.file.parser.DecodeRecord(payload)
	if err != nil {
		return false, errors.Wrapf(err, "decode record at offset %d in %s", fc.pos, fc.file.path)
	}
	fc.cur = &rec
	fc.pos += n
	return true, nil
}

// positionTo scans from the start of the file for key.
//
// With findNearest false it positions on the exact key and reports whether
// it was found. With findNearest true it positions on the lowest key
// strictly greater than key; if every record's key is less than or equal to
// key, it reports true while pointing at nothing, which the log-level cursor
// resolves by stepping into the next file.
func (fc *fileCursor[K, V]) positionTo(key K, findNearest bool) (bool, error) {
	fc.pos = 0
	fc.cur = nil
	cmpKey := fc.file.parser.Compare
	for {
		payload, n, err := readFrameAt(fc.fd, fc.pos, fc.buf)
		if err == errNoFrame {
			// Ran off the end without passing key.
			return findNearest, nil
		}
		if err != nil {
			return false, err
		}
		rec, err := fc.file.parser.DecodeRecord(payload)
		if err != nil {
			return false, errors.Wrapf(err, "decode record at offset %d in %s", fc.pos, fc.file.path)
		}
		switch c := cmpKey(rec.Key, key); {
		case c == 0 && !findNearest:
			fc.cur = &rec
			fc.pos += n
			return true, nil
		case c > 0:
			if findNearest {
				fc.cur = &rec
				fc.pos += n
				return true, nil
			}
			return false, nil
		}
		fc.pos += n
	}
}

func (fc *fileCursor[K, V]) close() {
	if fc.fd != nil {
		fc.fd.Close()
		fc.fd = nil
	}
}
