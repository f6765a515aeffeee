package tape

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wkalt/tapecache/util"
)

/*
Tape is a file-backed FIFO queue of binary elements. Elements are appended at
the tail in batches and removed from the head in contiguous counts. The file is
a ring buffer: it starts at a minimum size, doubles when an append needs more
room (up to a configured maximum), and halves again once removals leave most of
it unused.

Every mutation is committed by rewriting the header after the data it refers
to has been written, so the element count recorded in the header is always the
true number of committed elements. If the header or an element header fails
validation the file is reported as corrupt; Tape does not attempt repair.

Tape is not synchronized. It is owned by a single cache, which serializes all
access on its executor.
*/

////////////////////////////////////////////////////////////////////////////////

// Tape is a queue file.
type Tape struct {
	f       *os.File
	path    string
	hdr     header
	last    element
	maxSize int64
	config  *config
	closed  bool
}

// Open opens the queue file at path, creating it if it does not exist. The
// file will not be allowed to grow beyond maxSize bytes. A CorruptionError is
// returned if an existing file cannot be validated.
func Open(path string, maxSize int64, opts ...Option) (*Tape, error) {
	conf := &config{
		minimumFileSize: DefaultMinimumFileSize,
	}
	for _, opt := range opts {
		opt(conf)
	}
	if conf.minimumFileSize <= headerLength+elementHeaderLength {
		return nil, fmt.Errorf("minimum file size %d is too small", conf.minimumFileSize)
	}
	if maxSize < conf.minimumFileSize {
		return nil, fmt.Errorf("maximum size %d is below the minimum file size %d", maxSize, conf.minimumFileSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue file: %w", err)
	}
	t := &Tape{
		f:       f,
		path:    path,
		maxSize: maxSize,
		config:  conf,
	}
	if err := t.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tape) load() error {
	info, err := t.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat queue file: %w", err)
	}
	if info.Size() == 0 {
		return t.clear()
	}
	if info.Size() < headerLength {
		return CorruptionError{t.path, fmt.Sprintf("file of %d bytes is shorter than the header", info.Size())}
	}
	buf := make([]byte, headerLength)
	if _, err := t.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("failed to read queue header: %w", err)
	}
	hdr, err := decodeHeader(buf, info.Size())
	if err != nil {
		return CorruptionError{t.path, err.Error()}
	}
	t.hdr = hdr
	if hdr.length < info.Size() {
		// an interrupted resize; the header is authoritative.
		if err := t.f.Truncate(hdr.length); err != nil {
			return fmt.Errorf("failed to truncate queue file: %w", err)
		}
	}
	if hdr.count == 0 {
		return nil
	}
	if _, err := t.readElement(hdr.first); err != nil {
		return err
	}
	last, err := t.readElement(hdr.last)
	if err != nil {
		return err
	}
	t.last = last
	return nil
}

// Path returns the path of the backing file.
func (t *Tape) Path() string {
	return t.path
}

// Size returns the number of elements in the queue.
func (t *Tape) Size() int {
	return t.hdr.count
}

// FileSize returns the current length of the file in bytes.
func (t *Tape) FileSize() int64 {
	return t.hdr.length
}

// UsedBytes returns the number of bytes occupied by the header and elements.
func (t *Tape) UsedBytes() int64 {
	return usedBytes(t.hdr, t.last)
}

// MaximumFileSize returns the size limit of the file.
func (t *Tape) MaximumFileSize() int64 {
	return t.maxSize
}

// SetMaximumFileSize changes the size limit. Lowering it below the current
// file size does not shrink the file, it only rejects further growth.
func (t *Tape) SetMaximumFileSize(size int64) {
	t.maxSize = size
}

// Enqueue appends elements to the tail of the queue. Either all of them are
// committed or none are. ErrCapacityExceeded is returned if the file would
// have to grow beyond its maximum size.
func (t *Tape) Enqueue(blobs ...[]byte) error {
	if t.closed {
		return ErrClosed
	}
	if len(blobs) == 0 {
		return nil
	}
	needed := int64(0)
	for _, blob := range blobs {
		if len(blob) == 0 {
			return ErrEmptyElement
		}
		needed += elementHeaderLength + int64(len(blob))
	}
	bytesNeeded := t.UsedBytes() + needed
	if bytesNeeded > t.maxSize {
		return fmt.Errorf("%w: %d bytes needed, maximum is %d", ErrCapacityExceeded, bytesNeeded, t.maxSize)
	}
	pos := int64(headerLength)
	if t.hdr.count > 0 {
		pos = t.wrap(t.last.end())
	}
	if bytesNeeded > t.hdr.length {
		var err error
		if pos, err = t.grow(bytesNeeded, pos); err != nil {
			return err
		}
	}
	var first element
	last := t.last
	for i, blob := range blobs {
		e := element{position: pos, length: len(blob)}
		if err := t.writeRing(pos, encodeElementHeader(len(blob))); err != nil {
			return err
		}
		if err := t.writeRing(pos+elementHeaderLength, blob); err != nil {
			return err
		}
		if i == 0 {
			first = e
		}
		last = e
		pos = t.wrap(e.end())
	}
	hdr := t.hdr
	if hdr.count == 0 {
		hdr.first = first.position
	}
	hdr.last = last.position
	hdr.count += len(blobs)
	if err := t.commit(hdr); err != nil {
		return err
	}
	t.last = last
	return nil
}

// Peek returns up to maxCount elements from the head of the queue without
// removing them. It stops before an element that would bring the total data
// size over maxBytes, but always returns the first element if the queue is
// not empty, regardless of its size.
func (t *Tape) Peek(maxCount int, maxBytes int64) ([][]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}
	n := min(maxCount, t.hdr.count)
	if n <= 0 {
		return nil, nil
	}
	result := make([][]byte, 0, n)
	pos := t.hdr.first
	total := int64(0)
	for i := 0; i < n; i++ {
		e, err := t.readElement(pos)
		if err != nil {
			return nil, err
		}
		total += int64(e.length)
		if i > 0 && total > maxBytes {
			break
		}
		data := make([]byte, e.length)
		if err := t.readRing(pos+elementHeaderLength, data); err != nil {
			return nil, err
		}
		result = append(result, data)
		pos = t.wrap(e.end())
	}
	return result, nil
}

// Iterate calls f with every element in queue order. Iteration stops at the
// first error, which is returned.
func (t *Tape) Iterate(f func(i int, data []byte) error) error {
	if t.closed {
		return ErrClosed
	}
	pos := t.hdr.first
	for i := 0; i < t.hdr.count; i++ {
		e, err := t.readElement(pos)
		if err != nil {
			return err
		}
		data := make([]byte, e.length)
		if err := t.readRing(pos+elementHeaderLength, data); err != nil {
			return err
		}
		if err := f(i, data); err != nil {
			return err
		}
		pos = t.wrap(e.end())
	}
	return nil
}

// Remove deletes the n eldest elements. A RemoveError is returned if fewer
// than n elements are present.
func (t *Tape) Remove(n int) error {
	if t.closed {
		return ErrClosed
	}
	if n < 0 {
		return fmt.Errorf("cannot remove negative (%d) number of elements", n)
	}
	if n == 0 {
		return nil
	}
	if n > t.hdr.count {
		return RemoveError{Requested: n, Size: t.hdr.count}
	}
	if n == t.hdr.count {
		return t.clear()
	}
	pos := t.hdr.first
	for i := 0; i < n; i++ {
		e, err := t.readElement(pos)
		if err != nil {
			return err
		}
		pos = t.wrap(e.end())
	}
	hdr := t.hdr
	hdr.first = pos
	hdr.count -= n
	hdr.length = t.shrunkLength(hdr)
	if err := t.commit(hdr); err != nil {
		return err
	}
	return t.truncate()
}

// Clear removes all elements and resets the file to its minimum size.
func (t *Tape) Clear() error {
	if t.closed {
		return ErrClosed
	}
	return t.clear()
}

// Close releases the file. It is safe to call more than once.
func (t *Tape) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("failed to close queue file: %w", err)
	}
	return nil
}

func (t *Tape) String() string {
	return fmt.Sprintf("tape(%s, count=%d, length=%d)", t.path, t.hdr.count, t.hdr.length)
}

func (t *Tape) clear() error {
	if err := t.commit(header{length: t.config.minimumFileSize}); err != nil {
		return err
	}
	t.last = element{}
	return t.truncate()
}

// truncate sets the file length to the committed header length.
func (t *Tape) truncate() error {
	if err := t.f.Truncate(t.hdr.length); err != nil {
		return fmt.Errorf("failed to resize queue file: %w", err)
	}
	return nil
}

// grow extends the file so that at least bytesNeeded bytes fit, and returns
// the (possibly moved) write position. If the tail had wrapped around to the
// start of the file, one of the two data segments is moved into the new space
// so the ring stays contiguous: either the wrapped part goes behind the old end
// of the file, or the part holding the head goes to the new end. A segment is
// only moved to a range it does not overlap, so the committed data survives a
// crash until the new header is written.
func (t *Tape) grow(bytesNeeded int64, pos int64) (int64, error) {
	oldLength := t.hdr.length
	newLength := oldLength
	for newLength < bytesNeeded {
		newLength *= 2
	}
	newLength = min(newLength, t.maxSize)
	hdr := t.hdr
	hdr.length = newLength
	last := t.last
	shift := newLength - oldLength
	if t.hdr.count == 0 || pos > t.hdr.first {
		if err := t.f.Truncate(newLength); err != nil {
			return 0, fmt.Errorf("failed to grow queue file: %w", err)
		}
		if err := t.commit(hdr); err != nil {
			return 0, err
		}
		return pos, nil
	}
	tailLength := pos - headerLength
	headLength := oldLength - t.hdr.first
	moveTail := tailLength <= shift && (tailLength <= headLength || headLength > shift)
	if !moveTail && headLength > shift {
		return 0, fmt.Errorf("%w: wrapped data does not fit in %d bytes", ErrCapacityExceeded, newLength)
	}
	if err := t.f.Truncate(newLength); err != nil {
		return 0, fmt.Errorf("failed to grow queue file: %w", err)
	}
	if moveTail {
		if err := t.move(headerLength, oldLength, tailLength); err != nil {
			return 0, err
		}
		tailShift := oldLength - headerLength
		if last.position < hdr.first {
			last.position += tailShift
			hdr.last = last.position
		}
		pos += tailShift
	} else {
		if err := t.move(hdr.first, hdr.first+shift, headLength); err != nil {
			return 0, err
		}
		if last.position >= hdr.first {
			last.position += shift
			hdr.last = last.position
		}
		hdr.first += shift
	}
	if err := t.commit(hdr); err != nil {
		return 0, err
	}
	t.last = last
	return pos, nil
}

// shrunkLength returns the length the file can be reduced to after a removal.
// Only files that do not wrap are shrunk, so no data has to be moved.
func (t *Tape) shrunkLength(hdr header) int64 {
	if hdr.last < hdr.first || t.last.end() > hdr.length {
		return hdr.length
	}
	newLength := hdr.length
	goal := newLength / 2
	used := usedBytes(hdr, t.last)
	extent := t.last.end()
	for goal >= t.config.minimumFileSize && extent <= goal && used <= goal/2 {
		newLength = goal
		goal /= 2
	}
	return newLength
}

func (t *Tape) commit(hdr header) error {
	if _, err := t.f.WriteAt(hdr.encode(), 0); err != nil {
		return fmt.Errorf("failed to write queue header: %w", err)
	}
	if t.config.sync {
		if err := t.f.Sync(); err != nil {
			return fmt.Errorf("failed to sync queue file: %w", err)
		}
	}
	t.hdr = hdr
	return nil
}

// readElement reads and validates the element header at pos.
func (t *Tape) readElement(pos int64) (element, error) {
	buf := make([]byte, elementHeaderLength)
	if err := t.readRing(pos, buf); err != nil {
		return element{}, err
	}
	if elementChecksum(buf[:4]) != buf[4] {
		return element{}, CorruptionError{t.path, fmt.Sprintf("element header checksum mismatch at %d", pos)}
	}
	var length uint32
	util.ReadU32(buf, &length)
	if length == 0 || int64(length)+elementHeaderLength > t.hdr.length-headerLength {
		return element{}, CorruptionError{t.path, fmt.Sprintf("invalid element length %d at %d", length, pos)}
	}
	return element{position: pos, length: int(length)}, nil
}

func (t *Tape) wrap(pos int64) int64 {
	if pos < t.hdr.length {
		return pos
	}
	return headerLength + pos - t.hdr.length
}

func (t *Tape) readRing(pos int64, buf []byte) error {
	pos = t.wrap(pos)
	n := min(int64(len(buf)), t.hdr.length-pos)
	if _, err := t.f.ReadAt(buf[:n], pos); err != nil {
		return t.readErr(err)
	}
	if n < int64(len(buf)) {
		if _, err := t.f.ReadAt(buf[n:], headerLength); err != nil {
			return t.readErr(err)
		}
	}
	return nil
}

func (t *Tape) readErr(err error) error {
	if errors.Is(err, io.EOF) {
		return CorruptionError{t.path, "element extends beyond end of file"}
	}
	return fmt.Errorf("failed to read queue file: %w", err)
}

func (t *Tape) writeRing(pos int64, buf []byte) error {
	pos = t.wrap(pos)
	n := min(int64(len(buf)), t.hdr.length-pos)
	if _, err := t.f.WriteAt(buf[:n], pos); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	if n < int64(len(buf)) {
		if _, err := t.f.WriteAt(buf[n:], headerLength); err != nil {
			return fmt.Errorf("failed to write queue file: %w", err)
		}
	}
	return nil
}

// move copies count bytes from src to dst. The ranges must not overlap.
func (t *Tape) move(src, dst, count int64) error {
	buf := make([]byte, min(count, 64*1024))
	for count > 0 {
		n := min(count, int64(len(buf)))
		if _, err := t.f.ReadAt(buf[:n], src); err != nil {
			return fmt.Errorf("failed to read queue data for move: %w", err)
		}
		if _, err := t.f.WriteAt(buf[:n], dst); err != nil {
			return fmt.Errorf("failed to write queue data for move: %w", err)
		}
		src += n
		dst += n
		count -= n
	}
	return nil
}

func usedBytes(hdr header, last element) int64 {
	if hdr.count == 0 {
		return headerLength
	}
	if last.position >= hdr.first {
		return last.end() - hdr.first + headerLength
	}
	// the tail wrapped around
	return last.end() - hdr.first + hdr.length
}
