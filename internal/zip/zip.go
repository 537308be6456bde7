// Package zip maintains the compressed shadow of an index page.
//
// A shadow holds a deflate stream of the page body as of the last full
// compression, a modification log of byte-range patches applied since, and a
// dense directory listing the user records in heap order. The file header
// and trailer are kept uncompressed. Every page edit is first recorded in
// the modification log; once the log no longer fits, the page is compressed
// again from scratch. If even that does not fit in the compressed page size
// the edit is rejected and the caller restores the frame from the shadow.
package zip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"

	"btrcore/internal/base"
	"btrcore/internal/page"
)

const (
	headerSize    = 16
	patchHeader   = 4
	dirEntrySize  = 2
	dirOwnedFlag  = 0x8000
	mergeGap      = 8
	uncompressed  = page.FilPageData + page.FilTrailerSize
	compressLevel = flate.DefaultCompression
)

var writers = sync.Pool{
	New: func() any {
		w, err := flate.NewWriter(nil, compressLevel)
		if err != nil {
			panic(err)
		}
		return w
	},
}

// Page is the compressed shadow of one page frame.
type Page struct {
	size   int
	image  []byte
	stream []byte
	mlog   []byte
	dir    []uint16
}

// Compress builds a shadow of frame for a compressed page of zipSize bytes.
// It returns false when the page does not compress into zipSize.
func Compress(frame []byte, zipSize int) (*Page, bool) {
	z := &Page{size: zipSize, image: make([]byte, len(frame))}
	if !z.recompress(frame) {
		return nil, false
	}
	return z, true
}

// Clone returns an independent copy of the shadow.
func (z *Page) Clone() *Page {
	return &Page{
		size:   z.size,
		image:  append([]byte(nil), z.image...),
		stream: append([]byte(nil), z.stream...),
		mlog:   append([]byte(nil), z.mlog...),
		dir:    append([]uint16(nil), z.dir...),
	}
}

// Size returns the compressed page size.
func (z *Page) Size() int { return z.size }

// Used returns the bytes the compressed page occupies.
func (z *Page) Used() int {
	return used(len(z.stream), len(z.mlog), len(z.dir))
}

func used(stream, mlog, dir int) int {
	return uncompressed + headerSize + stream + mlog + dir*dirEntrySize
}

// Stream returns the deflate stream of the last full compression.
func (z *Page) Stream() []byte { return z.stream }

// LogSize returns the bytes of pending modification-log patches.
func (z *Page) LogSize() int { return len(z.mlog) }

// Dir returns the dense directory: user record origins in heap order, with
// directory slot owners flagged.
func (z *Page) Dir() []uint16 { return z.dir }

// Apply brings the shadow up to date with frame. recompressed reports that
// the modification log overflowed and the stream was rebuilt. ok is false
// when the frame no longer fits; the shadow is then unchanged.
func (z *Page) Apply(frame []byte) (recompressed, ok bool) {
	dir := denseDir(frame)
	patches := diff(z.image, frame, nil)
	if used(len(z.stream), len(z.mlog)+len(patches), len(dir)) <= z.size {
		z.mlog = append(z.mlog, patches...)
		copy(z.image, frame)
		z.dir = dir
		return false, true
	}
	if !z.recompress(frame) {
		return false, false
	}
	return true, true
}

// Restore copies the body the shadow represents back into frame, undoing
// edits that Apply rejected.
func (z *Page) Restore(frame []byte) {
	copy(frame[page.FilPageData:len(frame)-page.FilTrailerSize],
		z.image[page.FilPageData:len(z.image)-page.FilTrailerSize])
}

func (z *Page) recompress(frame []byte) bool {
	dir := denseDir(frame)
	stream, err := deflate(frame)
	if err != nil || used(len(stream), 0, len(dir)) > z.size {
		return false
	}
	z.stream = stream
	z.mlog = z.mlog[:0]
	z.dir = dir
	copy(z.image, frame)
	return true
}

// Fits reports whether frame would compress into zipSize bytes.
func Fits(frame []byte, zipSize int) bool {
	stream, err := deflate(frame)
	return err == nil && used(len(stream), 0, len(denseDir(frame))) <= zipSize
}

func deflate(frame []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := writers.Get().(*flate.Writer)
	defer writers.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(frame[page.FilPageData : len(frame)-page.FilTrailerSize]); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates stream into the body of frame.
func Decompress(stream []byte, frame []byte) error {
	r := flate.NewReader(bytes.NewReader(stream))
	defer r.Close()
	body := frame[page.FilPageData : len(frame)-page.FilTrailerSize]
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("%w: inflate compressed page: %v", base.ErrCorruption, err)
	}
	return nil
}

// Verify decodes the stream and the modification log and checks that they
// reproduce frame, and that the dense directory matches its records.
func (z *Page) Verify(frame []byte) error {
	decoded := make([]byte, len(frame))
	if err := Decompress(z.stream, decoded); err != nil {
		return err
	}
	for p := z.mlog; len(p) > 0; {
		off := int(binary.BigEndian.Uint16(p))
		n := int(binary.BigEndian.Uint16(p[2:]))
		copy(decoded[off:], p[patchHeader:patchHeader+n])
		p = p[patchHeader+n:]
	}
	body := func(b []byte) []byte { return b[page.FilPageData : len(b)-page.FilTrailerSize] }
	if !bytes.Equal(body(decoded), body(frame)) {
		return fmt.Errorf("%w: compressed page diverges from frame", base.ErrCorruption)
	}
	want := denseDir(frame)
	if len(want) != len(z.dir) {
		return fmt.Errorf("%w: dense directory has %d entries, page has %d records", base.ErrCorruption, len(z.dir), len(want))
	}
	for i := range want {
		if want[i] != z.dir[i] {
			return fmt.Errorf("%w: dense directory entry %d is %#x, want %#x", base.ErrCorruption, i, z.dir[i], want[i])
		}
	}
	return nil
}

// diff appends patches turning old into cur, restricted to the page body.
func diff(old, cur []byte, dst []byte) []byte {
	end := len(cur) - page.FilTrailerSize
	for i := page.FilPageData; i < end; {
		if old[i] == cur[i] {
			i++
			continue
		}
		start := i
		last := i
		for j := i + 1; j < end && j-last <= mergeGap; j++ {
			if old[j] != cur[j] {
				last = j
			}
		}
		var hdr [patchHeader]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(start))
		binary.BigEndian.PutUint16(hdr[2:], uint16(last-start+1))
		dst = append(dst, hdr[:]...)
		dst = append(dst, cur[start:last+1]...)
		i = last + 1
	}
	return dst
}

// denseDir lists user records in heap-number order.
func denseDir(frame []byte) []uint16 {
	p := page.New(frame)
	n := p.NHeap() - 2
	if n <= 0 {
		return nil
	}
	slots := make([]uint16, n)
	p.ForEach(func(o int) bool {
		v := uint16(o)
		if p.NOwned(o) > 0 {
			v |= dirOwnedFlag
		}
		slots[p.HeapNo(o)-2] = v
		return true
	})
	dir := slots[:0]
	for _, v := range slots {
		if v != 0 {
			dir = append(dir, v)
		}
	}
	return dir
}
