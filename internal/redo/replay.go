package redo

import (
	"encoding/binary"
	"fmt"

	"btrcore/internal/base"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/zip"
)

// Pages hands page frames to replay. Replay runs before the engine serves
// requests, so no latching is involved.
type Pages interface {
	// ReplayFrame returns the frame of key, loading it if necessary. The
	// frame stays valid until ReplayDone is called for the key.
	ReplayFrame(key base.PageKey) ([]byte, error)
	// ReplayDone releases the frame; modified pages are stamped with lsn and
	// marked dirty.
	ReplayDone(key base.PageKey, modified bool, lsn base.LSN)
}

// Stats summarizes a replay.
type Stats struct {
	Groups  int
	Applied int
	Skipped int
}

// Replayer applies groups in LSN order.
type Replayer struct {
	pages Pages
	offs  rec.Offsets
	stats Stats
}

// NewReplayer returns a replayer writing into pages.
func NewReplayer(pages Pages) *Replayer {
	return &Replayer{pages: pages}
}

// Stats returns the counters accumulated so far.
func (rp *Replayer) Stats() Stats { return rp.stats }

// Apply replays one group. Each page is touched only if its LSN is below
// the group end, so applying a group twice changes nothing the second time.
func (rp *Replayer) Apply(g Group) error {
	rp.stats.Groups++
	type touched struct {
		frame []byte
		apply bool
	}
	pages := make(map[base.PageKey]*touched)
	var order []base.PageKey
	defer func() {
		for _, key := range order {
			t := pages[key]
			rp.pages.ReplayDone(key, t.apply, g.End)
		}
	}()

	for i := range g.Records {
		r := &g.Records[i]
		t, ok := pages[r.Key]
		if !ok {
			frame, err := rp.pages.ReplayFrame(r.Key)
			if err != nil {
				return err
			}
			t = &touched{frame: frame, apply: page.New(frame).LSN() < g.End}
			pages[r.Key] = t
			order = append(order, r.Key)
		}
		if !t.apply {
			rp.stats.Skipped++
			continue
		}
		if err := ApplyRecord(r, t.frame, &rp.offs); err != nil {
			return fmt.Errorf("replay %s on page %s at lsn %d: %w", r.Type, r.Key, g.Start, err)
		}
		rp.stats.Applied++
	}
	for _, key := range order {
		if t := pages[key]; t.apply {
			page.New(t.frame).SetLSN(g.End)
		}
	}
	return nil
}

// ApplyRecord applies a single record to frame without any LSN check.
func ApplyRecord(r *Record, frame []byte, offs *rec.Offsets) error {
	p := page.New(frame)
	bounds := func(n int) error {
		if r.Offset < 0 || r.Offset+n > len(frame) {
			return fmt.Errorf("%w: offset %d out of page", base.ErrCorruption, r.Offset)
		}
		return nil
	}
	userRec := func() error {
		if r.Offset < page.PageData || r.Offset >= len(frame)-page.FilTrailerSize {
			return fmt.Errorf("%w: record offset %d out of page", base.ErrCorruption, r.Offset)
		}
		return nil
	}

	switch r.Type {
	case Write1:
		if err := bounds(1); err != nil {
			return err
		}
		frame[r.Offset] = byte(r.Value)
	case Write2:
		if err := bounds(2); err != nil {
			return err
		}
		binary.BigEndian.PutUint16(frame[r.Offset:], uint16(r.Value))
	case Write4:
		if err := bounds(4); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(frame[r.Offset:], uint32(r.Value))
	case Write8:
		if err := bounds(8); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(frame[r.Offset:], r.Value)
	case WriteString:
		if err := bounds(len(r.Data)); err != nil {
			return err
		}
		copy(frame[r.Offset:], r.Data)
	case PageCreate:
		page.Create(frame, r.Key, r.Compact, r.Level, r.IndexID, r.ZipSize)
	case RecInsert:
		if err := userRec(); err != nil {
			return err
		}
		r.Index.Compact = p.IsCompact()
		if _, ok := p.InsertAfter(r.Index, r.Offset, r.Data, r.Extra, offs); !ok {
			return fmt.Errorf("%w: logged insert does not fit", base.ErrCorruption)
		}
	case RecDelete:
		if err := userRec(); err != nil {
			return err
		}
		r.Index.Compact = p.IsCompact()
		p.Delete(r.Index, r.Offset, offs)
	case ListEndDelete:
		if err := userRec(); err != nil {
			return err
		}
		r.Index.Compact = p.IsCompact()
		p.DeleteListEnd(r.Index, r.Offset, offs)
	case ListStartDelete:
		if err := userRec(); err != nil {
			return err
		}
		r.Index.Compact = p.IsCompact()
		p.DeleteListStart(r.Index, r.Offset, offs)
	case PageReorganize:
		r.Index.Compact = p.IsCompact()
		p.Reorganize(r.Index, offs)
	case RecMinMark:
		if err := userRec(); err != nil {
			return err
		}
		p.SetMinRec(r.Offset)
	case NodePtrSetChild:
		if err := userRec(); err != nil {
			return err
		}
		r.Index.Compact = p.IsCompact()
		p.SetChildPageNo(r.Index, r.Offset, r.Child, offs)
	case ZipPageCompress:
		if err := zip.Decompress(r.Data, frame); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: cannot apply %s", ErrCorruptLog, r.Type)
	}
	return nil
}
