package btr

import (
	"fmt"

	"btrcore/internal/ahi"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/redo"
	"btrcore/internal/storage"
	"btrcore/internal/zip"
)

// Logged page operations. Each one changes the frame exactly the way crash
// replay of its redo record does, keeps the compressed shadow of zip pages
// in step and maintains the adaptive hash entries of the page.

// applyZip brings the compressed shadow up to date after a frame edit. On
// overflow the frame body is restored and ok is false.
func applyZip(b *storage.Block) (recompressed, ok bool) {
	if b.Zip == nil {
		return false, true
	}
	recompressed, ok = b.Zip.Apply(b.Frame())
	if !ok {
		b.Zip.Restore(b.Frame())
	}
	return recompressed, ok
}

// mustApplyZip is applyZip for edits that never grow the page.
func mustApplyZip(b *storage.Block, what string) bool {
	recompressed, ok := applyZip(b)
	if !ok {
		panic(fmt.Sprintf("btr: compressed page %s overflows on %s", b.Key(), what))
	}
	return recompressed
}

func (t *Tree) logZip(m *mtr.MTR, b *storage.Block, recompressed bool) {
	if !recompressed {
		return
	}
	size, stream := b.Zip.Size(), b.Zip.Stream()
	m.Log(redo.ZipPageCompress, b.Key(), func(buf []byte) []byte {
		return redo.ZipPageCompressBody(buf, size, stream)
	})
}

func (t *Tree) dropHash(b *storage.Block) (ahi.Params, bool) {
	if t.env.AHI == nil {
		return ahi.Params{}, false
	}
	return t.env.AHI.DropPageHash(b)
}

// createPage formats b as an empty page of the index at level.
func (t *Tree) createPage(m *mtr.MTR, b *storage.Block, level int) {
	t.dropHash(b)
	page.Create(b.Frame(), b.Key(), t.def.Compact, level, t.def.ID, t.def.ZipSize)
	b.Zip = nil
	if t.def.ZipSize > 0 {
		z, ok := zip.Compress(b.Frame(), t.def.ZipSize)
		if !ok {
			panic(fmt.Sprintf("btr: empty page %s does not compress", b.Key()))
		}
		b.Zip = z
	}
	m.SetModified(b)
	m.Log(redo.PageCreate, b.Key(), func(buf []byte) []byte {
		return redo.PageCreateBody(buf, t.def.Compact, level, t.def.ID, t.def.ZipSize)
	})
}

// insertRec inserts a record image after prev. It returns false, leaving
// the page untouched, when the record does not fit.
func (t *Tree) insertRec(m *mtr.MTR, b *storage.Block, prev int, img []byte, extra int) (int, bool) {
	var offs rec.Offsets
	o, ok := b.Page().InsertAfter(t.ix, prev, img, extra, &offs)
	if !ok {
		return 0, false
	}
	recompressed, ok := applyZip(b)
	if !ok {
		return 0, false
	}
	m.SetModified(b)
	m.Log(redo.RecInsert, b.Key(), func(buf []byte) []byte {
		return redo.RecInsertBody(buf, t.ix, prev, img, extra)
	})
	t.logZip(m, b, recompressed)
	if t.env.AHI != nil {
		t.env.AHI.UpdateOnInsert(t.ix, b, o)
	}
	return o, true
}

// mustInsertRec is insertRec for records known to fit.
func (t *Tree) mustInsertRec(m *mtr.MTR, b *storage.Block, prev int, img []byte, extra int) int {
	o, ok := t.insertRec(m, b, prev, img, extra)
	if !ok {
		panic(fmt.Sprintf("btr: record of %d bytes does not fit page %s", len(img), b.Key()))
	}
	return o
}

// copyRec inserts a copy of the record at o of src after prev in dst.
func (t *Tree) copyRec(m *mtr.MTR, dst *storage.Block, prev int, src page.Page, o int) (int, bool) {
	var offs rec.Offsets
	src.Offsets(t.ix, o, &offs)
	return t.insertRec(m, dst, prev, src.Image(o, &offs), offs.Extra())
}

func (t *Tree) deleteRec(m *mtr.MTR, b *storage.Block, o int) {
	if t.env.AHI != nil {
		t.env.AHI.UpdateOnDelete(t.ix, b, o)
	}
	var offs rec.Offsets
	b.Page().Delete(t.ix, o, &offs)
	recompressed := mustApplyZip(b, "delete")
	m.SetModified(b)
	m.Log(redo.RecDelete, b.Key(), func(buf []byte) []byte {
		return redo.RecBody(buf, redo.RecDelete, t.ix, o)
	})
	t.logZip(m, b, recompressed)
}

// deleteListEnd deletes from and everything after it.
func (t *Tree) deleteListEnd(m *mtr.MTR, b *storage.Block, from int) {
	t.dropHash(b)
	var offs rec.Offsets
	b.Page().DeleteListEnd(t.ix, from, &offs)
	recompressed := mustApplyZip(b, "list end delete")
	m.SetModified(b)
	m.Log(redo.ListEndDelete, b.Key(), func(buf []byte) []byte {
		return redo.RecBody(buf, redo.ListEndDelete, t.ix, from)
	})
	t.logZip(m, b, recompressed)
}

// deleteListStart deletes every record before upTo.
func (t *Tree) deleteListStart(m *mtr.MTR, b *storage.Block, upTo int) {
	t.dropHash(b)
	var offs rec.Offsets
	b.Page().DeleteListStart(t.ix, upTo, &offs)
	recompressed := mustApplyZip(b, "list start delete")
	m.SetModified(b)
	m.Log(redo.ListStartDelete, b.Key(), func(buf []byte) []byte {
		return redo.RecBody(buf, redo.ListStartDelete, t.ix, upTo)
	})
	t.logZip(m, b, recompressed)
}

// reorganize compacts the page. It fails only on a compressed page whose
// reorganized image does not compress, leaving the page as it was.
func (t *Tree) reorganize(m *mtr.MTR, b *storage.Block) bool {
	t.dropHash(b)
	var offs rec.Offsets
	b.Page().Reorganize(t.ix, &offs)
	recompressed, ok := applyZip(b)
	if !ok {
		return false
	}
	m.SetModified(b)
	m.Log(redo.PageReorganize, b.Key(), func(buf []byte) []byte {
		return redo.PageReorganizeBody(buf, t.ix)
	})
	t.logZip(m, b, recompressed)
	return true
}

func (t *Tree) setMinRec(m *mtr.MTR, b *storage.Block, o int) {
	b.Page().SetMinRec(o)
	recompressed := mustApplyZip(b, "min-rec mark")
	m.SetModified(b)
	m.Log(redo.RecMinMark, b.Key(), func(buf []byte) []byte {
		return redo.RecBody(buf, redo.RecMinMark, t.ix, o)
	})
	t.logZip(m, b, recompressed)
}

// setChild repoints the node pointer at o.
func (t *Tree) setChild(m *mtr.MTR, b *storage.Block, o int, child uint32) {
	var offs rec.Offsets
	b.Page().SetChildPageNo(t.ix, o, child, &offs)
	recompressed := mustApplyZip(b, "child change")
	m.SetModified(b)
	m.Log(redo.NodePtrSetChild, b.Key(), func(buf []byte) []byte {
		return redo.NodePtrSetChildBody(buf, t.ix, o, child)
	})
	t.logZip(m, b, recompressed)
}

// Sibling links live in the file header, outside the compressed body.

func (t *Tree) setPrev(m *mtr.MTR, b *storage.Block, n uint32) {
	m.WriteUint(b, page.FilPagePrev, uint64(n), 4)
}

func (t *Tree) setNext(m *mtr.MTR, b *storage.Block, n uint32) {
	m.WriteUint(b, page.FilPageNext, uint64(n), 4)
}

func (t *Tree) setLevel(m *mtr.MTR, b *storage.Block, level int) {
	m.WriteUint(b, page.PageHeader+page.PageLevel, uint64(level), 2)
	t.logZip(m, b, mustApplyZip(b, "level change"))
}

func (t *Tree) writeMaxTrxID(m *mtr.MTR, b *storage.Block, v uint64) {
	m.WriteUint(b, page.PageHeader+page.PageMaxTrxID, v, 8)
	t.logZip(m, b, mustApplyZip(b, "header write"))
}
