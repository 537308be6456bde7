package redo

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrcore/internal/base"
	"btrcore/internal/page"
	"btrcore/internal/rec"
)

const testPageSize = 4096

func TestCompressedRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000, 0x0FFFFFFF, 0x10000000, 0xFFFFFFFF} {
		b := AppendCompressed(nil, v)
		assert.Len(t, b, CompressedSize(v), "v=%#x", v)
		got, n, ok := ReadCompressed(b)
		require.True(t, ok)
		assert.Equal(t, len(b), n)
		assert.Equal(t, v, got)

		_, _, ok = ReadCompressed(b[:len(b)-1])
		assert.False(t, ok, "truncated v=%#x", v)
	}
	for _, v := range []uint64{0, 1 << 40, ^uint64(0)} {
		b := AppendCompressed64(nil, v)
		got, n, ok := ReadCompressed64(b)
		require.True(t, ok)
		assert.Equal(t, len(b), n)
		assert.Equal(t, v, got)
	}
}

var testIndex = &rec.Index{
	ID:      11,
	Fields:  []rec.Field{{Name: "k", FixedLen: 4}, {Name: "v", Nullable: true}},
	NUniq:   1,
	Compact: true,
}

func sampleRecords(t *testing.T) [][]byte {
	t.Helper()
	key := base.PageKey{Space: 3, PageNo: 70000}
	img, extra, err := testIndex.Encode(nil, rec.Tuple{rec.Uint32(5), rec.Bytes([]byte("hello"))}, rec.StatusOrdinary)
	require.NoError(t, err)
	return [][]byte{
		WriteBody(AppendHeader(nil, Write2, key), Write2, 40, 0xBEEF),
		WriteBody(AppendHeader(nil, Write8, key), Write8, 16, 1<<50),
		WriteStringBody(AppendHeader(nil, WriteString, key), 200, []byte("abc")),
		RecInsertBody(AppendHeader(nil, RecInsert, key), testIndex, page.NewInfimum, img, extra),
		RecBody(AppendHeader(nil, RecDelete, key), RecDelete, testIndex, 130),
		RecBody(AppendHeader(nil, RecMinMark, key), RecMinMark, nil, 130),
		PageCreateBody(AppendHeader(nil, PageCreate, key), true, 2, 1<<33, 0),
		PageReorganizeBody(AppendHeader(nil, PageReorganize, key), testIndex),
		NodePtrSetChildBody(AppendHeader(nil, NodePtrSetChild, key), testIndex, 130, 99),
		ZipPageCompressBody(AppendHeader(nil, ZipPageCompress, key), 2048, []byte{1, 2, 3}),
	}
}

func TestParseEveryTruncationIsIncomplete(t *testing.T) {
	for _, b := range sampleRecords(t) {
		r, n, err := Parse(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n, "type %s", r.Type)
		assert.Equal(t, base.PageKey{Space: 3, PageNo: 70000}, r.Key)

		for cut := 0; cut < len(b); cut++ {
			_, _, err := Parse(b[:cut])
			assert.ErrorIs(t, err, ErrIncomplete, "type %s cut at %d", r.Type, cut)
		}
	}
}

func TestParseDecodesFields(t *testing.T) {
	recs := sampleRecords(t)

	r, _, err := Parse(recs[0])
	require.NoError(t, err)
	assert.Equal(t, Write2, r.Type)
	assert.Equal(t, 40, r.Offset)
	assert.Equal(t, uint64(0xBEEF), r.Value)

	r, _, err = Parse(recs[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<50), r.Value)

	r, _, err = Parse(recs[3])
	require.NoError(t, err)
	assert.Equal(t, RecInsert, r.Type)
	require.NotNil(t, r.Index)
	assert.Equal(t, testIndex.NUniq, r.Index.NUniq)
	assert.Equal(t, len(testIndex.Fields), len(r.Index.Fields))
	assert.True(t, r.Index.Fields[1].Nullable)
	assert.Equal(t, page.NewInfimum, r.Offset)

	r, _, err = Parse(recs[6])
	require.NoError(t, err)
	assert.True(t, r.Compact)
	assert.Equal(t, 2, r.Level)
	assert.Equal(t, uint64(1<<33), r.IndexID)

	r, _, err = Parse(recs[8])
	require.NoError(t, err)
	assert.Equal(t, base.PageNo(99), r.Child)
}

func TestParseUnknownTypeIsCorrupt(t *testing.T) {
	_, _, err := Parse([]byte{77, 1, 1})
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestParseGroup(t *testing.T) {
	recs := sampleRecords(t)

	single := append([]byte(nil), recs[0]...)
	single[0] |= SingleRecFlag
	g, n, err := ParseGroup(single)
	require.NoError(t, err)
	assert.Len(t, g, 1)
	assert.Equal(t, len(single), n)

	var multi []byte
	for _, r := range recs {
		multi = append(multi, r...)
	}
	_, _, err = ParseGroup(multi)
	assert.ErrorIs(t, err, ErrIncomplete, "no end marker yet")

	multi = append(multi, byte(MultiRecEnd))
	g, n, err = ParseGroup(multi)
	require.NoError(t, err)
	assert.Len(t, g, len(recs))
	assert.Equal(t, len(multi), n)
}

func TestLogAppendScanAndCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	l, err := Open(Options{Path: path, SyncMode: SyncEveryCommit})
	require.NoError(t, err)

	recs := sampleRecords(t)
	var ends []base.LSN
	for _, r := range recs[:3] {
		g := append([]byte(nil), r...)
		g[0] |= SingleRecFlag
		start, end, err := l.Append(g)
		require.NoError(t, err)
		require.Equal(t, base.LSN(len(g)), end-start)
		require.NoError(t, l.Sync())
		ends = append(ends, end)
	}
	assert.Equal(t, FirstLSN, l.StartLSN())
	assert.Equal(t, ends[2], l.FlushedLSN())

	// A torn append leaves an incomplete tail that scanning ignores.
	_, _, err = l.Append(recs[3][:5])
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(Options{Path: path})
	require.NoError(t, err)
	var groups []Group
	require.NoError(t, l.Scan(0, func(g Group) error {
		groups = append(groups, g)
		return nil
	}))
	require.Len(t, groups, 3)
	assert.Equal(t, ends[0], groups[0].End)
	assert.Equal(t, ends[2], groups[2].End)

	require.NoError(t, l.Checkpoint(ends[1]))
	require.NoError(t, l.Close())

	l, err = Open(Options{Path: path})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, ends[1], l.StartLSN())
	groups = groups[:0]
	require.NoError(t, l.Scan(0, func(g Group) error {
		groups = append(groups, g)
		return nil
	}))
	require.Len(t, groups, 1)
	assert.Equal(t, WriteString, groups[0].Records[0].Type)
}

// memPages serves frames for replay from a map.
type memPages struct {
	frames map[base.PageKey][]byte
	done   int
}

func (m *memPages) ReplayFrame(key base.PageKey) ([]byte, error) {
	f, ok := m.frames[key]
	if !ok {
		f = make([]byte, testPageSize)
		m.frames[key] = f
	}
	return f, nil
}

func (m *memPages) ReplayDone(base.PageKey, bool, base.LSN) { m.done++ }

// buildLoggedPage runs a sequence of page operations on a live frame and
// logs them the way a mini-transaction would, one group per operation.
func buildLoggedPage(t *testing.T, key base.PageKey) ([]byte, *Log) {
	t.Helper()
	l, err := Open(Options{})
	require.NoError(t, err)
	frame := make([]byte, testPageSize)
	var offs rec.Offsets

	commit := func(group []byte, single bool) {
		if single {
			group[0] |= SingleRecFlag
		} else {
			group = append(group, byte(MultiRecEnd))
		}
		_, end, err := l.Append(group)
		require.NoError(t, err)
		page.New(frame).SetLSN(end)
	}

	p := page.Create(frame, key, true, 0, testIndex.ID, 0)
	commit(PageCreateBody(AppendHeader(nil, PageCreate, key), true, 0, testIndex.ID, 0), true)

	for k := 0; k < 40; k++ {
		tup := rec.Tuple{rec.Uint32(uint32(k * 7 % 40)), rec.Bytes([]byte(fmt.Sprintf("v%d", k)))}
		img, extra, err := testIndex.Encode(nil, tup, rec.StatusOrdinary)
		require.NoError(t, err)
		res := p.Search(testIndex, tup, page.ModeLE, &offs)
		_, ok := p.InsertAfter(testIndex, res.Low, img, extra, &offs)
		require.True(t, ok)
		commit(RecInsertBody(AppendHeader(nil, RecInsert, key), testIndex, res.Low, img, extra), true)
	}

	// One group with several records: delete two, then set the next pointer.
	var g []byte
	for _, k := range []uint32{3, 4} {
		res := p.Search(testIndex, rec.Tuple{rec.Uint32(k)}, page.ModeGE, &offs)
		p.Delete(testIndex, res.Rec, &offs)
		g = RecBody(AppendHeader(g, RecDelete, key), RecDelete, testIndex, res.Rec)
	}
	p.SetNext(77)
	g = WriteBody(AppendHeader(g, Write4, key), Write4, page.FilPageNext, 77)
	commit(g, false)

	p.Reorganize(testIndex, &offs)
	commit(PageReorganizeBody(AppendHeader(nil, PageReorganize, key), testIndex), true)

	res := p.Search(testIndex, rec.Tuple{rec.Uint32(30)}, page.ModeGE, &offs)
	p.DeleteListEnd(testIndex, res.Rec, &offs)
	commit(RecBody(AppendHeader(nil, ListEndDelete, key), ListEndDelete, testIndex, res.Rec), true)

	require.NoError(t, p.Validate(testIndex))
	return frame, l
}

func TestReplayReproducesPageAndIsIdempotent(t *testing.T) {
	key := base.PageKey{Space: 1, PageNo: 4}
	live, l := buildLoggedPage(t, key)

	pages := &memPages{frames: map[base.PageKey][]byte{}}
	rp := NewReplayer(pages)
	require.NoError(t, l.Scan(0, rp.Apply))
	replayed := append([]byte(nil), pages.frames[key]...)
	assert.Equal(t, live, replayed)
	assert.Zero(t, rp.Stats().Skipped)

	// Replaying again touches nothing.
	rp2 := NewReplayer(pages)
	require.NoError(t, l.Scan(0, rp2.Apply))
	assert.Equal(t, replayed, pages.frames[key])
	assert.Zero(t, rp2.Stats().Applied)
	assert.Greater(t, rp2.Stats().Skipped, 0)
}

func TestReplayOfPrefixMatchesIntermediateState(t *testing.T) {
	key := base.PageKey{Space: 1, PageNo: 4}
	_, l := buildLoggedPage(t, key)
	start, data := l.Snapshot()

	// Every cut point yields a page that validates: incomplete groups are
	// never applied.
	for cut := 0; cut <= len(data); cut += 7 {
		pages := &memPages{frames: map[base.PageKey][]byte{}}
		rp := NewReplayer(pages)
		require.NoError(t, ScanBytes(data[:cut], start, rp.Apply))
		if f, ok := pages.frames[key]; ok && page.New(f).Type() == page.TypeIndex {
			assert.NoError(t, page.New(f).Validate(testIndex), "cut %d", cut)
		}
	}
}
