package page

import "btrcore/internal/rec"

// Mode selects which neighbour of a search key a cursor lands on.
type Mode int

const (
	// ModeG positions on the first record greater than the key.
	ModeG Mode = iota + 1
	// ModeGE positions on the first record greater than or equal to the key.
	ModeGE
	// ModeL positions on the last record less than the key.
	ModeL
	// ModeLE positions on the last record less than or equal to the key.
	ModeLE
)

func (m Mode) String() string {
	switch m {
	case ModeG:
		return "G"
	case ModeGE:
		return "GE"
	case ModeL:
		return "L"
	case ModeLE:
		return "LE"
	}
	return "?"
}

// NonLeaf maps a search mode to the mode used on node pointer levels.
func (m Mode) NonLeaf() Mode {
	if m == ModeGE || m == ModeL {
		return ModeL
	}
	return ModeLE
}

// SearchResult is the outcome of a page search. Low is the last record on
// the low side of the key and Up the record after it.
type SearchResult struct {
	Low, Up           int
	LowMatch, UpMatch rec.Match
	Rec               int
}

// CompareFields returns how many leading fields take part in comparisons.
func CompareFields(ix *rec.Index) int {
	return ix.NUniq
}

// Search positions on the page for tuple t under mode. Rec is Up for G and
// GE, Low for L and LE. Only the first NUniq fields of t are compared.
func (p Page) Search(ix *rec.Index, t rec.Tuple, mode Mode, offs *rec.Offsets) SearchResult {
	n := CompareFields(ix)
	inclusive := mode == ModeG || mode == ModeLE

	isLow := func(o int) (bool, rec.Match) {
		if p.IsInfimum(o) {
			return true, rec.Match{}
		}
		if p.IsSupremum(o) {
			return false, rec.Match{}
		}
		c, m := rec.Compare(t, p.B, o, p.Offsets(ix, o, offs), n)
		if inclusive {
			return c >= 0, m
		}
		return c > 0, m
	}

	lo, hi := 0, p.NDirSlots()-1
	var loM, hiM rec.Match
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if low, m := isLow(p.DirSlot(mid)); low {
			lo, loM = mid, m
		} else {
			hi, hiM = mid, m
		}
	}

	low := p.DirSlot(lo)
	stop := p.DirSlot(hi)
	up := stop
	upM := hiM
	for r := p.NextRec(low); r != stop; r = p.NextRec(r) {
		isL, m := isLow(r)
		if !isL {
			up, upM = r, m
			break
		}
		low, loM = r, m
	}

	res := SearchResult{Low: low, Up: up, LowMatch: loM, UpMatch: upM}
	if mode == ModeG || mode == ModeGE {
		res.Rec = up
	} else {
		res.Rec = low
	}
	return res
}
