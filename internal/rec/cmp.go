package rec

// Match counts how much of a tuple equals a record: whole fields first, then
// bytes of the first differing field.
type Match struct {
	Fields int
	Bytes  int
}

// Less orders matches by fields, then bytes.
func (m Match) Less(o Match) bool {
	if m.Fields != o.Fields {
		return m.Fields < o.Fields
	}
	return m.Bytes < o.Bytes
}

// Compare compares t with the record at o over at most n fields and returns
// -1, 0 or 1 together with the match. A tuple that is a prefix of the record
// compares equal. A node pointer carrying the min-rec mark is smaller than
// every tuple.
func Compare(t Tuple, b []byte, o int, offs *Offsets, n int) (int, Match) {
	if offs.status == StatusNodePtr && IsMinRec(b, o, offs.compact) {
		return 1, Match{}
	}
	n = min(n, len(t), offs.N())
	for i := 0; i < n; i++ {
		d := t[i]
		rnull := offs.IsNull(i)
		switch {
		case d.Null && rnull:
			continue
		case d.Null:
			return -1, Match{Fields: i}
		case rnull:
			return 1, Match{Fields: i}
		}
		c, nb := compareBytes(d.Data, offs.Field(b, o, i))
		if c != 0 {
			return c, Match{Fields: i, Bytes: nb}
		}
	}
	return 0, Match{Fields: n}
}

// CompareTuples compares two tuples over at most n fields.
func CompareTuples(a, b Tuple, n int) int {
	n = min(n, len(a), len(b))
	for i := 0; i < n; i++ {
		switch {
		case a[i].Null && b[i].Null:
			continue
		case a[i].Null:
			return -1
		case b[i].Null:
			return 1
		}
		if c, _ := compareBytes(a[i].Data, b[i].Data); c != 0 {
			return c
		}
	}
	return 0
}

// CompareRecs compares two records over at most n fields.
func CompareRecs(b1 []byte, o1 int, offs1 *Offsets, b2 []byte, o2 int, offs2 *Offsets, n int) int {
	if offs1.status == StatusNodePtr && IsMinRec(b1, o1, offs1.compact) {
		if offs2.status == StatusNodePtr && IsMinRec(b2, o2, offs2.compact) {
			return 0
		}
		return -1
	}
	if offs2.status == StatusNodePtr && IsMinRec(b2, o2, offs2.compact) {
		return 1
	}
	n = min(n, offs1.N(), offs2.N())
	for i := 0; i < n; i++ {
		n1, n2 := offs1.IsNull(i), offs2.IsNull(i)
		switch {
		case n1 && n2:
			continue
		case n1:
			return -1
		case n2:
			return 1
		}
		if c, _ := compareBytes(offs1.Field(b1, o1, i), offs2.Field(b2, o2, i)); c != 0 {
			return c
		}
	}
	return 0
}

func compareBytes(a, b []byte) (int, int) {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1, i
			}
			return 1, i
		}
	}
	switch {
	case len(a) < len(b):
		return -1, n
	case len(a) > len(b):
		return 1, n
	}
	return 0, n
}
