// Package hashtable is a fixed-size, externally chained hash table keyed by
// precomputed 32-bit folds. It never resizes: the cell count is chosen once
// from a memory budget and a node cap bounds the number of stored entries.
//
// The table is not safe for concurrent use. Callers guard it with their own
// latch (the adaptive hash index keeps one per partition).
package hashtable

// Approximate footprint of one chain node, used to size tables from budgets.
const nodeSize = 48

type node[T comparable] struct {
	fold uint32
	data T
	next *node[T]
}

// Table maps folds to values. A fold holds at most one value: inserting an
// existing fold replaces its value.
type Table[T comparable] struct {
	cells    []*node[T]
	n        int
	maxNodes int
	spare    *node[T]
}

// New creates a table with at least nCells cells (rounded up to a prime) that
// stores at most maxNodes entries. maxNodes <= 0 means unbounded.
func New[T comparable](nCells, maxNodes int) *Table[T] {
	return &Table[T]{
		cells:    make([]*node[T], nextPrime(max(nCells, 3))),
		maxNodes: maxNodes,
	}
}

// SizeForBudget splits a memory budget into a cell count and a node cap.
// Roughly one cell is provisioned per expected entry.
func SizeForBudget(bytes int) (nCells, maxNodes int) {
	maxNodes = max(bytes/(nodeSize+8), 16)
	return maxNodes, maxNodes
}

func nextPrime(n int) int {
	for ; ; n++ {
		if isPrime(n) {
			return n
		}
	}
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for d := 2; d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}

func (t *Table[T]) cell(fold uint32) int {
	return int(fold % uint32(len(t.cells)))
}

func (t *Table[T]) alloc() *node[T] {
	if nd := t.spare; nd != nil {
		t.spare = nd.next
		nd.next = nil
		return nd
	}
	return &node[T]{}
}

func (t *Table[T]) release(nd *node[T]) {
	var zero T
	nd.data = zero
	nd.next = t.spare
	t.spare = nd
}

// Insert stores data under fold, replacing any value the fold already has.
// It returns false when the node cap prevents storing a new entry.
func (t *Table[T]) Insert(fold uint32, data T) bool {
	c := t.cell(fold)
	for nd := t.cells[c]; nd != nil; nd = nd.next {
		if nd.fold == fold {
			nd.data = data
			return true
		}
	}
	if t.maxNodes > 0 && t.n >= t.maxNodes {
		return false
	}
	nd := t.alloc()
	nd.fold = fold
	nd.data = data
	// Append at the chain end so older entries are found first.
	if t.cells[c] == nil {
		t.cells[c] = nd
	} else {
		last := t.cells[c]
		for last.next != nil {
			last = last.next
		}
		last.next = nd
	}
	t.n++
	return true
}

// Delete removes the entry (fold, data) if present.
func (t *Table[T]) Delete(fold uint32, data T) bool {
	return t.removeFromCell(t.cell(fold), func(nd *node[T]) bool {
		return nd.fold == fold && nd.data == data
	}, true) > 0
}

// Search returns the first value stored under fold.
func (t *Table[T]) Search(fold uint32) (T, bool) {
	for nd := t.cells[t.cell(fold)]; nd != nil; nd = nd.next {
		if nd.fold == fold {
			return nd.data, true
		}
	}
	var zero T
	return zero, false
}

// SearchAndUpdateIfFound replaces old with replacement under fold. It reports
// whether an entry was updated.
func (t *Table[T]) SearchAndUpdateIfFound(fold uint32, old, replacement T) bool {
	for nd := t.cells[t.cell(fold)]; nd != nil; nd = nd.next {
		if nd.fold == fold && nd.data == old {
			nd.data = replacement
			return true
		}
	}
	return false
}

// RemoveAllForPage removes every entry under fold whose value satisfies
// match and returns how many were removed.
func (t *Table[T]) RemoveAllForPage(fold uint32, match func(T) bool) int {
	return t.removeFromCell(t.cell(fold), func(nd *node[T]) bool {
		return nd.fold == fold && match(nd.data)
	}, false)
}

// RemoveIf scans the whole table and removes entries satisfying pred.
func (t *Table[T]) RemoveIf(pred func(fold uint32, data T) bool) int {
	removed := 0
	for c := range t.cells {
		removed += t.removeFromCell(c, func(nd *node[T]) bool {
			return pred(nd.fold, nd.data)
		}, false)
	}
	return removed
}

func (t *Table[T]) removeFromCell(c int, match func(*node[T]) bool, once bool) int {
	removed := 0
	link := &t.cells[c]
	for *link != nil {
		nd := *link
		if !match(nd) {
			link = &nd.next
			continue
		}
		*link = nd.next
		t.release(nd)
		t.n--
		removed++
		if once {
			break
		}
	}
	return removed
}

// Clear drops every entry. Released nodes are kept for reuse.
func (t *Table[T]) Clear() {
	for c, nd := range t.cells {
		for nd != nil {
			next := nd.next
			t.release(nd)
			nd = next
		}
		t.cells[c] = nil
	}
	t.n = 0
}

// Len returns the number of stored entries.
func (t *Table[T]) Len() int {
	return t.n
}

// Cells returns the number of cells.
func (t *Table[T]) Cells() int {
	return len(t.cells)
}
