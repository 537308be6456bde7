package base

import "fmt"

// PageNo is a page number within a tablespace.
type PageNo = uint32

// FilNull marks an absent sibling or child page.
const FilNull PageNo = 0xFFFFFFFF

// PageKey identifies a page across tablespaces.
type PageKey struct {
	Space  uint32
	PageNo PageNo
}

func (k PageKey) String() string {
	return fmt.Sprintf("%d:%d", k.Space, k.PageNo)
}

// LSN is a log sequence number: a byte position in the redo stream.
type LSN = uint64

// Less orders keys by space, then page number.
func (k PageKey) Less(o PageKey) bool {
	if k.Space != o.Space {
		return k.Space < o.Space
	}
	return k.PageNo < o.PageNo
}
