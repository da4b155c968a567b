package modbus

import (
	"fmt"
	"sort"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

// DefaultMaxRegisterSpan is the largest block a Deye logger answers in one read
const DefaultMaxRegisterSpan = 120

// Group is one device read covering [Start, Start+Length)
type Group struct {
	Start    int
	Length   int
	Requests []types.RegisterRequest
}

func (g Group) End() int {
	return g.Start + g.Length
}

// Batch merges requests into the fewest contiguous reads whose span stays
// within maxSpan. A request longer than maxSpan gets a group of its own.
func Batch(requests []types.RegisterRequest, maxSpan int) []Group {
	if len(requests) == 0 {
		return nil
	}
	if maxSpan < 1 {
		maxSpan = DefaultMaxRegisterSpan
	}

	sorted := make([]types.RegisterRequest, len(requests))
	copy(sorted, requests)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Address == sorted[j].Address {
			return sorted[i].Length > sorted[j].Length
		}
		return sorted[i].Address < sorted[j].Address
	})

	var groups []Group
	var cur *Group

	for _, req := range sorted {
		if cur != nil {
			end := max(cur.End(), req.End())
			if end-cur.Start <= maxSpan {
				cur.Length = end - cur.Start
				cur.Requests = append(cur.Requests, req)
				continue
			}
			groups = append(groups, *cur)
		}

		cur = &Group{
			Start:    req.Address,
			Length:   req.Length,
			Requests: []types.RegisterRequest{req},
		}
	}

	return append(groups, *cur)
}

// Slice cuts the words read for the group into one entry per request
func (g Group) Slice(buf []uint16) (map[int]types.CachedEntry, error) {
	if len(buf) < g.Length {
		return nil, fmt.Errorf("group %d+%d: got %d words", g.Start, g.Length, len(buf))
	}

	out := make(map[int]types.CachedEntry, len(g.Requests))
	for _, req := range g.Requests {
		offset := req.Address - g.Start
		entry, err := types.NewCachedEntry(req.Address, req.Length, req.TTL, buf[offset:offset+req.Length])
		if err != nil {
			return nil, err
		}
		out[req.Address] = entry
	}

	return out, nil
}

// chunks splits [start, start+length) into pieces no longer than size
func chunks(start, length, size int) [][2]int {
	var out [][2]int
	for offset := 0; offset < length; offset += size {
		out = append(out, [2]int{start + offset, min(size, length-offset)})
	}
	return out
}
