package ratelimit

import "sort"

// ringBuffer is a growable ring buffer of int64 event timestamps, kept
// sorted ascending by construction (every insert lands at its sorted
// position). Specialized to int64 rather than generic: the only events a
// Limiter ever tracks are UnixNano timestamps.
type ringBuffer struct {
	s    []int64
	r, w uint
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 || size&(size-1) != 0 {
		panic("ratelimit: ring: size must be a power of 2")
	}
	return &ringBuffer{s: make([]int64, size)}
}

func (x *ringBuffer) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *ringBuffer) bounds() (i1, l1, l2 int) {
	if x.r == x.w {
		return
	}
	i1 = int(x.mask(x.r))
	l1 = int(x.mask(x.w))
	if l1 <= i1 {
		l2 = l1
		l1 = len(x.s)
	}
	return
}

func (x *ringBuffer) Len() int { return int(x.w - x.r) }

func (x *ringBuffer) Cap() int { return len(x.s) }

func (x *ringBuffer) Get(i int) int64 {
	if i < 0 || i >= x.Len() {
		panic("ratelimit: ring: get: index out of range")
	}
	return x.s[x.mask(x.r+uint(i))]
}

func (x *ringBuffer) RemoveBefore(index int) {
	if index < 0 || index > x.Len() {
		panic("ratelimit: ring: remove before: index out of range")
	}
	x.r += uint(index)
}

func (x *ringBuffer) Search(value int64) int {
	return sort.Search(x.Len(), func(i int) bool {
		return x.Get(i) >= value
	})
}

// Insert places value at index, shifting later elements up, growing the
// buffer first if it's full.
func (x *ringBuffer) Insert(index int, value int64) {
	l := x.Len()
	if index < 0 || index > l {
		panic("ratelimit: ring: insert: index out of range")
	}

	if l == len(x.s) {
		s := make([]int64, uint(len(x.s))<<1)
		if len(s) == 0 {
			panic("ratelimit: ring: insert: overflow")
		}

		i1, l1, l2 := x.bounds()
		l = l1 - i1
		if index < l {
			copy(s, x.s[i1:i1+index])
			s[index] = value
			copy(s[index+1:], x.s[i1+index:l1])
			l++
			copy(s[l:], x.s[:l2])
			l += l2
		} else {
			copy(s, x.s[i1:l1])
			copy(s[l:], x.s[:index-l])
			s[index] = value
			copy(s[index+1:], x.s[index-l:l2])
			l += l2 + 1
		}

		x.r = 0
		x.w = uint(l)
		x.s = s
		return
	}

	var i, j int
	if l == 0 {
		x.r = 0
		x.w = 0
	} else {
		i = int(x.mask(x.r))
		j = int(x.mask(x.w))
	}

	if l == 0 || i < j {
		copy(x.s[i+index+1:], x.s[i+index:j])
		x.s[i+index] = value
		x.w++
		return
	}

	if index >= len(x.s)-i {
		index -= len(x.s) - i
		copy(x.s[index+1:], x.s[index:j])
		x.s[index] = value
		x.w++
		return
	}

	copy(x.s[1:], x.s[:j])
	x.s[0] = x.s[len(x.s)-1]
	copy(x.s[i+index+1:], x.s[i+index:])
	x.s[i+index] = value
	x.w++
}
