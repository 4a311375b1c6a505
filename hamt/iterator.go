// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hamt

// frame is one level of an Iterator's walk: the children of a branch or
// linear node, plus the index of the next one to visit.
type frame[K Key[K], V any] struct {
	children []childSlot[K, V]
	idx      int
}

// Iterator is a forward iterator over an Index: a stack of (node, slot
// index) frames. An exhausted iterator has a nil stack; that is what "end"
// means for this iterator.
type Iterator[K Key[K], V any] struct {
	ix      *Index[K, V]
	stack   []frame[K, V]
	curKey  K
	curVal  V
	err     error
	started bool
}

// Iterate returns an iterator positioned before the first entry. Call Next
// to advance to each entry in turn.
func (ix *Index[K, V]) Iterate() *Iterator[K, V] {
	it := &Iterator[K, V]{ix: ix}
	if ix.root != nil && !isEmptySlot(*ix.root) {
		it.stack = []frame[K, V]{{children: []childSlot[K, V]{*ix.root}}}
	}
	return it
}

// Next advances to the next entry, returning false once the index is
// exhausted or a load error occurs; check Err after Next returns false.
func (it *Iterator[K, V]) Next() bool {
	it.started = true
	if it.err != nil {
		return false
	}
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.idx >= len(top.children) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		slot := top.children[top.idx]
		top.idx++

		node, kind, err := it.ix.load(slot)
		if err != nil {
			it.err = err
			it.stack = nil
			return false
		}
		switch kind {
		case kindLeaf:
			lf := node.(*heapLeaf[K, V])
			it.curKey, it.curVal = lf.key, lf.val
			return true
		case kindBranch:
			b := node.(*heapBranch[K, V])
			it.stack = append(it.stack, frame[K, V]{children: b.children.Data()})
		case kindLinear:
			ln := node.(*heapLinear[K, V])
			kids := make([]childSlot[K, V], len(ln.leaves))
			for i := range ln.leaves {
				kids[i] = childSlot[K, V]{isHeap: true, heap: &ln.leaves[i]}
			}
			it.stack = append(it.stack, frame[K, V]{children: kids})
		}
	}
	return false
}

// Key returns the current entry's key. Valid only after Next returns true.
func (it *Iterator[K, V]) Key() K { return it.curKey }

// Value returns the current entry's value. Valid only after Next returns
// true.
func (it *Iterator[K, V]) Value() V { return it.curVal }

// Err returns the error, if any, that stopped iteration early.
func (it *Iterator[K, V]) Err() error { return it.err }
