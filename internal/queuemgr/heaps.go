package queuemgr

import "container/heap"

// linkItem is one entry of the active/vactive link heaps, keyed by a
// 64-bit eligibility time in nanoseconds. Ties break on link id for
// deterministic ordering between distinct links (spec.md §5).
type linkItem struct {
	link  int
	key   int64
	index int
}

type linkPQ []*linkItem

func (pq linkPQ) Len() int { return len(pq) }
func (pq linkPQ) Less(i, j int) bool {
	if pq[i].key != pq[j].key {
		return pq[i].key < pq[j].key
	}
	return pq[i].link < pq[j].link
}
func (pq linkPQ) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *linkPQ) Push(x any) {
	it := x.(*linkItem)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *linkPQ) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

// linkHeap wraps a linkPQ with an id->item index for O(log n)
// updateKey/remove by link id instead of a linear scan.
type linkHeap struct {
	pq    linkPQ
	byLnk map[int]*linkItem
}

func newLinkHeap() *linkHeap {
	return &linkHeap{byLnk: make(map[int]*linkItem)}
}

func (h *linkHeap) Len() int { return len(h.pq) }

func (h *linkHeap) Has(lnk int) bool {
	_, ok := h.byLnk[lnk]
	return ok
}

func (h *linkHeap) Key(lnk int) (int64, bool) {
	it, ok := h.byLnk[lnk]
	if !ok {
		return 0, false
	}
	return it.key, true
}

func (h *linkHeap) Insert(lnk int, key int64) {
	it := &linkItem{link: lnk, key: key}
	h.byLnk[lnk] = it
	heap.Push(&h.pq, it)
}

func (h *linkHeap) Remove(lnk int) (int64, bool) {
	it, ok := h.byLnk[lnk]
	if !ok {
		return 0, false
	}
	delete(h.byLnk, lnk)
	heap.Remove(&h.pq, it.index)
	return it.key, true
}

func (h *linkHeap) ChangeKey(lnk int, key int64) {
	it, ok := h.byLnk[lnk]
	if !ok {
		return
	}
	it.key = key
	heap.Fix(&h.pq, it.index)
}

// Min returns the link with the smallest key and that key, or (0,0,false)
// if the heap is empty.
func (h *linkHeap) Min() (int, int64, bool) {
	if len(h.pq) == 0 {
		return 0, 0, false
	}
	return h.pq[0].link, h.pq[0].key, true
}

// PopBelow removes and returns every link whose key is <= now, for
// vactive cooldown expiry (spec.md §4.3 deq step 1).
func (h *linkHeap) PopBelow(now int64) []int {
	var expired []int
	for len(h.pq) > 0 && h.pq[0].key <= now {
		it := heap.Pop(&h.pq).(*linkItem)
		delete(h.byLnk, it.link)
		expired = append(expired, it.link)
	}
	return expired
}

// queueItem is one entry of a link's per-queue VFT min-heap.
type queueItem struct {
	qid   int
	vft   int64
	index int
}

type queuePQ []*queueItem

func (pq queuePQ) Len() int { return len(pq) }
func (pq queuePQ) Less(i, j int) bool {
	if pq[i].vft != pq[j].vft {
		return pq[i].vft < pq[j].vft
	}
	return pq[i].qid < pq[j].qid
}
func (pq queuePQ) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *queuePQ) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *queuePQ) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

// queueHeap wraps a queuePQ with a qid->item index, scoped to one link.
type queueHeap struct {
	pq    queuePQ
	byQid map[int]*queueItem
}

func newQueueHeap() *queueHeap {
	return &queueHeap{byQid: make(map[int]*queueItem)}
}

func (h *queueHeap) Len() int { return len(h.pq) }

func (h *queueHeap) Insert(qid int, vft int64) {
	it := &queueItem{qid: qid, vft: vft}
	h.byQid[qid] = it
	heap.Push(&h.pq, it)
}

func (h *queueHeap) Remove(qid int) {
	it, ok := h.byQid[qid]
	if !ok {
		return
	}
	delete(h.byQid, qid)
	heap.Remove(&h.pq, it.index)
}

func (h *queueHeap) ChangeKey(qid int, vft int64) {
	it, ok := h.byQid[qid]
	if !ok {
		return
	}
	it.vft = vft
	heap.Fix(&h.pq, it.index)
}

// Min returns the qid with the smallest VFT, or (0,false) if empty.
func (h *queueHeap) Min() (int, bool) {
	if len(h.pq) == 0 {
		return 0, false
	}
	return h.pq[0].qid, true
}
