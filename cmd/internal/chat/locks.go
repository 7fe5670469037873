package chat

import (
	"hash/fnv"
	"sort"
	"sync"
)

const messageLockStripes = 64

// messageLocks serializes mutate-then-route per message id, so events about one
// message leave the service in commit order. Unrelated messages rarely share a
// stripe.
type messageLocks struct {
	stripes [messageLockStripes]sync.Mutex
}

func stripeOf(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % messageLockStripes)
}

// lock takes the stripes of every id in ascending stripe order and returns the
// matching unlock.
func (l *messageLocks) lock(ids ...string) (unlock func()) {
	seen := make(map[int]struct{}, len(ids))
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		i := stripeOf(id)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
