package collectors

// dedupSet is a bounded insertion-ordered hash set. When the set fills up the
// oldest half is evicted so tailing never grows without bound.
type dedupSet struct {
	limit int
	seen  map[string]struct{}
	order []string
}

func newDedupSet(limit int) *dedupSet {
	if limit < 2 {
		limit = 2
	}
	return &dedupSet{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
		order: make([]string, 0, limit),
	}
}

// add inserts the hash and reports whether it was new.
func (d *dedupSet) add(hash string) bool {
	if _, ok := d.seen[hash]; ok {
		return false
	}

	if len(d.order) >= d.limit {
		half := d.limit / 2
		for _, old := range d.order[:half] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0], d.order[half:]...)
	}

	d.seen[hash] = struct{}{}
	d.order = append(d.order, hash)
	return true
}

func (d *dedupSet) len() int {
	return len(d.order)
}
