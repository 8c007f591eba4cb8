package store

// recentList is a fixed-capacity sequence of ids, newest first. Pushing onto a
// full list overwrites the oldest slot.
type recentList struct {
	buf  []string
	head int
	n    int
}

func newRecentList(capacity int) *recentList {
	if capacity <= 0 {
		capacity = 1
	}
	return &recentList{buf: make([]string, capacity)}
}

func (r *recentList) at(i int) int {
	return (r.head + i) % len(r.buf)
}

func (r *recentList) indexOf(id string) int {
	for i := 0; i < r.n; i++ {
		if r.buf[r.at(i)] == id {
			return i
		}
	}
	return -1
}

func (r *recentList) Contains(id string) bool {
	return r.indexOf(id) >= 0
}

// PushFront moves id to the front, inserting it if absent.
func (r *recentList) PushFront(id string) {
	r.Remove(id)
	r.head = (r.head - 1 + len(r.buf)) % len(r.buf)
	r.buf[r.head] = id
	if r.n < len(r.buf) {
		r.n++
	}
}

// PushBack appends id unless the list is full or already holds it.
func (r *recentList) PushBack(id string) bool {
	if r.n == len(r.buf) || r.Contains(id) {
		return false
	}
	r.buf[r.at(r.n)] = id
	r.n++
	return true
}

func (r *recentList) Remove(id string) bool {
	k := r.indexOf(id)
	if k < 0 {
		return false
	}
	for i := k; i < r.n-1; i++ {
		r.buf[r.at(i)] = r.buf[r.at(i+1)]
	}
	r.n--
	r.buf[r.at(r.n)] = ""
	return true
}

func (r *recentList) IDs() []string {
	out := make([]string, r.n)
	for i := range out {
		out[i] = r.buf[r.at(i)]
	}
	return out
}

func (r *recentList) Len() int { return r.n }
func (r *recentList) Cap() int { return len(r.buf) }

func (r *recentList) Reset() {
	for i := range r.buf {
		r.buf[i] = ""
	}
	r.head, r.n = 0, 0
}
