package store

import (
	"sort"
)

type ownerEntry struct {
	id  string
	seq int64
}

// ownerIndex maps an owner to its paste ids, newest first. Owners with no
// pastes have no key.
type ownerIndex map[string][]ownerEntry

func (o ownerIndex) prepend(owner, id string, seq int64) {
	list := o[owner]
	list = append(list, ownerEntry{})
	copy(list[1:], list)
	list[0] = ownerEntry{id: id, seq: seq}
	o[owner] = list
}

// insert places id by creation sequence, newest first.
func (o ownerIndex) insert(owner, id string, seq int64) {
	list := o[owner]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].seq < seq
	})
	list = append(list, ownerEntry{})
	copy(list[i+1:], list[i:])
	list[i] = ownerEntry{id: id, seq: seq}
	o[owner] = list
}

func (o ownerIndex) remove(owner, id string) bool {
	list := o[owner]
	for i, e := range list {
		if e.id != id {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(o, owner)
		} else {
			o[owner] = list
		}
		return true
	}
	return false
}

func (o ownerIndex) ids(owner string) []string {
	list := o[owner]
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.id
	}
	return out
}
