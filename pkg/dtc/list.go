package dtc

// List is the ordered collection of codes read during a session. Adding a
// code that is already present (same code and status) keeps the first entry.
type List struct {
	items []DTC
}

func (l *List) Add(ds ...DTC) (added int) {
	for _, d := range ds {
		if l.Contains(d) {
			continue
		}
		l.items = append(l.items, d)
		added++
	}
	return added
}

func (l *List) Contains(d DTC) bool {
	for _, it := range l.items {
		if it.Same(d) {
			return true
		}
	}
	return false
}

// Replace drops every code with status s and adds ds, so a fresh read of
// one status group replaces the previous read of that group.
func (l *List) Replace(s Status, ds []DTC) {
	kept := l.items[:0]
	for _, it := range l.items {
		if it.Status != s {
			kept = append(kept, it)
		}
	}
	l.items = kept
	for _, d := range ds {
		if d.Status == s {
			l.Add(d)
		}
	}
}

func (l *List) Items() []DTC {
	out := make([]DTC, len(l.items))
	copy(out, l.items)
	return out
}

func (l *List) Filter(s Status) []DTC {
	var out []DTC
	for _, it := range l.items {
		if it.Status == s {
			out = append(out, it)
		}
	}
	return out
}

func (l *List) Len() int {
	return len(l.items)
}

// Clear empties the list. Permanent codes survive a clear on the vehicle,
// keepPermanent retains them locally too.
func (l *List) Clear(keepPermanent bool) {
	if !keepPermanent {
		l.items = nil
		return
	}
	l.items = l.Filter(Permanent)
}
