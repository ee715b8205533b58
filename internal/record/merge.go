package record

// Merge produces the full outgoing record for a whole-record replace.
// Per field, over the union of all three key sets, the priority is:
//
//  1. the draft value, for the section being edited;
//  2. the remote value when present and non-empty, so sibling
//     sections the editor never loaded are carried through untouched;
//  3. the configured default, for fields no one has ever set.
//
// Defaulting before checking remote would silently reset other
// sections' data on every save; the ordering here is the correctness
// property the whole subsystem exists for. A remote field that is
// present but empty and has no default is still carried through, so a
// no-op merge round-trips the record byte-identical.
//
// Merge is pure: it never mutates its inputs and has no side effects.
func Merge(remote Composite, draft map[string]string, defaults map[string]string) Composite {
	merged := make(Composite, len(remote)+len(draft)+len(defaults))

	for name, value := range remote {
		merged[name] = value
	}
	for name, value := range defaults {
		if existing, ok := merged[name]; !ok || blank(existing) {
			merged[name] = value
		}
	}
	for name, value := range draft {
		merged[name] = value
	}
	return merged
}
