package collection

// Diff computes the field-level delta spec §4.2 describes: Changed
// holds every entry of after that is not identical to the corresponding
// entry of before (including entries new to after); Cleared holds the
// keys present in before but absent from after. _id is excluded from
// both since it is immutable after insert (spec §3).
func Diff(before, after Document) (changed Document, cleared []string) {
	changed = Document{}
	for k, v := range after {
		if k == "_id" {
			continue
		}
		if old, ok := before[k]; !ok || !equalValues(old, v) {
			changed[k] = v
		}
	}
	for k := range before {
		if k == "_id" {
			continue
		}
		if _, ok := after[k]; !ok {
			cleared = append(cleared, k)
		}
	}
	return changed, cleared
}
