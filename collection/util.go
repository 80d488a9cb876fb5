package collection

import "reflect"

func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// docsEqual compares two documents field-by-field using the same
// cross-type numeric equivalence Match uses, so update() is reported as
// idempotent (spec §8 round-trip property) even when, say, a document
// stored an int and the modifier re-sets it to an equivalent float64.
func docsEqual(a, b Document) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !equalValues(v, bv) {
			return false
		}
	}
	return true
}
