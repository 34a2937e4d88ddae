package room

import "vtt/internal/table"

// Hydrate seeds a replica from an authoritative snapshot exactly once
// per document lifetime. The reset and bulk insert commit as a single
// transaction, so observers see one change event covering the whole
// snapshot, never a half-filled document.
//
// A replica that has already been hydrated is left untouched even when
// called with a different snapshot: edits from other clients may have
// merged in between fetch and hydration, and a second hydration would
// clobber them. The return value reports whether hydration ran.
func Hydrate(doc *Document, snap table.Snapshot) bool {
	doc.mu.Lock()
	if doc.hydrated {
		doc.mu.Unlock()
		return false
	}
	doc.hydrated = true
	doc.mu.Unlock()

	doc.Transact(func(tx *Tx) {
		tx.Clear()
		for _, tok := range snap.Tokens {
			tx.Put(tok)
		}
		for _, msg := range snap.Chat {
			tx.Append(msg)
		}
	})
	return true
}
