package internal

// Reconciliation keeps cached chapter counts monotonically truthful. The
// upstream paginates its chapter index, so any single fetch may cover only
// part of the truth; treating a partial page as authoritative caused the
// last-chapter count to oscillate. The rule is one-way-up: a fetch can only
// ever raise last_chapter_number.

// Reconcile merges newly fetched chapters (from one or more pages) into the
// book record. It returns the possibly-updated book, the set of chapters to
// upsert, and whether the book changed.
//
// Chapters absent from this fetch are never deleted; they may simply live
// on pages we didn't cover.
func Reconcile(book Book, fetched []Chapter) (Book, []Chapter, bool) {
	if len(fetched) == 0 {
		return book, nil, false
	}

	observedMax := 0
	var last Chapter
	for _, c := range fetched {
		if c.Number > observedMax {
			observedMax = c.Number
			last = c
		}
	}

	changed := false
	if observedMax > book.LastChapterNumber {
		book.LastChapterNumber = observedMax
		book.LastChapterTitle = last.Title
		book.LastChapterURL = last.URL
		changed = true
	}
	// observedMax <= existing: the fetch is assumed incomplete, not
	// authoritative-shrinking. Never downgrade.

	return book, dedupeByNumber(fetched), changed
}

// MergeChapterLists combines the stored index with a fresh fetch,
// preferring the new title/url on conflict and keeping unobserved existing
// chapters. The result is sorted ascending by number.
func MergeChapterLists(existing, fetched []Chapter) []Chapter {
	byNumber := make(map[int]Chapter, len(existing)+len(fetched))
	for _, c := range existing {
		byNumber[c.Number] = c
	}
	for _, c := range fetched {
		if prev, ok := byNumber[c.Number]; ok {
			// Keep the minted public ID stable across refreshes.
			c.PublicID = prev.PublicID
		}
		byNumber[c.Number] = c
	}

	merged := make([]Chapter, 0, len(byNumber))
	for _, c := range byNumber {
		merged = append(merged, c)
	}
	sortChapters(merged)
	return merged
}

// dedupeByNumber collapses duplicate chapter numbers within a single fetch,
// keeping the last occurrence. Numbers within a book must be unique; gaps
// are fine (they represent upstream ambiguity, not corruption).
func dedupeByNumber(chapters []Chapter) []Chapter {
	byNumber := make(map[int]Chapter, len(chapters))
	for _, c := range chapters {
		byNumber[c.Number] = c
	}
	out := make([]Chapter, 0, len(byNumber))
	for _, c := range byNumber {
		out = append(out, c)
	}
	sortChapters(out)
	return out
}
