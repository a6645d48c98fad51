package internal

import "fmt"

// Fingerprints identify cacheable resources. Every key for a book also
// carries the book's tag so the whole book can be invalidated at once.

const categoriesKey = "categories"

// BookKey is the fingerprint for a book's metadata.
func BookKey(bookID string) string {
	return fmt.Sprintf("book:%s", bookID)
}

func categoryKey(catID string, page int) string {
	return fmt.Sprintf("cat:%s:%d", catID, page)
}

func chaptersKey(bookID string, page int) string {
	return fmt.Sprintf("chapters:%s:page:%d", bookID, page)
}

func contentKey(bookID, chapterKey string) string {
	return fmt.Sprintf("content:%s:%s", bookID, chapterKey)
}

// bookTag groups all memory-cache entries belonging to one book.
func bookTag(bookID string) string {
	return fmt.Sprintf("tag:book:%s", bookID)
}
