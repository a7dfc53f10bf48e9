// Package sources turns outside happenings into rule engine events:
// RSS/Atom feed items (feed_item) and file system changes (file_change).
// Each source de-duplicates its own deliveries before emitting.
package sources
