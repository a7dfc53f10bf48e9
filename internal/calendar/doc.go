// Package calendar stores calendar events and answers scheduling questions:
// conflicts (half-open interval overlap), free slots and travel-aware start
// times. Events are only mutated through Create/Update/Delete; travel and
// conflicts are always derived, never edited directly.
package calendar
