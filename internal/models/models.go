package models

import "time"

// DumpRecord represents crash-dump metadata stored in the database.
// StoredID is the opaque token the blob's on-disk path is derived from; it is
// replaced wholesale when the dump's file is replaced, never edited in place.
type DumpRecord struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	StoredID     string    `json:"stored_id"`
	Label        string    `json:"label"`
	CreatedAt    time.Time `json:"created_at"`
}
