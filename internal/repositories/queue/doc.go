// Package queue persists the upload queue in a local SQLite database.
//
// The whole collection is stored as one serialized JSON array under a fixed
// key, with a secondary key tracking the last processing pass. Loading
// applies crash recovery: any item persisted as uploading is downgraded to
// queued, because an in-flight upload cannot survive a restart.
package queue
