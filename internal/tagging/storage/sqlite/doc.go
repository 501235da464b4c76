// Package sqlite contains the SQLite-backed tag store: contributor tags,
// resolved consensus records, reputation profiles and dispute audit records.
//
// All SQL for the tagging domain lives here so the consensus engine and the
// reputation rules stay free of storage details. Every storage failure is
// returned as a *tagging.StorageError.
package sqlite
