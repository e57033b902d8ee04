// Package project is the façade over the registry and the workspace trees.
//
// A Manager owns three things:
//
//   - the registry database (one row per project)
//   - the data and logs roots holding one tree per project
//   - the active project, an in-memory pointer that is never persisted
//
// Names map to directories through the naming package. The mapping is
// stored in each row when the project is created, so later changes to the
// mapping only affect new projects; UseShortHash and UseLongHash are the
// explicit migration path for existing ones.
//
// Lifecycle ordering:
//
//   - Create: tree, then row. A failed row insert leaves an orphan tree
//     that PurgeOrphans removes.
//   - Delete: row, then (optionally) tree.
//   - Copy: tree copy, then row.
//   - Rehash: tree move, then row update; the move is reverted if the
//     update fails.
//
// Deleting the active project always leaves no active project.
package project
