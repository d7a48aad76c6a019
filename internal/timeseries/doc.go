// Package timeseries defines the data model shared by every component of
// the sample lifecycle: the Sample unit, UTC calendar-day arithmetic, the
// retention boundary, the canonical cold-store partition key, and query
// planning against the hot/cold seam.
//
// The partition key formula and the boundary arithmetic live here and ONLY
// here. The ingestion writer, the archival migrator, the backfill importer
// and the query router all import this package; none of them may restate
// the formula.
package timeseries
