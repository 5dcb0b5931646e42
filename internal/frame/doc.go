// Package frame provides the execution session and the partitioned, immutable
// dataframe every pipeline stage operates on.
//
// A Session bounds how many partitions are processed concurrently and is
// created once per run. Frames are split into partitions; per-partition work
// (column derivation, random splitting, scoring) fans out over a worker pool
// and each call blocks until every partition finished or one failed.
package frame
