// ABOUTME: Time-sync file package
// ABOUTME: Reads and writes checksummed master/secondary timestamp pairs
// Package tsyncfile implements the tsync binary format.
//
// A tsync file records pairs of (master, secondary) timestamps so that a
// secondary clock can be reconciled with the master clock after a run. The
// header and every block of records carry an xxhash64 checksum.
//
// Example:
//
//	w := tsyncfile.NewWriter()
//	w.SetFileName("/data/camera")
//	err := w.Open("camera", collectionID, time.Millisecond)
//	err = w.WriteTimes(master, secondary)
//	err = w.Close()
package tsyncfile
