// Package scanner provides scan.Scanner implementations backed by the
// block store. A TabletScanner reads a few blocks of one tablet per step, so
// the schedulers can interleave it with other scans.
package scanner
