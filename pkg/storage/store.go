package storage

import "errors"

var (
	ErrTabletNotFound = errors.New("tablet not found")
	ErrBlockNotFound  = errors.New("block not found")
)

// Store holds the row blocks scanners read. Blocks of one tablet are
// numbered in append order starting at 1.
type Store interface {
	// AppendBlock stores rows as the next block of tablet, creating the
	// tablet if needed, and returns the block number.
	AppendBlock(tablet string, rows [][]byte) (uint64, error)
	ReadBlock(tablet string, seq uint64) ([][]byte, error)
	// Blocks lists the block numbers of tablet in ascending order.
	Blocks(tablet string) ([]uint64, error)
	ListTablets() ([]string, error)
	DeleteTablet(tablet string) error

	Close() error
}
