package scanner

import (
	"context"
	"fmt"

	"github.com/cuemby/scansched/pkg/scan"
	"github.com/cuemby/scansched/pkg/storage"
)

const defaultBlocksPerStep = 1

// BlockReader is the part of storage.Store a TabletScanner needs.
type BlockReader interface {
	ReadBlock(tablet string, seq uint64) ([][]byte, error)
	Blocks(tablet string) ([]uint64, error)
}

var _ BlockReader = (storage.Store)(nil)

// Option configures a TabletScanner.
type Option func(*TabletScanner)

// WithResource sets the pool class the scanner is scheduled on.
func WithResource(r scan.ResourceClass) Option {
	return func(s *TabletScanner) { s.resource = r }
}

// WithBlocksPerStep sets how many blocks one Scan call reads.
func WithBlocksPerStep(n int) Option {
	return func(s *TabletScanner) {
		if n > 0 {
			s.blocksPerStep = n
		}
	}
}

// WithFilter keeps only rows for which keep returns true.
func WithFilter(keep func(row []byte) bool) Option {
	return func(s *TabletScanner) { s.filter = keep }
}

// WithRange limits the scan to blocks numbered in [from, to]. A zero to
// means no upper bound.
func WithRange(from, to uint64) Option {
	return func(s *TabletScanner) { s.from, s.to = from, to }
}

// TabletScanner reads the blocks of one tablet, a few blocks per step.
type TabletScanner struct {
	id            string
	store         BlockReader
	tablet        string
	resource      scan.ResourceClass
	blocksPerStep int
	filter        func([]byte) bool
	from, to      uint64

	blocks []uint64
	loaded bool
	next   int
	step   int
	closed bool
}

// NewTabletScanner creates a scanner over tablet. The block list is read on
// the first Scan.
func NewTabletScanner(store BlockReader, tablet string, opts ...Option) *TabletScanner {
	s := &TabletScanner{
		id:            "tablet/" + tablet,
		store:         store,
		tablet:        tablet,
		resource:      scan.ResourceLocal,
		blocksPerStep: defaultBlocksPerStep,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.from > 0 || s.to > 0 {
		s.id = fmt.Sprintf("tablet/%s[%d:%d]", tablet, s.from, s.to)
	}
	return s
}

func (s *TabletScanner) ID() string { return s.id }

func (s *TabletScanner) Resource() scan.ResourceClass { return s.resource }

// Scan reads the next blocksPerStep blocks into one batch.
func (s *TabletScanner) Scan(ctx context.Context) (*scan.Batch, bool, error) {
	if s.closed {
		return nil, false, fmt.Errorf("scanner %s is closed", s.id)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", scan.ErrCancelled, context.Cause(ctx))
	}
	if !s.loaded {
		if err := s.load(); err != nil {
			return nil, false, err
		}
	}
	if s.next >= len(s.blocks) {
		return nil, true, nil
	}

	s.step++
	batch := &scan.Batch{ScannerID: s.id, Seq: s.step}
	for i := 0; i < s.blocksPerStep && s.next < len(s.blocks); i++ {
		rows, err := s.store.ReadBlock(s.tablet, s.blocks[s.next])
		if err != nil {
			return nil, false, fmt.Errorf("failed to read block %d of tablet %s: %w", s.blocks[s.next], s.tablet, err)
		}
		s.next++
		for _, row := range rows {
			if s.filter == nil || s.filter(row) {
				batch.Rows = append(batch.Rows, row)
			}
		}
	}
	return batch, s.next >= len(s.blocks), nil
}

func (s *TabletScanner) load() error {
	all, err := s.store.Blocks(s.tablet)
	if err != nil {
		return fmt.Errorf("failed to list blocks of tablet %s: %w", s.tablet, err)
	}
	for _, seq := range all {
		if seq < s.from || (s.to > 0 && seq > s.to) {
			continue
		}
		s.blocks = append(s.blocks, seq)
	}
	s.loaded = true
	return nil
}

func (s *TabletScanner) Close() error {
	s.closed = true
	s.blocks = nil
	return nil
}

// Split returns one scanner per range of at most blocksPerScanner blocks,
// so a tablet can be read by several tasks of one context.
func Split(store BlockReader, tablet string, blocksPerScanner int, opts ...Option) ([]*TabletScanner, error) {
	if blocksPerScanner <= 0 {
		return nil, fmt.Errorf("blocks per scanner must be positive, got %d", blocksPerScanner)
	}
	seqs, err := store.Blocks(tablet)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks of tablet %s: %w", tablet, err)
	}

	var scanners []*TabletScanner
	for i := 0; i < len(seqs); i += blocksPerScanner {
		end := min(i+blocksPerScanner, len(seqs)) - 1
		rangeOpts := append(append([]Option(nil), opts...), WithRange(seqs[i], seqs[end]))
		scanners = append(scanners, NewTabletScanner(store, tablet, rangeOpts...))
	}
	return scanners, nil
}
