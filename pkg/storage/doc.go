/*
Package storage keeps the row blocks that tablet scanners read.

BoltStore implements Store on an embedded BoltDB file. Each tablet is a
nested bucket; each block is a JSON encoded list of rows compressed with
lz4 and keyed by its block number:

	scansched.db
	└── tablets
	    ├── orders
	    │   ├── 0000000000000001 → lz4(json{"rows": [...]})
	    │   └── 0000000000000002 → ...
	    └── events
	        └── ...

Block numbers come from the tablet bucket's sequence, so appends are
ordered and never reuse a number. Reads copy the value out of the
transaction before decompressing it.

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	seq, err := store.AppendBlock("orders", rows)
	rows, err = store.ReadBlock("orders", seq)

Missing tablets and blocks are reported as ErrTabletNotFound and
ErrBlockNotFound.
*/
package storage
