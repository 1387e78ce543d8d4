// Package store journals sent speed reports on disk.
package store

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"sync"

	"github.com/RoanBrand/speedwatch/internal/model"
	"github.com/dgraph-io/badger"
)

var (
	reportPrefix = []byte("rep")
	seqKey       = []byte("seq")
	lastSpeedKey = []byte("lastSpeed")
)

// Journal is a badger backed log of sent reports that also remembers the
// last reported speed across restarts.
type Journal struct {
	db *badger.DB

	mu  sync.Mutex
	seq uint64
}

func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions
	opts.Dir, opts.ValueDir = dir, dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: db}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		val, err := item.Value()
		if err != nil {
			return err
		}
		j.seq = binary.BigEndian.Uint64(val)
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores r and makes its speed the last reported one.
func (j *Journal) Append(r model.SpeedReport) error {
	val, err := r.Marshal()
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.seq + 1
	err = j.db.Update(func(txn *badger.Txn) error {
		key := make([]byte, 0, len(reportPrefix)+8)
		key = append(key, reportPrefix...)
		key = binary.BigEndian.AppendUint64(key, seq)
		if err := txn.Set(key, val); err != nil {
			return err
		}

		if err := txn.Set(seqKey, binary.BigEndian.AppendUint64(nil, seq)); err != nil {
			return err
		}

		return txn.Set(lastSpeedKey, binary.BigEndian.AppendUint64(nil, math.Float64bits(r.Speed)))
	})
	if err != nil {
		return err
	}

	j.seq = seq
	return nil
}

// LastSpeed returns the speed of the most recent report, if there is one.
func (j *Journal) LastSpeed() (speed float64, ok bool, err error) {
	err = j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastSpeedKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		val, err := item.Value()
		if err != nil {
			return err
		}

		speed, ok = math.Float64frombits(binary.BigEndian.Uint64(val)), true
		return nil
	})

	return
}

// Reports calls iter for every journaled report, oldest first, until it returns an error.
func (j *Journal) Reports(iter func(seq uint64, r *model.SpeedReport) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(reportPrefix); it.ValidForPrefix(reportPrefix); it.Next() {
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(reportPrefix):])
			val, err := item.Value()
			if err != nil {
				return err
			}

			r := new(model.SpeedReport)
			if err := json.Unmarshal(val, r); err != nil {
				return err
			}
			if err := iter(seq, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len is the number of reports appended so far.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}
