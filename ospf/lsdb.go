package ospf

import (
	"slices"
	"time"
)

// Database is the link state database of one area, or the AS-external LSAs
// shared by every non-stub area.
type Database struct {
	lsas map[LSAKey]*installedLSA

	// pending are our LSAs that were prematurely aged at the maximum
	// sequence number and get originated again once they are gone.
	pending map[LSAKey]bool
}

type installedLSA struct {
	*LSA
	installedAt time.Duration
}

func newDatabase() *Database {
	return &Database{
		lsas:    make(map[LSAKey]*installedLSA),
		pending: make(map[LSAKey]bool),
	}
}

func (db *Database) get(k LSAKey) *LSA {
	e, ok := db.lsas[k]
	if !ok {
		return nil
	}
	return e.LSA
}

// installedAt is the loop time at which the current instance of k was
// installed.
func (db *Database) installedAt(k LSAKey) (time.Duration, bool) {
	e, ok := db.lsas[k]
	if !ok {
		return 0, false
	}
	return e.installedAt, true
}

func (db *Database) set(l *LSA, now time.Duration) {
	db.lsas[l.Key()] = &installedLSA{LSA: l, installedAt: now}
}

func (db *Database) delete(k LSAKey) {
	delete(db.lsas, k)
}

func (db *Database) Len() int {
	return len(db.lsas)
}

// All returns the LSAs ordered by key.
func (db *Database) All() []*LSA {
	lsas := make([]*LSA, 0, len(db.lsas))
	for _, e := range db.lsas {
		lsas = append(lsas, e.LSA)
	}

	slices.SortFunc(lsas, func(a, b *LSA) int {
		return compareKeys(a.Key(), b.Key())
	})

	return lsas
}

func (db *Database) Headers() []LSAHeader {
	all := db.All()
	headers := make([]LSAHeader, len(all))
	for i, l := range all {
		headers[i] = l.LSAHeader
	}
	return headers
}
