// Package ledger keeps the per-process bookkeeping of the pages tracked by
// the paging subsystem: which pages are resident and which are swapped out,
// with the slot that holds them.
//
// The ledger does no I/O and takes no locks. It is always mutated by the
// owner of an address space together with the page table change that the
// mutation describes.
package ledger

import "log"

// Capacities of the two tables.
const (
	ResidentCapacity = 16
	SwapCapacity     = 16

	// MaxTracked is the number of pages a process can have tracked.
	MaxTracked = ResidentCapacity + SwapCapacity
)

// A ResidentRecord describes a page backed by a frame.
type ResidentRecord struct {
	Occupied bool
	Owner    string
	VAddr    uint64
	Age      uint32
}

// A SwapRecord describes a page whose content lives in a swap slot.
type SwapRecord struct {
	Occupied bool
	VAddr    uint64
	Slot     int
	Owner    string
}

// A ResidentTable holds the resident records in arrival order. The occupied
// records always form a prefix of the table.
type ResidentTable struct {
	records [ResidentCapacity]ResidentRecord
	n       int
}

// Len returns the number of occupied records.
func (t *ResidentTable) Len() int {
	return t.n
}

// Full tells if no record can be appended.
func (t *ResidentTable) Full() bool {
	return t.n == ResidentCapacity
}

// FindFree returns the index the next appended record will take.
func (t *ResidentTable) FindFree() (int, bool) {
	if t.Full() {
		return -1, false
	}

	return t.n, true
}

// Find returns the index of the record of vAddr.
func (t *ResidentTable) Find(vAddr uint64) (int, bool) {
	for i := 0; i < t.n; i++ {
		if t.records[i].VAddr == vAddr {
			return i, true
		}
	}

	return -1, false
}

// Append records a page at the end of the arrival order.
func (t *ResidentTable) Append(rec ResidentRecord) {
	if t.Full() {
		log.Panicf("resident table full when recording %#x", rec.VAddr)
	}

	if _, found := t.Find(rec.VAddr); found {
		log.Panicf("page %#x recorded as resident twice", rec.VAddr)
	}

	rec.Occupied = true
	t.records[t.n] = rec
	t.n++
}

// RemoveAt removes the record at index i and shifts the records behind it
// one position towards the front.
func (t *ResidentTable) RemoveAt(i int) ResidentRecord {
	t.mustBeOccupied(i)

	rec := t.records[i]
	copy(t.records[i:t.n], t.records[i+1:t.n])
	t.n--
	t.records[t.n] = ResidentRecord{}

	return rec
}

// At returns the record at index i.
func (t *ResidentTable) At(i int) ResidentRecord {
	t.mustBeOccupied(i)
	return t.records[i]
}

// Set replaces the record at index i.
func (t *ResidentTable) Set(i int, rec ResidentRecord) {
	t.mustBeOccupied(i)

	rec.Occupied = true
	t.records[i] = rec
}

// Records returns a copy of the occupied records in arrival order.
func (t *ResidentTable) Records() []ResidentRecord {
	out := make([]ResidentRecord, t.n)
	copy(out, t.records[:t.n])

	return out
}

func (t *ResidentTable) mustBeOccupied(i int) {
	if i < 0 || i >= t.n {
		log.Panicf("resident record %d is not occupied", i)
	}
}

// A SwapTable holds the swap records. Record i always describes slot i.
type SwapTable struct {
	records [SwapCapacity]SwapRecord
}

// Len returns the number of occupied records.
func (t *SwapTable) Len() int {
	n := 0

	for i := range t.records {
		if t.records[i].Occupied {
			n++
		}
	}

	return n
}

// FindFree returns the first unoccupied record.
func (t *SwapTable) FindFree() (int, bool) {
	for i := range t.records {
		if !t.records[i].Occupied {
			return i, true
		}
	}

	return -1, false
}

// FindOccupied returns the first occupied record.
func (t *SwapTable) FindOccupied() (int, bool) {
	for i := range t.records {
		if t.records[i].Occupied {
			return i, true
		}
	}

	return -1, false
}

// Find returns the index of the record of vAddr.
func (t *SwapTable) Find(vAddr uint64) (int, bool) {
	for i := range t.records {
		if t.records[i].Occupied && t.records[i].VAddr == vAddr {
			return i, true
		}
	}

	return -1, false
}

// Put fills the unoccupied record i. The slot of the record is i.
func (t *SwapTable) Put(i int, rec SwapRecord) {
	if t.records[i].Occupied {
		log.Panicf("swap record %d already holds %#x", i, t.records[i].VAddr)
	}

	if _, found := t.Find(rec.VAddr); found {
		log.Panicf("page %#x recorded as swapped twice", rec.VAddr)
	}

	rec.Occupied = true
	rec.Slot = i
	t.records[i] = rec
}

// At returns the record i, occupied or not.
func (t *SwapTable) At(i int) SwapRecord {
	return t.records[i]
}

// Clear frees record i and returns what it held.
func (t *SwapTable) Clear(i int) SwapRecord {
	if !t.records[i].Occupied {
		log.Panicf("swap record %d is not occupied", i)
	}

	rec := t.records[i]
	t.records[i] = SwapRecord{}

	return rec
}

// Records returns a copy of the occupied records in slot order.
func (t *SwapTable) Records() []SwapRecord {
	var out []SwapRecord

	for i := range t.records {
		if t.records[i].Occupied {
			out = append(out, t.records[i])
		}
	}

	return out
}

// A Ledger is the pair of tables of one address space.
type Ledger struct {
	Resident ResidentTable
	Swap     SwapTable
}

// Tracked returns the number of pages in both tables.
func (l *Ledger) Tracked() int {
	return l.Resident.Len() + l.Swap.Len()
}

// Contains tells if vAddr is tracked by either table.
func (l *Ledger) Contains(vAddr uint64) bool {
	if _, found := l.Resident.Find(vAddr); found {
		return true
	}

	_, found := l.Swap.Find(vAddr)

	return found
}

// Reset clears both tables.
func (l *Ledger) Reset() {
	*l = Ledger{}
}

// ChangeOwner relabels every record with a new owner.
func (l *Ledger) ChangeOwner(owner string) {
	for i := 0; i < l.Resident.n; i++ {
		l.Resident.records[i].Owner = owner
	}

	for i := range l.Swap.records {
		if l.Swap.records[i].Occupied {
			l.Swap.records[i].Owner = owner
		}
	}
}

// A Snapshot is a copy of the content of a ledger.
type Snapshot struct {
	Resident []ResidentRecord
	Swap     []SwapRecord
}

// Snapshot copies the content of the ledger. Swap records are copied slot by
// slot, including the unoccupied ones.
func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{
		Resident: l.Resident.Records(),
		Swap:     make([]SwapRecord, SwapCapacity),
	}
	copy(s.Swap, l.Swap.records[:])

	return s
}

// Restore replaces the content of the ledger with a snapshot.
func (l *Ledger) Restore(s Snapshot) {
	if len(s.Resident) > ResidentCapacity || len(s.Swap) > SwapCapacity {
		log.Panicf("snapshot does not fit in a ledger")
	}

	l.Reset()

	for _, rec := range s.Resident {
		l.Resident.Append(rec)
	}

	copy(l.Swap.records[:], s.Swap)
}
