package domain

import "fmt"

// Row identifies one of the three HBW storage rows.
type Row byte

const (
	RowA Row = 'A'
	RowB Row = 'B'
	RowC Row = 'C'
)

// SlotID identifies one of the 9 fixed storage positions, e.g. "A1".
type SlotID string

// AllSlotIDs lists the 9 slots in deterministic (row, then column) order,
// the iteration order the executor uses for automatic slot selection
// (see PROCESS's slot-selection rule in SPEC_FULL.md §10).
var AllSlotIDs = []SlotID{
	"A1", "A2", "A3",
	"B1", "B2", "B3",
	"C1", "C2", "C3",
}

// NewSlotID builds a SlotID from a row and 1-indexed column.
func NewSlotID(row Row, column int) SlotID {
	return SlotID(fmt.Sprintf("%c%d", row, column))
}

// Slot is a fixed storage position. Coordinates are immutable configuration;
// only Occupant changes over the process lifetime.
type Slot struct {
	ID       SlotID
	Row      Row
	Column   int
	X, Y, Z  float64
	Occupant CarrierID // empty when unoccupied
}

// Empty reports whether the slot currently holds no carrier.
func (s Slot) Empty() bool {
	return s.Occupant == ""
}

// DefaultLayout returns the 9 slots of the 3x3 HBW grid with their fixed
// spatial coordinates, all initially empty. Column pitch is 250mm, row
// pitch 200mm, matching the scale the conveyor/VGR travel limits assume.
func DefaultLayout() []Slot {
	slots := make([]Slot, 0, len(AllSlotIDs))
	rows := []Row{RowA, RowB, RowC}
	for ri, row := range rows {
		for col := 1; col <= 3; col++ {
			slots = append(slots, Slot{
				ID:     NewSlotID(row, col),
				Row:    row,
				Column: col,
				X:      float64(col-1) * 250.0,
				Y:      float64(ri) * 200.0,
				Z:      0,
			})
		}
	}
	return slots
}
