package data

// LayerState tracks an operation key through the layer algebra.
type LayerState int

const (
	// Unregistered keys have no layer and no pending reservation.
	Unregistered LayerState = iota
	// Reserved keys hold a position in the layer order but no data yet.
	Reserved
	// Resolving keys have an allocated layer that reads can observe.
	Resolving
	// Squashed keys have been merged into the base layer.
	Squashed
	// Discarded keys were closed without contributing any data.
	Discarded
)

func (s LayerState) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Resolving:
		return "resolving"
	case Squashed:
		return "squashed"
	case Discarded:
		return "discarded"
	default:
		return "unregistered"
	}
}

// Terminal reports whether no further transition is expected.
func (s LayerState) Terminal() bool {
	return s == Squashed || s == Discarded
}

// LayerState returns the current state of key. Terminal states are forgotten
// on the next Flush.
func (d *Data) LayerState(key int) LayerState {
	return d.states[key]
}

func (d *Data) pruneStates() {
	for key, s := range d.states {
		if s.Terminal() {
			delete(d.states, key)
		}
	}
}
