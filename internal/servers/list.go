package servers

import (
	"sort"
	"time"
)

// Phase is where the engine is in its discover/fetch cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDiscovering Phase = "discovering"
	PhaseFetching    Phase = "fetching"
	PhaseSettled     Phase = "settled"
)

// Snapshot is a point-in-time copy of the engine's collection and flags.
// Records keep master list order.
type Snapshot struct {
	Records      []Record  `json:"records"`
	Loading      bool      `json:"loading"`
	Online       bool      `json:"online"`
	Phase        Phase     `json:"phase"`
	Cycles       int       `json:"cycles"`
	DirectoryErr error     `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Ready returns the records that have settled at least one query.
func (s Snapshot) Ready() []Record {
	list := make([]Record, 0, len(s.Records))
	for _, r := range s.Records {
		if r.Loaded {
			list = append(list, r)
		}
	}
	return list
}

// Responding returns the Loaded records, most players first. Equal player
// counts keep master list order.
func (s Snapshot) Responding() []Record {
	list := make([]Record, 0, len(s.Records))
	for _, r := range s.Records {
		if r.Responding() {
			list = append(list, r)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].NumPlayers > list[j].NumPlayers
	})
	return list
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Records = make([]Record, len(s.Records))
	copy(out.Records, s.Records)
	return out
}
