package resource

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// AnomalyKind classifies the inconsistencies found by Validate.
type AnomalyKind string

const (
	// A replayed descriptor is not open in the replayer.
	Dangling AnomalyKind = "dangling"
	// A replayed descriptor is mapped by more than one fd table.
	Duplicate AnomalyKind = "duplicate"
	// A replayed descriptor belongs to the replayer itself.
	Stolen AnomalyKind = "stolen"
	// A live descriptor of the replayer is neither owned by the replayer
	// nor mapped by any fd table. Leaked anomalies have no pid nor traced
	// descriptor.
	Leaked AnomalyKind = "leaked"
)

// Anomaly describes one inconsistency between the fd tables and the live
// descriptors of the replayer.
type Anomaly struct {
	Kind     AnomalyKind
	PID      int
	Traced   int
	Replayed int
}

// Validate checks the fd tables against the live descriptors of the
// replayer, in both directions: every replayed descriptor must be open, and
// every open descriptor must be owned or mapped. Every anomaly is logged as a
// warning; the check never alters the tables.
func (m *Manager) Validate() []Anomaly {
	tables := m.tables.RLock()
	pids := make(map[*fdTable]int, len(*tables))
	for pid, t := range *tables {
		if p, ok := pids[t]; !ok || pid < p {
			pids[t] = pid
		}
	}
	m.tables.RUnlock(&tables)

	var anomalies []Anomaly
	owners := make(map[int]*fdTable)
	known := make(map[int]struct{})

	for t, pid := range pids {
		t.mutex.Lock()
		for traced, fd := range t.fds {
			if fd.Replayed < 0 {
				continue
			}
			known[fd.Replayed] = struct{}{}
			switch prev, seen := owners[fd.Replayed]; {
			case seen && prev != t:
				anomalies = append(anomalies, Anomaly{Kind: Duplicate, PID: pid, Traced: traced, Replayed: fd.Replayed})
			case m.Owned(fd.Replayed):
				anomalies = append(anomalies, Anomaly{Kind: Stolen, PID: pid, Traced: traced, Replayed: fd.Replayed})
			case !isOpen(fd.Replayed):
				anomalies = append(anomalies, Anomaly{Kind: Dangling, PID: pid, Traced: traced, Replayed: fd.Replayed})
			default:
				owners[fd.Replayed] = t
			}
		}
		t.mutex.Unlock()
	}

	live, err := liveFDs()
	if err != nil {
		m.log.WithError(err).Warn("skipping the scan of live descriptors")
	}
	owned := m.owned.RLock()
	for _, fd := range live {
		_, isOwned := (*owned)[fd]
		if _, isKnown := known[fd]; !isOwned && !isKnown {
			anomalies = append(anomalies, Anomaly{Kind: Leaked, Traced: Failed, Replayed: fd})
		}
	}
	m.owned.RUnlock(&owned)

	slices.SortFunc(anomalies, func(a, b Anomaly) bool {
		if a.PID != b.PID {
			return a.PID < b.PID
		}
		if a.Traced != b.Traced {
			return a.Traced < b.Traced
		}
		return a.Replayed < b.Replayed
	})
	for _, a := range anomalies {
		m.warn(a.PID, "fd table anomaly", logrus.Fields{
			"anomaly":  string(a.Kind),
			"fd":       a.Traced,
			"replayed": a.Replayed,
		})
	}
	return anomalies
}
