package provider

import "strings"

// Detector identifies which adapter applies to an inbound payload. The
// probe order is fixed so ambiguous payloads resolve deterministically.
type Detector struct {
	adapters []Adapter
	byName   map[string]Adapter
}

// NewDetector keeps the supplied adapter order as the detection priority.
func NewDetector(adapters ...Adapter) *Detector {
	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Detector{adapters: adapters, byName: byName}
}

// ByName returns the adapter for an explicit provider hint, if recognized.
func (d *Detector) ByName(name string) (Adapter, bool) {
	a, ok := d.byName[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Detect probes adapters in priority order and returns the first match.
func (d *Detector) Detect(payload map[string]any) (Adapter, bool) {
	for _, a := range d.adapters {
		if a.Detect(payload) {
			return a, true
		}
	}
	return nil, false
}
