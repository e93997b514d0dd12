package risk

import (
	"fmt"
	"sort"
	"time"

	"licensecore/internal/license"
)

func velocityFactor(recent []license.ValidationEvent, threshold int, window time.Duration, weight float64) Factor {
	n := len(recent)
	f := Factor{
		Name:        FactorVelocity,
		Weight:      weight,
		Description: fmt.Sprintf("%d validations in the last %s (plan threshold %d)", n, window, threshold),
	}
	if n > threshold {
		f.Score = clamp(50 + 50*float64(n-threshold)/float64(threshold))
	}
	return f
}

func geographicFactor(recent []license.ValidationEvent, loc Locator, cfg Config) Factor {
	f := Factor{Name: FactorGeographic, Weight: cfg.Weights.Geographic}

	type located struct {
		at  time.Time
		loc Location
	}
	var seen []located
	distinct := make(map[string]struct{})
	for _, e := range recent {
		l, ok := loc.Locate(e.IPAddress)
		if !ok {
			continue
		}
		seen = append(seen, located{at: e.Timestamp, loc: l})
		distinct[l.Key] = struct{}{}
	}
	if len(seen) == 0 {
		f.Description = "no locatable client addresses"
		return f
	}

	span := seen[len(seen)-1].at.Sub(seen[0].at)
	feasible := 1 + int(span/cfg.RelocationInterval)
	if excess := len(distinct) - feasible; excess > 0 {
		f.Score = clamp(25 * float64(excess))
	}

	impossible := 0
	var fastest float64
	for i := 1; i < len(seen); i++ {
		a, b := seen[i-1].loc, seen[i].loc
		if !a.HasCoords || !b.HasCoords || a.Key == b.Key {
			continue
		}
		km := distanceKm(a, b)
		if km < 100 {
			continue
		}
		hours := seen[i].at.Sub(seen[i-1].at).Hours()
		if hours < 1.0/60 {
			hours = 1.0 / 60
		}
		if speed := km / hours; speed > cfg.MaxTravelKmh {
			impossible++
			if speed > fastest {
				fastest = speed
			}
		}
	}
	if impossible > 0 {
		f.Score = max(f.Score, clamp(60+20*float64(impossible-1)))
		f.Description = fmt.Sprintf("%d locations, %d feasible in %s; %d impossible trips (up to %.0f km/h)",
			len(distinct), feasible, span.Round(time.Minute), impossible, fastest)
		return f
	}
	f.Description = fmt.Sprintf("%d locations, %d feasible in %s", len(distinct), feasible, span.Round(time.Minute))
	return f
}

func cloningFactor(recent []license.ValidationEvent, weight float64) Factor {
	digestsByDevice := make(map[string]map[string]struct{})
	devicesByDigest := make(map[string]map[string]struct{})
	add := func(m map[string]map[string]struct{}, k, v string) {
		if m[k] == nil {
			m[k] = make(map[string]struct{})
		}
		m[k][v] = struct{}{}
	}
	for _, e := range recent {
		if e.HardwareDigest == "" || e.FingerprintHash == "" {
			continue
		}
		add(digestsByDevice, e.FingerprintHash, e.HardwareDigest)
		add(devicesByDigest, e.HardwareDigest, e.FingerprintHash)
	}

	maxDigests, maxDevices := 0, 0
	for _, s := range digestsByDevice {
		maxDigests = max(maxDigests, len(s))
	}
	for _, s := range devicesByDigest {
		maxDevices = max(maxDevices, len(s))
	}
	clones := max(maxDigests-1, maxDevices-1, 0)
	return Factor{
		Name:   FactorCloning,
		Score:  clamp(50 * float64(clones)),
		Weight: weight,
		Description: fmt.Sprintf("up to %d hardware profiles per fingerprint, %d fingerprints per hardware profile",
			maxDigests, maxDevices),
	}
}

func concurrentFactor(recent []license.ValidationEvent, maxUsers uint32, session time.Duration, weight float64) Factor {
	type span struct{ start, end time.Time }
	byDevice := make(map[string][]span)
	for _, e := range recent {
		if e.Result != license.ResultAccepted || e.FingerprintHash == "" {
			continue
		}
		spans := byDevice[e.FingerprintHash]
		end := e.Timestamp.Add(session)
		if n := len(spans); n > 0 && !e.Timestamp.After(spans[n-1].end) {
			if end.After(spans[n-1].end) {
				spans[n-1].end = end
			}
		} else {
			spans = append(spans, span{start: e.Timestamp, end: end})
		}
		byDevice[e.FingerprintHash] = spans
	}

	type edge struct {
		at    time.Time
		delta int
	}
	var edges []edge
	for _, spans := range byDevice {
		for _, s := range spans {
			edges = append(edges, edge{s.start, 1}, edge{s.end, -1})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].at.Equal(edges[j].at) {
			return edges[i].delta < edges[j].delta
		}
		return edges[i].at.Before(edges[j].at)
	})
	peak, cur := 0, 0
	for _, e := range edges {
		cur += e.delta
		peak = max(peak, cur)
	}

	limit := int(maxUsers)
	if limit == 0 {
		limit = 1
	}
	f := Factor{
		Name:        FactorConcurrent,
		Weight:      weight,
		Description: fmt.Sprintf("peak of %d simultaneous sessions for %d users", peak, limit),
	}
	if peak > limit {
		f.Score = clamp(50 + 50*float64(peak-limit)/float64(limit))
	}
	return f
}

func timePatternFactor(recent, history []license.ValidationEvent, cfg Config) Factor {
	f := Factor{Name: FactorTimePattern, Weight: cfg.Weights.TimePattern}
	if len(history) < cfg.MinHistoryEvents {
		f.Description = fmt.Sprintf("%d historical validations, not enough to learn a pattern", len(history))
		return f
	}
	if len(recent) == 0 {
		f.Description = "no recent validations"
		return f
	}

	var hours [24]int
	for _, e := range history {
		hours[e.Timestamp.UTC().Hour()]++
	}
	rare := 0
	for _, e := range recent {
		share := float64(hours[e.Timestamp.UTC().Hour()]) / float64(len(history))
		if share < cfg.RareHourShare {
			rare++
		}
	}
	frac := float64(rare) / float64(len(recent))
	f.Score = clamp(100 * frac)
	f.Description = fmt.Sprintf("%d of %d recent validations at hours this licensee rarely uses", rare, len(recent))
	return f
}
