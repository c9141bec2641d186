package afm

import (
	"strconv"
	"strings"

	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

// ChannelStack holds multi-channel scan data as a stack of 2D layers.
// PFM instruments commonly record height, amplitude, and phase channels in
// one wave, with no reliable labeling of which layer is which.
type ChannelStack struct {
	layers []*grid.Grid
}

// NewChannelStack builds a stack from layers of identical shape.
func NewChannelStack(layers ...*grid.Grid) *ChannelStack {
	return &ChannelStack{layers: layers}
}

// Layers returns the number of channels.
func (s *ChannelStack) Layers() int { return len(s.layers) }

// Layer returns channel i.
func (s *ChannelStack) Layer(i int) *grid.Grid { return s.layers[i] }

// IdentifyPFMChannels picks the amplitude and phase channels out of a
// multi-channel stack using value-range statistics:
//
//   - phase candidates span an angular range (100..500 units wide, minimum
//     between -200 and 200, matching -180..180 or 0..360 degree encodings)
//   - amplitude candidates have large values or a large spread
//
// The amplitude channel is the candidate with the largest range, falling
// back to the widest-range channel overall. The phase index is -1 when no
// channel looks angular.
func IdentifyPFMChannels(s *ChannelStack) (amplitudeIdx, phaseIdx int) {
	type candidate struct {
		idx    int
		spread float64
	}

	var ampCandidates, phaseCandidates []candidate

	for i := 0; i < s.Layers(); i++ {
		ch := s.Layer(i)
		min, max := ch.Min(), ch.Max()
		spread := max - min

		switch {
		case spread > 100 && spread < 500 && min > -200 && min < 200:
			phaseCandidates = append(phaseCandidates, candidate{i, spread})
		case spread > 1000 || max > 1000:
			ampCandidates = append(ampCandidates, candidate{i, spread})
		}
	}

	amplitudeIdx = -1
	best := -1.0
	for _, c := range ampCandidates {
		if c.spread > best {
			best = c.spread
			amplitudeIdx = c.idx
		}
	}
	if amplitudeIdx < 0 {
		// Fallback: widest range wins.
		for i := 0; i < s.Layers(); i++ {
			if spread := s.Layer(i).Range(); spread > best {
				best = spread
				amplitudeIdx = i
			}
		}
	}

	phaseIdx = -1
	if len(phaseCandidates) > 0 {
		phaseIdx = phaseCandidates[0].idx
	}

	logging.LoaderDebug("channel identification: %d layers, amplitude=%d phase=%d",
		s.Layers(), amplitudeIdx, phaseIdx)

	return amplitudeIdx, phaseIdx
}

// ParseIgorNote extracts key:value metadata from an Igor wave note.
// Notes are CR-separated lines; values are coerced to numbers when they
// parse as such. A ScanSize entry yields symmetric XRange/YRange entries.
func ParseIgorNote(note string) map[string]any {
	meta := make(map[string]any)

	for _, line := range strings.Split(note, "\r") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}

		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			meta[key] = n
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			meta[key] = f
		} else {
			meta[key] = value
		}
	}

	if size, ok := noteFloat(meta, "ScanSize"); ok {
		meta["XRange"] = [2]float64{-size / 2, size / 2}
		meta["YRange"] = [2]float64{-size / 2, size / 2}
	}

	return meta
}

// noteFloat fetches a numeric note entry regardless of how it was coerced.
func noteFloat(meta map[string]any, key string) (float64, bool) {
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
