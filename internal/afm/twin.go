package afm

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

// Default spatial extent when a scan carries no range metadata: a 4 µm
// square window centered on the origin.
var defaultRange = [2]float64{-2e-6, 2e-6}

// Scan is a registered measurement: the parsed channels plus bookkeeping.
type Scan struct {
	ID       string
	Filepath string
	Format   Format
	Data     *ScanData
}

// XRange returns the scan's x extent, falling back to the default window.
func (s *Scan) XRange() [2]float64 {
	if s.Data.Metadata.XRange != nil {
		return *s.Data.Metadata.XRange
	}
	return defaultRange
}

// YRange returns the scan's y extent, falling back to the default window.
func (s *Scan) YRange() [2]float64 {
	if s.Data.Metadata.YRange != nil {
		return *s.Data.Metadata.YRange
	}
	return defaultRange
}

// LoadSummary is what LoadScan reports back to the caller.
type LoadSummary struct {
	ScanID   string  `json:"scan_id"`
	Filepath string  `json:"filepath"`
	Format   string  `json:"format"`
	Rows     int     `json:"rows"`
	Cols     int     `json:"cols"`
	AmpMin   float64 `json:"amplitude_min"`
	AmpMax   float64 `json:"amplitude_max"`
	AmpMean  float64 `json:"amplitude_mean"`
	AmpStd   float64 `json:"amplitude_std"`
	HasPhase bool    `json:"has_phase"`
}

// ScanInfo is one row of ListScans.
type ScanInfo struct {
	ScanID   string `json:"scan_id"`
	Filepath string `json:"filepath"`
	Format   string `json:"format"`
	Rows     int    `json:"rows"`
	Cols     int    `json:"cols"`
	Current  bool   `json:"current"`
}

// DomainAnalysis summarizes the ferroelectric domain structure of a scan.
type DomainAnalysis struct {
	ScanID         string  `json:"scan_id"`
	UpFraction     float64 `json:"up_fraction"`
	DownFraction   float64 `json:"down_fraction"`
	UpAreaM2       float64 `json:"up_area_m2"`
	DownAreaM2     float64 `json:"down_area_m2"`
	WallPixels     int     `json:"wall_pixels"`
	WallDensity    float64 `json:"wall_density"`
	MeanAmpUp      float64 `json:"mean_amplitude_up"`
	MeanAmpDown    float64 `json:"mean_amplitude_down"`
	MeanAmplitude  float64 `json:"mean_amplitude"`
	PhaseAvailable bool    `json:"phase_available"`
}

// Twin is the digital twin of the microscope: the registry of loaded
// scans plus the emulated probe state. Safe for concurrent use.
type Twin struct {
	mu      sync.RWMutex
	scans   map[string]*Scan
	current string

	probeX float64
	probeY float64
}

func NewTwin() *Twin {
	return &Twin{scans: make(map[string]*Scan)}
}

// LoadScan parses a file, registers the scan, and makes it current.
// An empty format triggers auto-detection.
func (t *Twin) LoadScan(path string, format Format) (*LoadSummary, error) {
	if format == "" || format == FormatUnknown {
		format = DetectFormat(path)
	}

	data, err := LoadFile(path, format)
	if err != nil {
		return nil, err
	}

	scan := &Scan{
		ID:       uuid.New().String()[:8],
		Filepath: path,
		Format:   format,
		Data:     data,
	}

	t.mu.Lock()
	t.scans[scan.ID] = scan
	t.current = scan.ID
	t.mu.Unlock()

	amp := data.Amplitude
	logging.AFM("loaded scan %s from %s (%s, %dx%d)", scan.ID, path, format, amp.Rows, amp.Cols)

	return &LoadSummary{
		ScanID:   scan.ID,
		Filepath: path,
		Format:   string(format),
		Rows:     amp.Rows,
		Cols:     amp.Cols,
		AmpMin:   amp.Min(),
		AmpMax:   amp.Max(),
		AmpMean:  amp.Mean(),
		AmpStd:   amp.Std(),
		HasPhase: data.Phase.Range() > 0,
	}, nil
}

// Register adds an already-parsed scan, used when scans arrive from the
// store or the mock generator rather than from disk.
func (t *Twin) Register(scan *Scan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scans[scan.ID] = scan
	if t.current == "" {
		t.current = scan.ID
	}
}

// Scan returns a scan by ID; an empty ID means the current scan.
func (t *Twin) Scan(id string) (*Scan, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == "" {
		id = t.current
	}
	if id == "" {
		return nil, fmt.Errorf("no scan loaded")
	}
	scan, ok := t.scans[id]
	if !ok {
		return nil, fmt.Errorf("unknown scan %q", id)
	}
	return scan, nil
}

// SetCurrent switches the active scan.
func (t *Twin) SetCurrent(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.scans[id]; !ok {
		return fmt.Errorf("unknown scan %q", id)
	}
	t.current = id
	return nil
}

// GetScan returns one channel of a scan by name. "amplitude" and "height"
// select the amplitude channel, "phase" the phase channel; anything else
// yields a zero grid of the same shape, matching the instrument's behavior
// for unconfigured channels.
func (t *Twin) GetScan(id, channel string) (*grid.Grid, error) {
	scan, err := t.Scan(id)
	if err != nil {
		return nil, err
	}
	switch channel {
	case "", "amplitude", "height":
		return scan.Data.Amplitude, nil
	case "phase":
		return scan.Data.Phase, nil
	default:
		logging.AFMDebug("channel %q not available on scan %s, returning zeros", channel, scan.ID)
		return grid.New(scan.Data.Amplitude.Rows, scan.Data.Amplitude.Cols), nil
	}
}

// ScanningEmulator streams a channel line by line, the way the instrument
// delivers a slow scan. The returned channel closes after the last line.
func (t *Twin) ScanningEmulator(id, channel string) (<-chan []float64, error) {
	g, err := t.GetScan(id, channel)
	if err != nil {
		return nil, err
	}
	lines := make(chan []float64)
	go func() {
		defer close(lines)
		for r := 0; r < g.Rows; r++ {
			lines <- g.Row(r)
		}
	}()
	return lines, nil
}

// GoTo moves the emulated probe to a physical position within the current
// scan's window.
func (t *Twin) GoTo(x, y float64) error {
	scan, err := t.Scan("")
	if err != nil {
		return err
	}
	xr, yr := scan.XRange(), scan.YRange()
	if x < xr[0] || x > xr[1] || y < yr[0] || y > yr[1] {
		return fmt.Errorf("position (%g, %g) outside scan window x=%v y=%v", x, y, xr, yr)
	}
	t.mu.Lock()
	t.probeX, t.probeY = x, y
	t.mu.Unlock()
	logging.AFMDebug("probe moved to (%g, %g)", x, y)
	return nil
}

// Position returns the probe's current physical position.
func (t *Twin) Position() (x, y float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.probeX, t.probeY
}

// Piezoresponse samples amplitude and phase at the probe position.
func (t *Twin) Piezoresponse() (amp, phase float64, err error) {
	scan, err := t.Scan("")
	if err != nil {
		return 0, 0, err
	}
	t.mu.RLock()
	x, y := t.probeX, t.probeY
	t.mu.RUnlock()

	g := scan.Data.Amplitude
	r := pixelIndex(y, scan.YRange(), g.Rows)
	c := pixelIndex(x, scan.XRange(), g.Cols)
	return g.At(r, c), scan.Data.Phase.At(r, c), nil
}

// pixelIndex maps a physical coordinate into a row/column index.
func pixelIndex(v float64, rng [2]float64, n int) int {
	span := rng[1] - rng[0]
	if span <= 0 || n <= 1 {
		return 0
	}
	i := int(math.Round((v - rng[0]) / span * float64(n-1)))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Domain wall detection threshold on the Sobel magnitude of the phase.
const wallThreshold = 20.0

// AnalyzeDomains computes domain populations from the phase channel:
// pixels with phase below 90° count as up domains, the rest as down.
// Sobel magnitude above the wall threshold marks domain walls.
func (t *Twin) AnalyzeDomains(id string) (*DomainAnalysis, error) {
	scan, err := t.Scan(id)
	if err != nil {
		return nil, err
	}

	amp := scan.Data.Amplitude
	phase := scan.Data.Phase
	total := phase.Rows * phase.Cols
	if total == 0 {
		return nil, fmt.Errorf("scan %s is empty", scan.ID)
	}

	isUp := func(v float64) bool { return v < 90 }
	up := phase.CountWhere(isUp)
	down := total - up

	edges := phase.Sobel()
	walls := edges.CountWhere(func(v float64) bool { return v > wallThreshold })

	xr, yr := scan.XRange(), scan.YRange()
	pixelArea := (xr[1] - xr[0]) / float64(phase.Cols) * (yr[1] - yr[0]) / float64(phase.Rows)

	analysis := &DomainAnalysis{
		ScanID:         scan.ID,
		UpFraction:     float64(up) / float64(total),
		DownFraction:   float64(down) / float64(total),
		UpAreaM2:       float64(up) * pixelArea,
		DownAreaM2:     float64(down) * pixelArea,
		WallPixels:     walls,
		WallDensity:    float64(walls) / float64(total),
		MeanAmplitude:  amp.Mean(),
		PhaseAvailable: phase.Range() > 0,
	}
	if v, ok := phase.MeanWhere(amp, isUp); ok {
		analysis.MeanAmpUp = v
	}
	if v, ok := phase.MeanWhere(amp, func(v float64) bool { return !isUp(v) }); ok {
		analysis.MeanAmpDown = v
	}

	logging.AFM("domain analysis %s: up=%.3f down=%.3f walls=%d", scan.ID,
		analysis.UpFraction, analysis.DownFraction, walls)
	return analysis, nil
}

// ListScans returns all registered scans, current first, then by ID.
func (t *Twin) ListScans() []ScanInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]ScanInfo, 0, len(t.scans))
	for _, s := range t.scans {
		infos = append(infos, ScanInfo{
			ScanID:   s.ID,
			Filepath: s.Filepath,
			Format:   string(s.Format),
			Rows:     s.Data.Amplitude.Rows,
			Cols:     s.Data.Amplitude.Cols,
			Current:  s.ID == t.current,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Current != infos[j].Current {
			return infos[i].Current
		}
		return infos[i].ScanID < infos[j].ScanID
	})
	return infos
}
