package afm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

// Igor Binary Wave, version 5. Layout per WaveMetrics' IgorBin.h: a 64-byte
// bin header, a 320-byte wave header (the trailing wData placeholder marks
// the start of the data block), then raw wave data in column-major order,
// followed by the dependency formula and the wave note.

const (
	ibwBinHeader5Size  = 64
	ibwWaveHeader5Size = 320
)

// Igor numeric type codes (WaveHeader5.type).
const (
	ibwTypeComplex = 0x01
	ibwTypeFloat32 = 0x02
	ibwTypeFloat64 = 0x04
	ibwTypeInt8    = 0x08
	ibwTypeInt16   = 0x10
	ibwTypeInt32   = 0x20
	ibwTypeUnsigned = 0x40
)

type ibwBinHeader5 struct {
	Version        int16
	Checksum       int16
	WfmSize        int32
	FormulaSize    int32
	NoteSize       int32
	DataEUnitsSize int32
	DimEUnitsSize  [4]int32
	DimLabelsSize  [4]int32
	SIndicesSize   int32
	OptionsSize1   int32
	OptionsSize2   int32
}

type ibwWaveHeader5 struct {
	Next         uint32
	CreationDate uint32
	ModDate      uint32
	Npnts        int32
	Type         int16
	DLock        int16
	Whpad1       [6]byte
	WhVersion    int16
	Bname        [32]byte
	Whpad2       int32
	DFolder      uint32
	NDim         [4]int32
	SfA          [4]float64
	SfB          [4]float64
	DataUnits    [4]byte
	DimUnits     [16]byte
	FsValid      int16
	Whpad3       int16
	TopFullScale float64
	BotFullScale float64
	DataEUnits   uint32
	DimEUnits    [4]uint32
	DimLabels    [4]uint32
	WaveNoteH    uint32
	WhUnused     [16]int32
	AModified    int16
	WModified    int16
	SwModified   int16
	UseBits      byte
	KindBits     byte
	Formula      uint32
	DepID        int32
	Whpad4       int16
	SrcFldr      int16
	FileName     uint32
	SIndices     uint32
}

// ibwByteOrder determines endianness from the leading version word.
// Igor writes native byte order; a version outside 1..5 read little-endian
// means the file came from a big-endian Mac.
func ibwByteOrder(data []byte) (binary.ByteOrder, int16, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("ibw: file too short")
	}
	le := int16(binary.LittleEndian.Uint16(data))
	if le >= 1 && le <= 5 {
		return binary.LittleEndian, le, nil
	}
	be := int16(binary.BigEndian.Uint16(data))
	if be >= 1 && be <= 5 {
		return binary.BigEndian, be, nil
	}
	return nil, 0, fmt.Errorf("ibw: unrecognized version word 0x%04x", uint16(le))
}

// loadIBW parses an Igor Binary Wave file into scan data. Multi-layer
// (3D) waves go through the PFM channel heuristic; plain images load as
// amplitude with zero phase.
func loadIBW(path string) (*ScanData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ibw: %w", err)
	}

	order, version, err := ibwByteOrder(data)
	if err != nil {
		return nil, err
	}
	if version != 5 {
		return nil, fmt.Errorf("ibw: version %d not supported (only version 5 waves carry 2D scans)", version)
	}
	if len(data) < ibwBinHeader5Size+ibwWaveHeader5Size {
		return nil, fmt.Errorf("ibw: truncated header (%d bytes)", len(data))
	}

	var bin ibwBinHeader5
	if err := binary.Read(bytes.NewReader(data[:ibwBinHeader5Size]), order, &bin); err != nil {
		return nil, fmt.Errorf("ibw: bin header: %w", err)
	}

	var wave ibwWaveHeader5
	if err := binary.Read(bytes.NewReader(data[ibwBinHeader5Size:ibwBinHeader5Size+ibwWaveHeader5Size]), order, &wave); err != nil {
		return nil, fmt.Errorf("ibw: wave header: %w", err)
	}

	if wave.Type&ibwTypeComplex != 0 {
		return nil, fmt.Errorf("ibw: complex waves not supported")
	}

	itemSize, err := ibwItemSize(wave.Type)
	if err != nil {
		return nil, err
	}

	rows := int(wave.NDim[0])
	cols := int(wave.NDim[1])
	layers := int(wave.NDim[2])
	if layers == 0 {
		layers = 1
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("ibw: wave %q is not an image (dims %v)", ibwName(wave.Bname), wave.NDim)
	}
	if int(wave.NDim[3]) > 0 {
		return nil, fmt.Errorf("ibw: 4D waves not supported (dims %v)", wave.NDim)
	}

	npnts := int(wave.Npnts)
	if npnts != rows*cols*layers {
		return nil, fmt.Errorf("ibw: npnts %d does not match dims %dx%dx%d", npnts, rows, cols, layers)
	}

	dataStart := ibwBinHeader5Size + ibwWaveHeader5Size
	dataEnd := dataStart + npnts*itemSize
	if len(data) < dataEnd {
		return nil, fmt.Errorf("ibw: truncated data block: have %d bytes, need %d", len(data), dataEnd)
	}

	values, err := ibwDecode(data[dataStart:dataEnd], wave.Type, order, npnts)
	if err != nil {
		return nil, err
	}

	// Igor stores column-major: the first dimension varies fastest.
	stack := make([]*grid.Grid, layers)
	for l := 0; l < layers; l++ {
		g := grid.New(rows, cols)
		for c := 0; c < cols; c++ {
			for r := 0; r < rows; r++ {
				g.Set(r, c, values[r+rows*(c+cols*l)])
			}
		}
		stack[l] = g
	}

	scan := &ScanData{Metadata: newMetadata()}
	if layers > 1 {
		ampIdx, phaseIdx := IdentifyPFMChannels(NewChannelStack(stack...))
		scan.Amplitude = stack[ampIdx]
		scan.Metadata.AmplitudeChannel = ampIdx
		if phaseIdx >= 0 {
			scan.Phase = stack[phaseIdx]
			scan.Metadata.PhaseChannel = phaseIdx
		} else {
			scan.Phase = grid.New(rows, cols)
		}
	} else {
		scan.Amplitude = stack[0]
		scan.Phase = grid.New(rows, cols)
	}

	// The wave note follows the data block and the dependency formula.
	noteStart := dataEnd + int(bin.FormulaSize)
	noteEnd := noteStart + int(bin.NoteSize)
	if bin.NoteSize > 0 && noteEnd <= len(data) {
		note := string(bytes.ReplaceAll(data[noteStart:noteEnd], []byte{0}, nil))
		scan.Metadata.Note = ParseIgorNote(note)
		applyNoteRanges(&scan.Metadata)
	}

	logging.LoaderDebug("ibw: wave %q %dx%dx%d type=0x%02x note=%d bytes",
		ibwName(wave.Bname), rows, cols, layers, wave.Type, bin.NoteSize)

	return scan, nil
}

// ibwItemSize returns the byte width of one sample for an Igor type code.
func ibwItemSize(t int16) (int, error) {
	switch t &^ ibwTypeUnsigned {
	case ibwTypeFloat32:
		return 4, nil
	case ibwTypeFloat64:
		return 8, nil
	case ibwTypeInt8:
		return 1, nil
	case ibwTypeInt16:
		return 2, nil
	case ibwTypeInt32:
		return 4, nil
	default:
		return 0, fmt.Errorf("ibw: unsupported wave type 0x%02x", t)
	}
}

// ibwDecode converts the raw sample block to float64s.
func ibwDecode(raw []byte, t int16, order binary.ByteOrder, n int) ([]float64, error) {
	out := make([]float64, n)
	unsigned := t&ibwTypeUnsigned != 0

	switch t &^ ibwTypeUnsigned {
	case ibwTypeFloat32:
		for i := 0; i < n; i++ {
			bits := order.Uint32(raw[i*4:])
			out[i] = float64(math.Float32frombits(bits))
		}
	case ibwTypeFloat64:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
	case ibwTypeInt8:
		for i := 0; i < n; i++ {
			if unsigned {
				out[i] = float64(raw[i])
			} else {
				out[i] = float64(int8(raw[i]))
			}
		}
	case ibwTypeInt16:
		for i := 0; i < n; i++ {
			v := order.Uint16(raw[i*2:])
			if unsigned {
				out[i] = float64(v)
			} else {
				out[i] = float64(int16(v))
			}
		}
	case ibwTypeInt32:
		for i := 0; i < n; i++ {
			v := order.Uint32(raw[i*4:])
			if unsigned {
				out[i] = float64(v)
			} else {
				out[i] = float64(int32(v))
			}
		}
	default:
		return nil, fmt.Errorf("ibw: unsupported wave type 0x%02x", t)
	}
	return out, nil
}

// ibwName extracts the NUL-terminated wave name.
func ibwName(b [32]byte) string {
	if i := bytes.IndexByte(b[:], 0); i >= 0 {
		return string(b[:i])
	}
	return string(b[:])
}

// applyNoteRanges promotes XRange/YRange note entries into typed metadata.
func applyNoteRanges(m *Metadata) {
	if r, ok := m.Note["XRange"].([2]float64); ok {
		m.XRange = &r
	}
	if r, ok := m.Note["YRange"].([2]float64); ok {
		m.YRange = &r
	}
}
