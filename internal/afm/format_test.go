package afm

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeIBW5 synthesizes a version 5 Igor wave file with float32 data in
// Fortran order, optionally multi-layer, with a trailing note.
func writeIBW5(t *testing.T, path string, rows, cols, layers int, layerValue func(l int, r, c int) float32, note string) {
	t.Helper()

	npnts := rows * cols * layers
	var buf bytes.Buffer

	bin := ibwBinHeader5{
		Version:  5,
		NoteSize: int32(len(note)),
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &bin))

	wave := ibwWaveHeader5{
		Npnts: int32(npnts),
		Type:  ibwTypeFloat32,
	}
	copy(wave.Bname[:], "testwave")
	wave.NDim[0] = int32(rows)
	wave.NDim[1] = int32(cols)
	if layers > 1 {
		wave.NDim[2] = int32(layers)
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &wave))

	// Column-major: first dimension varies fastest.
	for l := 0; l < layers; l++ {
		for c := 0; c < cols; c++ {
			for r := 0; r < rows; r++ {
				require.NoError(t, binary.Write(&buf, binary.LittleEndian, layerValue(l, r, c)))
			}
		}
	}
	buf.WriteString(note)

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// writeNPY synthesizes a v1.0 .npy file of float64s.
func writeNPY(t *testing.T, path string, shape string, fortran bool, values []float64) {
	t.Helper()

	order := "False"
	if fortran {
		order = "True"
	}
	dict := "{'descr': '<f8', 'fortran_order': " + order + ", 'shape': " + shape + ", }"
	for (10+len(dict)+1)%64 != 0 {
		dict += " "
	}
	dict += "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.WriteByte(1)
	buf.WriteByte(0)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(dict))))
	buf.WriteString(dict)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, values))

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// matMatrixElement builds one miMATRIX element holding a named double
// matrix in column-major order.
func matMatrixElement(t *testing.T, name string, rows, cols int, colMajor []float64) []byte {
	t.Helper()

	var body bytes.Buffer
	le := binary.LittleEndian

	// Array flags.
	require.NoError(t, binary.Write(&body, le, uint32(miUINT32)))
	require.NoError(t, binary.Write(&body, le, uint32(8)))
	require.NoError(t, binary.Write(&body, le, uint32(mxDOUBLE_CLASS)))
	require.NoError(t, binary.Write(&body, le, uint32(0)))

	// Dimensions.
	require.NoError(t, binary.Write(&body, le, uint32(miINT32)))
	require.NoError(t, binary.Write(&body, le, uint32(8)))
	require.NoError(t, binary.Write(&body, le, int32(rows)))
	require.NoError(t, binary.Write(&body, le, int32(cols)))

	// Name: small element when it fits in 4 bytes, regular otherwise.
	if len(name) <= 4 {
		require.NoError(t, binary.Write(&body, le, uint32(len(name))<<16|uint32(miINT8)))
		nameField := make([]byte, 4)
		copy(nameField, name)
		body.Write(nameField)
	} else {
		require.NoError(t, binary.Write(&body, le, uint32(miINT8)))
		require.NoError(t, binary.Write(&body, le, uint32(len(name))))
		body.WriteString(name)
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
	}

	// Real part.
	require.NoError(t, binary.Write(&body, le, uint32(miDOUBLE)))
	require.NoError(t, binary.Write(&body, le, uint32(len(colMajor)*8)))
	require.NoError(t, binary.Write(&body, le, colMajor))

	var elem bytes.Buffer
	require.NoError(t, binary.Write(&elem, le, uint32(miMATRIX)))
	require.NoError(t, binary.Write(&elem, le, uint32(body.Len())))
	elem.Write(body.Bytes())
	for elem.Len()%8 != 0 {
		elem.WriteByte(0)
	}
	return elem.Bytes()
}

// writeMAT synthesizes a Level 5 MAT-file from prebuilt elements.
func writeMAT(t *testing.T, path string, compressed bool, elements ...[]byte) {
	t.Helper()

	var buf bytes.Buffer
	header := make([]byte, matHeaderSize)
	copy(header, "MATLAB 5.0 MAT-file, synthetic test data")
	binary.LittleEndian.PutUint16(header[124:], 0x0100)
	copy(header[126:], "IM")
	buf.Write(header)

	for _, elem := range elements {
		if compressed {
			var z bytes.Buffer
			zw := zlib.NewWriter(&z)
			_, err := zw.Write(elem)
			require.NoError(t, err)
			require.NoError(t, zw.Close())

			require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(miCOMPRESSED)))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(z.Len())))
			buf.Write(z.Bytes())
			for buf.Len()%8 != 0 {
				buf.WriteByte(0)
			}
		} else {
			buf.Write(elem)
		}
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestDetectFormatByExtension(t *testing.T) {
	cases := map[string]Format{
		"scan.ibw":   FormatIBW,
		"scan.npy":   FormatNPY,
		"scan.mat":   FormatMAT,
		"scan.txt":   FormatText,
		"scan.dat":   FormatText,
		"scan.json":  FormatJSON,
		"scan.h5":    FormatUnknown,
		"scan.hdf5":  FormatUnknown,
	}
	for name, want := range cases {
		assert.Equal(t, want, DetectFormat(name), name)
	}
}

func TestDetectFormatSniffing(t *testing.T) {
	dir := t.TempDir()

	npyPath := filepath.Join(dir, "mystery")
	writeNPY(t, npyPath, "(2, 2)", false, []float64{1, 2, 3, 4})
	assert.Equal(t, FormatNPY, DetectFormat(npyPath))

	jsonPath := filepath.Join(dir, "mystery2")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"amplitude": [[1]]}`), 0o644))
	assert.Equal(t, FormatJSON, DetectFormat(jsonPath))
}

func TestLoadIBW2D(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.ibw")
	note := "ScanSize:4e-06\rScanRate:1\r"
	writeIBW5(t, path, 3, 4, 1, func(_, r, c int) float32 {
		return float32(r*10 + c)
	}, note)

	scan, err := LoadFile(path, FormatIBW)
	require.NoError(t, err)

	assert.Equal(t, 3, scan.Amplitude.Rows)
	assert.Equal(t, 4, scan.Amplitude.Cols)
	assert.Equal(t, 12.0, scan.Amplitude.At(1, 2))
	assert.Equal(t, 0.0, scan.Phase.At(1, 2))

	require.NotNil(t, scan.Metadata.XRange)
	assert.Equal(t, [2]float64{-2e-6, 2e-6}, *scan.Metadata.XRange)
}

func TestLoadIBW3DChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pfm.ibw")
	// Layer 0: height-like, layer 1: amplitude-like, layer 2: phase-like.
	writeIBW5(t, path, 4, 4, 3, func(l, r, c int) float32 {
		i := float32(r*4 + c)
		switch l {
		case 1:
			return i * 200 // range 3000
		case 2:
			return -90 + i*12 // range 180 within ±200
		default:
			return i
		}
	}, "")

	scan, err := LoadFile(path, FormatIBW)
	require.NoError(t, err)

	assert.Equal(t, 1, scan.Metadata.AmplitudeChannel)
	assert.Equal(t, 2, scan.Metadata.PhaseChannel)
	assert.Equal(t, float64(-90), scan.Phase.At(0, 0))
}

func TestLoadIBWRejectsOldVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.ibw")
	data := make([]byte, 400)
	binary.LittleEndian.PutUint16(data, 2)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := LoadFile(path, FormatIBW)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 2")
}

func TestLoadNPY2D(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.npy")
	writeNPY(t, path, "(2, 3)", false, []float64{1, 2, 3, 4, 5, 6})

	scan, err := LoadFile(path, FormatNPY)
	require.NoError(t, err)
	assert.Equal(t, 2, scan.Amplitude.Rows)
	assert.Equal(t, 3, scan.Amplitude.Cols)
	assert.Equal(t, 6.0, scan.Amplitude.At(1, 2))
}

func TestLoadNPYFortranOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.npy")
	// Column-major layout of [[1 2 3], [4 5 6]].
	writeNPY(t, path, "(2, 3)", true, []float64{1, 4, 2, 5, 3, 6})

	scan, err := LoadFile(path, FormatNPY)
	require.NoError(t, err)
	assert.Equal(t, 2.0, scan.Amplitude.At(0, 1))
	assert.Equal(t, 6.0, scan.Amplitude.At(1, 2))
}

func TestLoadNPY3DLeadingChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.npy")
	// Shape (2, 4, 4): channel axis leads. Channel 0 amplitude-like,
	// channel 1 phase-like.
	values := make([]float64, 2*4*4)
	for i := 0; i < 16; i++ {
		values[i] = float64(i) * 150 // range 2250
		values[16+i] = -80 + float64(i)*10
	}
	writeNPY(t, path, "(2, 4, 4)", false, values)

	scan, err := LoadFile(path, FormatNPY)
	require.NoError(t, err)
	assert.Equal(t, 0, scan.Metadata.AmplitudeChannel)
	assert.Equal(t, 1, scan.Metadata.PhaseChannel)
	assert.Equal(t, 4, scan.Amplitude.Rows)
}

func TestLoadMAT(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.mat")
	amp := matMatrixElement(t, "amp", 2, 2, []float64{1, 3, 2, 4}) // column-major
	writeMAT(t, path, false, amp)

	scan, err := LoadFile(path, FormatMAT)
	require.NoError(t, err)
	assert.Equal(t, 1.0, scan.Amplitude.At(0, 0))
	assert.Equal(t, 2.0, scan.Amplitude.At(0, 1))
	assert.Equal(t, 3.0, scan.Amplitude.At(1, 0))
	assert.Equal(t, 4.0, scan.Amplitude.At(1, 1))
}

func TestLoadMATCompressedWithPhase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pfm.mat")
	amp := matMatrixElement(t, "amplitude", 2, 2, []float64{10, 30, 20, 40})
	phs := matMatrixElement(t, "phase", 2, 2, []float64{5, 95, 45, 175})
	writeMAT(t, path, true, amp, phs)

	scan, err := LoadFile(path, FormatMAT)
	require.NoError(t, err)
	assert.Equal(t, 10.0, scan.Amplitude.At(0, 0))
	assert.Equal(t, 40.0, scan.Amplitude.At(1, 1))
	assert.Equal(t, 45.0, scan.Phase.At(0, 1))
	assert.Equal(t, 175.0, scan.Phase.At(1, 1))
}

func TestLoadMATNoVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mat")
	writeMAT(t, path, false)

	_, err := LoadFile(path, FormatMAT)
	require.Error(t, err)
}

func TestLoadText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.txt")
	content := "# synthetic scan\n1.0 2.0 3.0\n4.0 5.0 6.0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	scan, err := LoadFile(path, FormatText)
	require.NoError(t, err)
	assert.Equal(t, 2, scan.Amplitude.Rows)
	assert.Equal(t, 3, scan.Amplitude.Cols)
	assert.Equal(t, 5.0, scan.Amplitude.At(1, 1))
}

func TestLoadTextRaggedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("1 2 3\n4 5\n"), 0o644))

	_, err := LoadFile(path, FormatText)
	require.Error(t, err)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.json")
	js := jsonScan{
		Amplitude: [][]float64{{1, 2}, {3, 4}},
		Phase:     [][]float64{{10, 170}, {20, 160}},
		Metadata: map[string]any{
			"x_range": []any{-1e-6, 1e-6},
			"y_range": []any{-1e-6, 1e-6},
		},
	}
	data, err := json.Marshal(js)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	scan, err := LoadFile(path, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 4.0, scan.Amplitude.At(1, 1))
	assert.Equal(t, 170.0, scan.Phase.At(0, 1))
	require.NotNil(t, scan.Metadata.XRange)
	assert.Equal(t, [2]float64{-1e-6, 1e-6}, *scan.Metadata.XRange)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.ibw"), FormatUnknown)
	require.Error(t, err)
}
