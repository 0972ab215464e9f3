// MODUL: safetensors
// ZWECK: State-Dicts im safetensors-Format schreiben und lesen
// INPUT: nn.StateDict + Metadata bzw. Datei/Reader
// OUTPUT: Datei/Writer bzw. nn.StateDict + Metadata
// NEBENEFFEKTE: Dateisystem-Zugriff bei Save/Load
// ABHAENGIGKEITEN: x/mod/semver (Formatversion), float16, go-bfloat16 (dtype.go)
// HINWEISE: Layout: 8 Byte Headerlaenge (LE), JSON-Header, Rohdaten.
//           Die Reihenfolge der Tensoren folgt den Daten-Offsets.

package checkpoint

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
)

// FormatVersion ist die Version des hier geschriebenen Formats
const FormatVersion = "1.0.0"

const (
	metadataKey = "__metadata__"
	// Header groesser als das gilt als kaputte Datei
	maxHeaderSize = 100 << 20
)

var (
	ErrUnsupportedDType  = errors.New("checkpoint: unsupported dtype")
	ErrUnsupportedFormat = errors.New("checkpoint: unsupported format version")
	ErrCorrupt           = errors.New("checkpoint: corrupt file")
)

// Metadata steht im __metadata__-Block des Headers
type Metadata struct {
	FormatVersion string
	DType         DType
	// Config ist die JSON-serialisierte Policy-Konfiguration
	Config json.RawMessage
	// Extra nimmt weitere String-Felder auf (z.B. "step")
	Extra map[string]string
}

type tensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func (m Metadata) header() map[string]string {
	h := make(map[string]string, len(m.Extra)+3)
	for k, v := range m.Extra {
		h[k] = v
	}
	h["format_version"] = FormatVersion
	h["dtype"] = string(m.DType)
	if len(m.Config) > 0 {
		h["config"] = string(m.Config)
	}
	return h
}

func parseMetadata(h map[string]string) (Metadata, error) {
	m := Metadata{Extra: make(map[string]string)}
	for k, v := range h {
		switch k {
		case "format_version":
			m.FormatVersion = v
		case "dtype":
			m.DType = DType(v)
		case "config":
			m.Config = json.RawMessage(v)
		default:
			m.Extra[k] = v
		}
	}

	if m.FormatVersion == "" {
		// Fremde safetensors-Dateien (z.B. Backbone-Gewichte) haben keine Version
		return m, nil
	}
	// golang.org/x/mod/semver requires "v" prefix
	v := "v" + strings.TrimPrefix(m.FormatVersion, "v")
	if !semver.IsValid(v) {
		return m, fmt.Errorf("%w: %q is not a valid semver", ErrUnsupportedFormat, m.FormatVersion)
	}
	if semver.Major(v) != semver.Major("v"+FormatVersion) {
		return m, fmt.Errorf("%w: %s (supported %s)", ErrUnsupportedFormat, m.FormatVersion, FormatVersion)
	}
	return m, nil
}

// Write schreibt sd im Format meta.DType nach w
func Write(w io.Writer, sd *nn.StateDict, meta Metadata) error {
	if meta.DType == "" {
		meta.DType = F32
	}
	if meta.DType.Size() == 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedDType, meta.DType)
	}

	header := map[string]any{metadataKey: meta.header()}
	var offset int64
	for name, t := range sd.All() {
		if name == metadataKey {
			return fmt.Errorf("checkpoint: reserved tensor name %q", name)
		}
		size := int64(t.Len() * meta.DType.Size())
		header[name] = tensorInfo{
			DType:       meta.DType,
			Shape:       t.Shape(),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Header auf 8 Byte auffuellen
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, []byte(strings.Repeat(" ", 8-pad))...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(hb))); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	for _, t := range sd.All() {
		if _, err := bw.Write(encode(meta.DType, t.Data())); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Read liest ein State-Dict aus r
func Read(r io.Reader) (*nn.StateDict, Metadata, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: header length: %v", ErrCorrupt, err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, Metadata{}, fmt.Errorf("%w: header length %d", ErrCorrupt, n)
	}

	hb := make([]byte, n)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hb, &raw); err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}

	var meta Metadata
	if mb, ok := raw[metadataKey]; ok {
		var h map[string]string
		if err := json.Unmarshal(mb, &h); err != nil {
			return nil, Metadata{}, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
		}
		var err error
		if meta, err = parseMetadata(h); err != nil {
			return nil, meta, err
		}
		delete(raw, metadataKey)
	}

	type entry struct {
		name string
		tensorInfo
	}
	entries := make([]entry, 0, len(raw))
	for name, b := range raw {
		var info tensorInfo
		if err := json.Unmarshal(b, &info); err != nil {
			return nil, meta, fmt.Errorf("%w: tensor %s: %v", ErrCorrupt, name, err)
		}
		if info.DType.Size() == 0 {
			return nil, meta, fmt.Errorf("%w: tensor %s has dtype %q", ErrUnsupportedDType, name, info.DType)
		}
		entries = append(entries, entry{name, info})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.DataOffsets[0], b.DataOffsets[0])
	})

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, meta, err
	}

	sd := nn.NewStateDict()
	for _, e := range entries {
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		numel := 1
		for _, d := range e.Shape {
			numel *= d
		}
		if begin < 0 || end > int64(len(data)) || end-begin != int64(numel*e.DType.Size()) {
			return nil, meta, fmt.Errorf("%w: tensor %s has offsets [%d, %d) for shape %v", ErrCorrupt, e.name, begin, end, e.Shape)
		}
		sd.Set(e.name, ml.FromSlice(decode(e.DType, data[begin:end]), e.Shape...))
	}
	return sd, meta, nil
}

// Save schreibt atomar ueber eine temporaere Datei im Zielverzeichnis
func Save(path string, sd *nn.StateDict, meta Metadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := Write(f, sd, meta); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Load liest eine safetensors-Datei
func Load(path string) (*nn.StateDict, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	defer f.Close()

	sd, meta, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, meta, fmt.Errorf("load %s: %w", path, err)
	}
	return sd, meta, nil
}
