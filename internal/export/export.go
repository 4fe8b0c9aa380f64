// Package export writes the stall status files served to dashboards:
// status.json, status.svg and optionally frame.png with the annotated
// output raster. Files are replaced atomically on every snapshot.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/spf13/afero"

	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/pipeline"
	"github.com/tphakala/stallwatch/internal/raster"
)

const (
	JSONFile = "status.json"
	SVGFile  = "status.svg"
	PNGFile  = "frame.png"

	filePerm = 0o644
	dirPerm  = 0o755
)

// Options selects the files written.
type Options struct {
	Dir  string
	JSON bool
	SVG  bool
	PNG  bool
}

// FrameFunc returns the raster written to frame.png, or nil to skip it.
type FrameFunc func() *raster.Raster

// Exporter writes status files for each snapshot it receives.
type Exporter struct {
	mu    sync.Mutex
	fs    afero.Fs
	opts  Options
	frame FrameFunc
	log   logger.Logger
}

// NewExporter returns an exporter writing into opts.Dir on fs. A nil fs
// means the OS filesystem.
func NewExporter(fs afero.Fs, opts Options, frame FrameFunc) *Exporter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Exporter{fs: fs, opts: opts, frame: frame, log: GetLogger()}
}

// Name implements events.Consumer.
func (e *Exporter) Name() string { return "export" }

// ProcessEvent implements events.Consumer.
func (e *Exporter) ProcessEvent(s pipeline.Snapshot) error { return e.Notify(s) }

// Notify writes every enabled file for s.
func (e *Exporter) Notify(s pipeline.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fs.MkdirAll(e.opts.Dir, dirPerm); err != nil {
		return e.fail(err, "mkdir", e.opts.Dir)
	}

	var buf bytes.Buffer
	if e.opts.JSON {
		if err := RenderJSON(&buf, s); err != nil {
			return e.fail(err, "render_json", JSONFile)
		}
		if err := e.replace(JSONFile, buf.Bytes()); err != nil {
			return err
		}
	}
	if e.opts.SVG {
		buf.Reset()
		if err := RenderSVG(&buf, s); err != nil {
			return e.fail(err, "render_svg", SVGFile)
		}
		if err := e.replace(SVGFile, buf.Bytes()); err != nil {
			return err
		}
	}
	if e.opts.PNG && e.frame != nil {
		if r := e.frame(); r != nil && !r.Empty() {
			buf.Reset()
			if err := png.Encode(&buf, r.ToGray()); err != nil {
				return e.fail(err, "render_png", PNGFile)
			}
			if err := e.replace(PNGFile, buf.Bytes()); err != nil {
				return err
			}
		}
	}

	e.log.Debug("status exported",
		logger.Uint64("seq", s.Seq),
		logger.String("reason", string(s.Reason)),
		logger.Int("stalls", len(s.Stalls)),
		logger.Int("busy", s.Busy()))
	return nil
}

// replace writes data next to name and renames it over name so readers
// never see a partial file.
func (e *Exporter) replace(name string, data []byte) error {
	path := filepath.Join(e.opts.Dir, name)
	tmp := path + ".tmp"
	if err := afero.WriteFile(e.fs, tmp, data, filePerm); err != nil {
		return e.fail(err, "write", tmp)
	}
	if err := e.fs.Rename(tmp, path); err != nil {
		_ = e.fs.Remove(tmp)
		return e.fail(err, "rename", path)
	}
	return nil
}

func (e *Exporter) fail(err error, op, path string) error {
	return errors.New(err).
		Component("export").
		Category(errors.CategoryExport).
		Context("operation", op).
		Context("path", path).
		Build()
}

// Block is one stall in the JSON status document.
type Block struct {
	Used bool `json:"used"`
	PosX int  `json:"posx"`
	PosY int  `json:"posy"`
	PosW int  `json:"posw"`
	PosH int  `json:"posh"`
}

// Status is the JSON status document.
type Status struct {
	Count int     `json:"count"`
	Block []Block `json:"block"`
}

// NewStatus builds the status document of s.
func NewStatus(s pipeline.Snapshot) Status {
	st := Status{Count: len(s.Stalls), Block: make([]Block, 0, len(s.Stalls))}
	for _, b := range s.Stalls {
		st.Block = append(st.Block, Block{
			Used: b.Busy,
			PosX: b.Area.Min.X,
			PosY: b.Area.Min.Y,
			PosW: b.Area.Dx(),
			PosH: b.Area.Dy(),
		})
	}
	return st
}

// RenderJSON writes {count, block:[{used,posx,posy,posw,posh}]} for s.
func RenderJSON(w io.Writer, s pipeline.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewStatus(s))
}

const (
	colorBusy = "#A42F3E"
	colorFree = "#34A359"
	labelBusy = "Ocupada"
	labelFree = "Livre"
	inset     = 2
)

var svgTemplate = template.Must(template.New("status.svg").Parse(
	`<svg width="{{.W}}" height="{{.H}}" viewBox="0 0 {{.W}} {{.H}}" xmlns="http://www.w3.org/2000/svg">
 <rect width="{{.W}}" height="{{.H}}" fill="#222" />
 <line x1="100" y1="{{.Guide}}" x2="{{.W}}" y2="{{.Guide}}" stroke="#fff" stroke-width="3" stroke-dasharray="10,10"/>
{{- range .Stalls}}
  <rect x="{{.X}}" y="{{.Y}}" width="{{.W}}" height="{{.H}}" fill="{{.Fill}}"/>
  <text x="{{.CX}}" y="{{.CY}}" font-size="8" text-anchor="middle" fill="#F1F5F7" dominant-baseline="middle" font-family="Roboto, sans-serif">{{.Label}}</text>
{{- end}}
</svg>
`))

type svgStall struct {
	X, Y, W, H, CX, CY int
	Fill, Label        string
}

type svgView struct {
	W, H, Guide int
	Stalls      []svgStall
}

// RenderSVG draws the stall map for s: a dark canvas the size of the
// working raster, a dashed guide at three quarters of the height and one
// labelled rectangle per stall, inset by two pixels.
func RenderSVG(w io.Writer, s pipeline.Snapshot) error {
	v := svgView{W: s.Working.X, H: s.Working.Y, Guide: 3 * (s.Working.Y / 4)}
	for _, b := range s.Stalls {
		st := svgStall{
			X:     b.Area.Min.X + inset,
			Y:     b.Area.Min.Y + inset,
			W:     max(0, b.Area.Dx()-2*inset),
			H:     max(0, b.Area.Dy()-2*inset),
			Fill:  colorFree,
			Label: labelFree,
		}
		if b.Busy {
			st.Fill, st.Label = colorBusy, labelBusy
		}
		st.CX = st.X + st.W/2
		st.CY = st.Y + st.H/2
		v.Stalls = append(v.Stalls, st)
	}
	if err := svgTemplate.Execute(w, v); err != nil {
		return fmt.Errorf("render svg: %w", err)
	}
	return nil
}

// GetLogger returns the export module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("export")
}
