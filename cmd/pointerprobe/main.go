// Command pointerprobe drives the rotation mapper and the atlas grid resolver
// from terminal mouse events and shows what a viewer would display.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/stevecastle/gazefield/atlas"
	"github.com/stevecastle/gazefield/cursor"
)

type probe struct {
	screen tcell.Screen
	mapper *cursor.RotationMapper
	grid   atlas.GridSpec
	// images maps atlas keys to file names found in the atlas directory.
	images   map[string]string
	throttle *atlas.Throttle

	smoothing float64
	sample    cursor.PointerSample
	rotation  cursor.RotationState
	coord     atlas.Coord
	resolved  string
	events    int
	accepted  int
}

func main() {
	var (
		gridMin   = flag.Int("min", -15, "atlas grid minimum angle")
		gridMax   = flag.Int("max", 15, "atlas grid maximum angle")
		step      = flag.Int("step", 3, "atlas grid step")
		dir       = flag.String("atlas", "", "directory of gaze_px*_py*_*.webp files to resolve against")
		smoothing = flag.Float64("smoothing", 40, "rotation smoothing percent (0..100)")
		deadZone  = flag.Float64("dead-zone", 8, "dead zone percent (0..100)")
		rate      = flag.Float64("rate", 30, "atlas updates per second")
	)
	flag.Parse()

	grid := atlas.GridSpec{Min: *gridMin, Max: *gridMax, Step: *step}
	if err := grid.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid grid: %v\n", err)
		os.Exit(2)
	}
	images, err := loadAtlasDir(*dir)
	if err != nil {
		slog.Error("failed to read atlas directory", "dir", *dir, "error", err)
		os.Exit(1)
	}
	if len(images) > 0 {
		grid = atlas.DetectGrid(images, grid)
	}

	cfg := cursor.DefaultConfig()
	cfg.SmoothingPercent = *smoothing
	cfg.DeadZonePercent = *deadZone

	screen, err := tcell.NewScreen()
	if err != nil {
		slog.Error("failed to create screen", "error", err)
		os.Exit(1)
	}
	if err := screen.Init(); err != nil {
		slog.Error("failed to init screen", "error", err)
		os.Exit(1)
	}
	defer screen.Fini()
	screen.EnableMouse()
	screen.HideCursor()

	p := &probe{
		screen:    screen,
		mapper:    cursor.NewRotationMapper(cfg),
		grid:      grid,
		images:    images,
		throttle:  atlas.NewThrottle(*rate),
		smoothing: *smoothing,
	}
	w, h := screen.Size()
	p.sample = cursor.PointerSample{X: float64(w) / 2, Y: float64(h) / 2, Width: float64(w), Height: float64(h)}
	p.run()
}

// loadAtlasDir indexes atlas files by key. An empty dir yields no images.
func loadAtlasDir(dir string) (map[string]string, error) {
	images := map[string]string{}
	if dir == "" {
		return images, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		c, _, err := atlas.ParseFilename(e.Name())
		if err != nil {
			continue
		}
		images[c.Key()] = filepath.Join(dir, e.Name())
	}
	return images, nil
}

func (p *probe) run() {
	events := make(chan tcell.Event, 64)
	quit := make(chan struct{})
	go p.screen.ChannelEvents(events, quit)

	// The smoothed rotation keeps converging between mouse events.
	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if !p.handle(ev) {
				close(quit)
				return
			}
		case <-ticker.C:
			p.rotation = p.mapper.Map(p.sample)
		}
		p.draw()
	}
}

func (p *probe) handle(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventResize:
		w, h := ev.Size()
		p.sample.Width, p.sample.Height = float64(w), float64(h)
		p.screen.Sync()
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlC:
			return false
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'q':
				return false
			case 'r':
				p.mapper.Reset()
				p.rotation = p.mapper.State()
			case '+', '=':
				p.smoothing = min(100, p.smoothing+10)
				p.mapper.SetSmoothing(p.smoothing)
			case '-':
				p.smoothing = max(0, p.smoothing-10)
				p.mapper.SetSmoothing(p.smoothing)
			}
		}
	case *tcell.EventMouse:
		x, y := ev.Position()
		p.events++
		p.sample.X, p.sample.Y = float64(x), float64(y)
		p.rotation = p.mapper.Map(p.sample)
		if p.throttle.Allow(time.Now()) {
			p.accepted++
			p.coord = atlas.CursorToGridCoords(p.sample.X, p.sample.Y, p.sample.Width, p.sample.Height, p.grid)
			if url, ok := atlas.Resolve(p.images, p.coord.Key(), atlas.CenterKey); ok {
				p.resolved = url
			}
		}
	}
	return true
}

func (p *probe) draw() {
	p.screen.Clear()
	label := tcell.StyleDefault.Foreground(tcell.ColorGray)
	value := tcell.StyleDefault.Foreground(tcell.ColorGreen).Bold(true)

	lines := []struct {
		name, val string
	}{
		{"pointer", fmt.Sprintf("%.0f,%.0f of %.0fx%.0f", p.sample.X, p.sample.Y, p.sample.Width, p.sample.Height)},
		{"yaw", fmt.Sprintf("%+6.2f°", p.rotation.Yaw)},
		{"pitch", fmt.Sprintf("%+6.2f°", p.rotation.Pitch)},
		{"smoothing", fmt.Sprintf("%.0f%% (alpha %.3f)", p.smoothing, p.mapper.Alpha())},
		{"grid", fmt.Sprintf("%d..%d step %d (%d images)", p.grid.Min, p.grid.Max, p.grid.Step, p.grid.Count())},
		{"coord", p.coord.Key()},
		{"image", orDash(p.resolved)},
		{"updates", fmt.Sprintf("%d accepted of %d events", p.accepted, p.events)},
	}
	for i, l := range lines {
		p.put(1, 1+i, fmt.Sprintf("%-10s", l.name), label)
		p.put(12, 1+i, l.val, value)
	}
	_, h := p.screen.Size()
	p.put(1, h-2, "move the mouse · +/- smoothing · r reset · q quit", label)

	// Crosshair at the pointer.
	p.screen.SetContent(int(p.sample.X), int(p.sample.Y), '+', nil, tcell.StyleDefault.Foreground(tcell.ColorYellow))
	p.screen.Show()
}

func (p *probe) put(x, y int, s string, style tcell.Style) {
	for _, r := range s {
		p.screen.SetContent(x, y, r, nil, style)
		x++
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
