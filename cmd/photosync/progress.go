package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/kmowery/photosync/internal/event"
	"github.com/kmowery/photosync/internal/ui"
)

// consoleEmitter renders run progress as terminal lines. Download
// percentage updates are throttled so slow fetches do not flood the
// terminal.
type consoleEmitter struct {
	mu       sync.Mutex
	lastPct  map[string]float64
	lastTick time.Time
}

func newConsoleEmitter() *consoleEmitter {
	return &consoleEmitter{lastPct: make(map[string]float64)}
}

func (c *consoleEmitter) Emit(ev event.Event) {
	switch e := ev.(type) {
	case event.Scanning:
		if e.Count > 0 {
			fmt.Printf("%s Found %d items\n", ui.RenderAccent("→"), e.Count)
		} else {
			fmt.Printf("%s Scanning library...\n", ui.RenderAccent("→"))
		}

	case event.WillExport:
		if e.StartIndex > 0 {
			fmt.Printf("%s Resuming at item %d of %d\n", ui.RenderAccent("→"), e.StartIndex+1, e.Total)
		}

	case event.Exporting:
		fmt.Printf("[%d/%d] %s\n", e.Index, e.Total, e.ItemID)

	case event.Downloading:
		c.mu.Lock()
		key := e.ItemID + "/" + e.Variant
		last := c.lastPct[key]
		now := time.Now()
		show := e.Percent >= 100 || (e.Percent-last >= 10 && now.Sub(c.lastTick) >= 250*time.Millisecond)
		if show {
			c.lastPct[key] = e.Percent
			c.lastTick = now
		}
		c.mu.Unlock()
		if show {
			fmt.Printf("    %s %.0f%%\n", ui.RenderMuted(e.Variant), e.Percent)
		}

	case event.Retrying:
		fmt.Printf("    %s attempt %d in %s\n",
			ui.RenderWarn("retrying"), e.Attempt+1, e.Delay.Round(time.Millisecond))

	case event.ExistenceCheck:
		fmt.Printf("%s Checked %d/%d against remote\n", ui.RenderAccent("→"), e.Checked, e.Total)

	case event.Paused:
		fmt.Println(ui.RenderWarn("Paused."))

	case event.Message:
		fmt.Println(ui.RenderWarn(e.Text))
	}
}
