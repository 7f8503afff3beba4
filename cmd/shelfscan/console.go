package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nsf/termbox-go"
	"shelfscan/pkg/config"
	"shelfscan/pkg/inventory"
	"shelfscan/pkg/log"
	"shelfscan/pkg/scanner"
	"shelfscan/pkg/store"
)

type inputMode int

const (
	modeKeys inputMode = iota
	modeManual
	modeNaming
)

type namingReply struct {
	name string
	ok   bool
}

type namingRequest struct {
	barcode string
	reply   chan namingReply
}

// console is the terminal front end of the scan command. Keys: s start,
// x stop, m manual entry, k quick mode, u undo, q quit.
type console struct {
	ctx    context.Context
	app    *App
	redraw chan struct{}

	mu      sync.Mutex
	message string
	failed  bool
	mode    inputMode
	input   []rune
	naming  *namingRequest
}

func runScan(ctx context.Context, cfg *config.Config) error {
	c := &console{ctx: ctx, redraw: make(chan struct{}, 1)}
	app, err := NewApp(ctx, cfg, inventory.NamerFunc(c.askName), c.hooks())
	if err != nil {
		return err
	}
	defer app.Close()
	c.app = app

	// Log lines would tear the screen apart.
	log.SetOutput(io.Discard)

	if err := termbox.Init(); err != nil {
		return fmt.Errorf("could not initialize terminal: %w", err)
	}
	defer termbox.Close()

	// termbox.Interrupt blocks until the event loop polls, so hooks only
	// signal redraw and this goroutine does the interrupting.
	go func() {
		for {
			select {
			case <-c.redraw:
				termbox.Interrupt()
			case <-ctx.Done():
				termbox.Interrupt()
				return
			}
		}
	}()
	return c.loop()
}

func (c *console) wake() {
	select {
	case c.redraw <- struct{}{}:
	default:
	}
}

func (c *console) loop() error {
	for {
		c.draw()
		ev := termbox.PollEvent()
		switch ev.Type {
		case termbox.EventError:
			return ev.Err
		case termbox.EventKey:
			if c.handleKey(ev) {
				return nil
			}
		}
		if c.ctx.Err() != nil {
			return nil
		}
	}
}

func (c *console) hooks() scanner.Hooks {
	return scanner.Hooks{
		OnDetect: func(r scanner.ScanResult) {
			c.say(false, "Detected %s (%s via %s)", r.Barcode, r.Format, r.Engine)
		},
		OnFatalError: func(err error) {
			c.say(true, "%v", err)
		},
		OnStateChange: func(_, _ scanner.State) {
			c.wake()
		},
		OnError: func(err error) {
			c.say(true, "Not recorded: %v", err)
		},
	}
}

func (c *console) say(failed bool, format string, args ...any) {
	c.mu.Lock()
	c.message = fmt.Sprintf(format, args...)
	c.failed = failed
	c.mu.Unlock()
	c.wake()
}

// askName blocks the resolution of an unknown barcode until the operator
// typed a product name or declined.
func (c *console) askName(ctx context.Context, barcode string) (string, bool, error) {
	req := &namingRequest{barcode: barcode, reply: make(chan namingReply, 1)}
	c.mu.Lock()
	c.naming = req
	c.mode = modeNaming
	c.input = c.input[:0]
	c.mu.Unlock()
	c.wake()

	select {
	case r := <-req.reply:
		return r.name, r.ok, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-c.ctx.Done():
		return "", false, c.ctx.Err()
	}
}

func (c *console) handleKey(ev termbox.Event) (quit bool) {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	if mode != modeKeys {
		c.editKey(ev)
		return false
	}

	ctrl := c.app.controller
	switch {
	case ev.Key == termbox.KeyCtrlC || ev.Key == termbox.KeyEsc || ev.Ch == 'q':
		return true
	case ev.Ch == 's':
		c.say(false, "Starting camera...")
		// Failures are reported through OnFatalError.
		go func() { _ = ctrl.StartScan(c.ctx) }()
	case ev.Ch == 'x':
		go func() {
			_ = ctrl.StopScan(c.ctx)
			c.say(false, "Stopped")
		}()
	case ev.Ch == 'm':
		c.mu.Lock()
		c.mode = modeManual
		c.input = c.input[:0]
		c.mu.Unlock()
	case ev.Ch == 'k':
		on, action := c.app.resolver.QuickMode()
		if on && action == store.StockIn {
			_ = c.app.resolver.SetQuickMode(true, store.StockOut)
		} else if on {
			_ = c.app.resolver.SetQuickMode(false, store.StockIn)
		} else {
			_ = c.app.resolver.SetQuickMode(true, store.StockIn)
		}
	case ev.Ch == 'u':
		go func() {
			tx, err := c.app.resolver.Undo(c.ctx)
			if err != nil {
				c.say(true, "Undo: %v", err)
				return
			}
			c.say(false, "Undid %s of %d", tx.Type, tx.Quantity)
		}()
	}
	return false
}

// editKey handles keys while a line of text is being typed.
func (c *console) editKey(ev termbox.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Key {
	case termbox.KeyEsc:
		if c.naming != nil {
			c.naming.reply <- namingReply{}
			c.naming = nil
		}
		c.mode = modeKeys
	case termbox.KeyEnter:
		text := string(c.input)
		switch c.mode {
		case modeNaming:
			if c.naming != nil {
				c.naming.reply <- namingReply{name: text, ok: true}
				c.naming = nil
			}
		case modeManual:
			go c.enter(text)
		}
		c.mode = modeKeys
	case termbox.KeyBackspace, termbox.KeyBackspace2:
		if len(c.input) > 0 {
			c.input = c.input[:len(c.input)-1]
		}
	case termbox.KeySpace:
		c.input = append(c.input, ' ')
	default:
		if ev.Ch != 0 {
			c.input = append(c.input, ev.Ch)
		}
	}
}

func (c *console) enter(barcode string) {
	out, err := c.app.controller.EnterManually(c.ctx, barcode)
	switch {
	case err != nil:
		c.say(true, "%v", err)
	case out.Resolution.ProductName != "":
		c.say(false, "%s: %s (%s)", out.Result.Barcode, out.Resolution.ProductName, out.Resolution.Action)
	default:
		c.say(false, "%s: %s", out.Result.Barcode, out.Resolution.Action)
	}
}

func (c *console) draw() {
	c.mu.Lock()
	message, failed, mode := c.message, c.failed, c.mode
	input := string(c.input)
	var naming string
	if c.naming != nil {
		naming = c.naming.barcode
	}
	c.mu.Unlock()

	ctrl := c.app.controller
	stats := ctrl.Stats()
	quick, action := c.app.resolver.QuickMode()
	quickText := "off"
	if quick {
		quickText = string(action)
	}

	_ = termbox.Clear(termbox.ColorDefault, termbox.ColorDefault)
	y := 0
	printAt(0, y, termbox.ColorDefault|termbox.AttrBold, fmt.Sprintf("shelfscan  state: %s  engine: %s  quick: %s",
		ctrl.State(), orDash(string(ctrl.Engine())), quickText))
	y++
	printAt(0, y, termbox.ColorDefault, fmt.Sprintf("attempts %d  successes %d  failures %d",
		stats.Attempts, stats.Successes, stats.Failures))
	y += 2

	color := termbox.ColorGreen
	if failed {
		color = termbox.ColorRed
	}
	printAt(0, y, color, message)
	y++

	switch mode {
	case modeManual:
		printAt(0, y, termbox.ColorYellow, "Barcode: "+input+"_")
	case modeNaming:
		printAt(0, y, termbox.ColorYellow, fmt.Sprintf("Unknown barcode %s, product name (Esc to skip): %s_", naming, input))
	}
	y += 2

	printAt(0, y, termbox.ColorDefault|termbox.AttrBold, "Recent scans")
	y++
	for _, r := range ctrl.Recent() {
		line := fmt.Sprintf("%s  %-14s %-24s %s", r.ScannedAt.Format("15:04:05"), r.Barcode, r.ProductName, r.Action)
		if r.Quantity != nil {
			line += fmt.Sprintf(" x%d", *r.Quantity)
		}
		printAt(0, y, termbox.ColorDefault, line)
		y++
	}

	_, h := termbox.Size()
	printAt(0, h-1, termbox.ColorCyan, "s start  x stop  m manual  k quick mode  u undo  q quit")
	_ = termbox.Flush()
}

func printAt(x, y int, fg termbox.Attribute, s string) {
	for _, r := range s {
		termbox.SetCell(x, y, r, fg, termbox.ColorDefault)
		x++
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
