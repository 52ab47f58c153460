package sandbox

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Display is a handle to one Xvfb virtual display. GUI programs run with
// DISPLAY pointed at it and get screenshotted through it.
type Display struct {
	Number int
	cmd    *exec.Cmd
	pool   *displayPool
}

// Env returns the DISPLAY value for child processes.
func (d *Display) Env() string {
	return fmt.Sprintf(":%d", d.Number)
}

// Screenshot captures the display root window as an X Window Dump. Returns
// nil when the capture tool is unavailable; callers treat screenshots as
// best-effort diagnostics.
func (d *Display) Screenshot() []byte {
	out, err := exec.Command("xwd", "-root", "-silent", "-display", d.Env()).Output()
	if err != nil {
		return nil
	}
	return out
}

// Release terminates the Xvfb process and frees the display slot.
func (d *Display) Release() {
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
		_ = d.cmd.Wait()
	}
	d.pool.free(d.Number)
}

// displayPool hands out Xvfb display numbers from a fixed range so parallel
// sandboxes never collide on a display.
type displayPool struct {
	mu    sync.Mutex
	first int
	last  int
	inUse map[int]bool

	xvfbMissing bool
	warnOnce    sync.Once
}

func newDisplayPool() *displayPool {
	p := &displayPool{first: 90, last: 109, inUse: make(map[int]bool)}
	if _, err := exec.LookPath("Xvfb"); err != nil {
		p.xvfbMissing = true
	}
	return p
}

// allocate starts an Xvfb on the first free display number. When Xvfb is not
// installed it returns (nil, nil): headless programs still run, GUI capture
// is simply unavailable.
func (p *displayPool) allocate() (*Display, error) {
	if p.xvfbMissing {
		p.warnOnce.Do(func() {
			log.Printf("⚠️ [SANDBOX] Xvfb not found, running without virtual displays (no GUI capture)")
		})
		return nil, nil
	}

	p.mu.Lock()
	num := -1
	for n := p.first; n <= p.last; n++ {
		if p.inUse[n] {
			continue
		}
		if _, err := os.Stat(fmt.Sprintf("/tmp/.X%d-lock", n)); err == nil {
			continue // someone else's X server
		}
		num = n
		p.inUse[n] = true
		break
	}
	p.mu.Unlock()

	if num == -1 {
		return nil, fmt.Errorf("no free virtual display slots")
	}

	cmd := exec.Command("Xvfb", fmt.Sprintf(":%d", num), "-screen", "0", "1280x800x24", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		p.free(num)
		return nil, fmt.Errorf("failed to start Xvfb: %w", err)
	}

	// Give the server a moment to create its socket before clients connect.
	time.Sleep(200 * time.Millisecond)
	log.Printf("🖥️ [SANDBOX] Allocated virtual display :%d", num)
	return &Display{Number: num, cmd: cmd, pool: p}, nil
}

func (p *displayPool) free(num int) {
	p.mu.Lock()
	delete(p.inUse, num)
	p.mu.Unlock()
}
