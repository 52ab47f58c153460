package sandbox

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// reaper periodically sweeps the sandbox root for workdirs that outlived the
// retention threshold. Normal runs clean up after themselves; the sweep
// covers sandboxes leaked by a crashed orchestrator process.
type reaper struct {
	engine *Engine
	cron   *cron.Cron
}

func newReaper(e *Engine) *reaper {
	return &reaper{engine: e}
}

func (r *reaper) start(interval time.Duration) {
	if r.cron != nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r.cron = cron.New()
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if n := r.sweep(); n > 0 {
			log.Printf("🧹 [SANDBOX] Reaper removed %d abandoned sandbox(es)", n)
		}
	})
	if err != nil {
		log.Printf("⚠️ [SANDBOX] Failed to schedule reaper: %v", err)
		r.cron = nil
		return
	}
	r.cron.Start()
	log.Printf("🧹 [SANDBOX] Reaper started (every %v, retention %v)", interval, r.engine.retention)
}

func (r *reaper) stop() {
	if r.cron != nil {
		r.cron.Stop()
		r.cron = nil
	}
}

// sweep removes sandbox workdirs older than the retention threshold and
// returns how many it reclaimed.
func (r *reaper) sweep() int {
	entries, err := os.ReadDir(r.engine.root)
	if err != nil {
		log.Printf("⚠️ [SANDBOX] Reaper cannot read root %s: %v", r.engine.root, err)
		return 0
	}

	cutoff := time.Now().Add(-r.engine.retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "sbx-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.engine.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Printf("⚠️ [SANDBOX] Reaper failed to remove %s: %v", path, err)
			continue
		}
		removed++
	}
	return removed
}
