package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"superagent/browser"
	"superagent/cache"
	"superagent/codegen"
	"superagent/events"
	"superagent/keypool"
	"superagent/sandbox"
)

// TaskStatus is the task lifecycle position: pending → running → terminal.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Task is one unit of work, owned by the orchestrator for its lifetime.
type Task struct {
	ID             string         `json:"id"`
	Description    string         `json:"description"`
	Classification Classification `json:"classification"`
	Status         TaskStatus     `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	Deadline       time.Time      `json:"deadline"`
}

// Options are the caller-supplied capability switches.
type Options struct {
	UseBrowser bool `json:"use_browser"`
	UseSandbox bool `json:"use_sandbox"`
	NoCache    bool `json:"no_cache"`
}

// Artifact is one output item: extracted text, a code block, an image URL,
// or a screenshot (base64-encoded X dump).
type Artifact struct {
	Type    string `json:"type"` // text | code | image | screenshot
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

// TaskResult is the aggregated, structured outcome of one task.
type TaskResult struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Class     TaskClass  `json:"class"`
	Summary   string     `json:"summary"`
	Artifacts []Artifact `json:"artifacts"`
	Cached    bool       `json:"cached"`
	CostUnits int        `json:"cost_units"`
	Error     string     `json:"error,omitempty"`
}

// Chatter is the LLM surface the orchestrator itself needs (classification
// fallback and browse-result summarization).
type Chatter interface {
	Chat(ctx context.Context, prompt string) (string, error)
}

// Browse is the web automation capability.
type Browse interface {
	Fetch(ctx context.Context, url string) (*browser.PageSnapshot, error)
}

// GenerateCode is the code generation capability.
type GenerateCode interface {
	Generate(ctx context.Context, req *codegen.Request) (*codegen.SourceArtifact, error)
}

// Execute is the sandboxed execution capability.
type Execute interface {
	Run(ctx context.Context, req *sandbox.Request) (*sandbox.ExecutionResult, error)
}

// Publisher is the collaborator event boundary; nil disables publication
// (the pattern tests use).
type Publisher interface {
	PublishCompleted(evt events.TaskEvent) error
	PublishActivity(evt events.TaskEvent) error
}

// Orchestrator is the top-level controller. It is re-entrant: all mutable
// state lives in the sub-components it delegates to.
type Orchestrator struct {
	cache     *cache.Cache
	llm       Chatter
	browse    Browse
	generate  GenerateCode
	execute   Execute
	bus       Publisher
	cacheTTL  time.Duration
	deadline  time.Duration
	searchURL string
}

// New wires an orchestrator. bus may be nil.
func New(c *cache.Cache, llm Chatter, b Browse, g GenerateCode, x Execute, bus Publisher) *Orchestrator {
	return &Orchestrator{
		cache:     c,
		llm:       llm,
		browse:    b,
		generate:  g,
		execute:   x,
		bus:       bus,
		cacheTTL:  time.Hour,
		deadline:  5 * time.Minute,
		searchURL: "https://duckduckgo.com/html/?q=",
	}
}

// Execute runs one task end to end: cache check, classification, dispatch,
// aggregation, cache write, collaborator events.
func (o *Orchestrator) Execute(ctx context.Context, description string, opts Options) (*TaskResult, error) {
	task := &Task{
		ID:          uuid.New().String(),
		Description: description,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		Deadline:    time.Now().Add(o.deadline),
	}
	ctx, cancel := context.WithDeadline(ctx, task.Deadline)
	defer cancel()

	fp := cache.Fingerprint(description, opts.UseBrowser, opts.UseSandbox)

	if !opts.NoCache {
		if entry, ok, err := o.cache.Lookup(ctx, fp); err == nil && ok {
			var result TaskResult
			if err := json.Unmarshal(entry.Payload, &result); err == nil {
				result.Cached = true
				log.Printf("⚡ [ORCH] Cache hit for task %s", task.ID[:8])
				return &result, nil
			}
		}
	}

	task.Status = StatusRunning
	start := time.Now()

	classification := o.classify(ctx, description)
	task.Classification = classification
	log.Printf("🧭 [ORCH] Task %s classified as %s/%s", task.ID[:8], classification.Class, classification.Category)

	result, err := o.dispatch(ctx, task, opts)
	if err != nil {
		task.Status = StatusFailed
		failed := &TaskResult{
			TaskID: task.ID,
			Status: StatusFailed,
			Class:  classification.Class,
			Error:  err.Error(),
		}
		o.publish(task, failed, time.Since(start))
		return failed, err
	}

	task.Status = StatusCompleted
	result.TaskID = task.ID
	result.Status = StatusCompleted
	result.Class = classification.Class
	result.CostUnits = costUnits(classification.Class)

	if !opts.NoCache && !isTimeSensitive(description) {
		if payload, err := json.Marshal(result); err == nil {
			if err := o.cache.Store(ctx, fp, payload, o.cacheTTL); err != nil {
				log.Printf("⚠️ [ORCH] Cache write failed: %v", err)
			}
		}
	}

	o.publish(task, result, time.Since(start))
	return result, nil
}

// classify runs the rule pass, then the LLM fallback, degrading to generic
// browsing when neither recognizes the intent.
func (o *Orchestrator) classify(ctx context.Context, description string) Classification {
	if c, ok := Classify(description); ok {
		return c
	}
	c, err := classifyLLM(ctx, o.llm, description)
	if err != nil {
		log.Printf("⚠️ [ORCH] %v, degrading to generic browsing", err)
	}
	return c
}

// dispatch sequences the capabilities the classification calls for. The
// request options gate which capabilities may run: execution is opt-in, so
// without use_sandbox an execution-class task degrades to generation-only,
// and browsing-class tasks require use_browser.
func (o *Orchestrator) dispatch(ctx context.Context, task *Task, opts Options) (*TaskResult, error) {
	switch task.Classification.Class {
	case ClassCodeGeneration:
		return o.runCodeGeneration(ctx, task, opts, false)
	case ClassCodeExecution:
		if !opts.UseSandbox {
			log.Printf("🔒 [ORCH] Sandbox disabled for task %s, generating without executing", task.ID[:8])
		}
		return o.runCodeGeneration(ctx, task, opts, opts.UseSandbox)
	default:
		if !opts.UseBrowser {
			return nil, fmt.Errorf("%s task needs web browsing but the use_browser option is disabled", task.Classification.Class)
		}
		return o.runBrowsing(ctx, task)
	}
}

// runBrowsing drives a web sub-task: fetch, extract, summarize. A navigation
// timeout with partial content is degraded-mode success, not failure.
func (o *Orchestrator) runBrowsing(ctx context.Context, task *Task) (*TaskResult, error) {
	target := searchTarget(o.searchURL, task.Description, task.Classification.Category)

	snap, err := o.browse.Fetch(ctx, target)
	if err != nil && !errors.Is(err, browser.ErrNavigationTimeout) {
		// One degraded-mode retry before surfacing a terminal error.
		log.Printf("🔁 [ORCH] Browse failed (%v), retrying once", err)
		snap, err = o.browse.Fetch(ctx, target)
		if err != nil && !errors.Is(err, browser.ErrNavigationTimeout) {
			return nil, fmt.Errorf("web automation failed: %w", err)
		}
	}
	if snap == nil {
		return nil, fmt.Errorf("web automation returned no content")
	}

	result := &TaskResult{}
	if snap.Text != "" {
		result.Artifacts = append(result.Artifacts, Artifact{
			Type:    "text",
			Name:    "extracted_content",
			Content: snap.Text,
			URL:     snap.URL,
		})
	}
	for i, link := range snap.Links {
		if i >= 10 {
			break
		}
		result.Artifacts = append(result.Artifacts, Artifact{
			Type: "text", Name: "listing", Content: link.Text, URL: link.Href,
		})
	}
	for i, img := range snap.Images {
		if i >= 5 {
			break
		}
		result.Artifacts = append(result.Artifacts, Artifact{Type: "image", Name: "image", URL: img})
	}

	result.Summary = o.summarize(ctx, task.Description, snap)
	if snap.Partial {
		result.Summary += "\n\n(Note: page load timed out; results are partial.)"
	}
	if len(result.Artifacts) == 0 {
		return nil, fmt.Errorf("no content could be extracted from %s", snap.URL)
	}
	return result, nil
}

// runCodeGeneration generates source (optionally grounded on browsed
// content) and, for execution tasks, runs it in the sandbox.
func (o *Orchestrator) runCodeGeneration(ctx context.Context, task *Task, opts Options, execute bool) (*TaskResult, error) {
	var grounding string
	if opts.UseBrowser {
		target := searchTarget(o.searchURL, task.Description, task.Classification.Category)
		if snap, err := o.browse.Fetch(ctx, target); err == nil || errors.Is(err, browser.ErrNavigationTimeout) {
			if snap != nil {
				grounding = snap.Text
			}
		} else {
			log.Printf("⚠️ [ORCH] Grounding browse failed, generating without web context: %v", err)
		}
	}

	artifact, err := o.generate.Generate(ctx, &codegen.Request{
		TaskName:    "",
		Description: task.Description,
		Language:    languageHint(task.Description),
		Category:    task.Classification.Category,
		WebContext:  grounding,
	})
	if err != nil {
		// Degraded-mode retry; provider rotation already happened inside the
		// LLM client, so a second pass only helps on transient extraction
		// failures.
		log.Printf("🔁 [ORCH] Code generation failed (%v), retrying once", err)
		artifact, err = o.generate.Generate(ctx, &codegen.Request{
			Description: task.Description,
			Language:    languageHint(task.Description),
			Category:    task.Classification.Category,
			WebContext:  grounding,
		})
		if err != nil {
			return nil, fmt.Errorf("code generation failed: %w", err)
		}
	}

	result := &TaskResult{
		Artifacts: []Artifact{{
			Type:    "code",
			Name:    artifact.FileName,
			Content: artifact.Code,
		}},
		Summary: fmt.Sprintf("Generated %s program %s (%d bytes).",
			artifact.Language, artifact.FileName, len(artifact.Code)),
	}

	if !execute {
		return result, nil
	}

	exec, err := o.execute.Run(ctx, &sandbox.Request{
		Language: artifact.Language,
		FileName: artifact.FileName,
		Code:     artifact.Code,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrResourceExhausted) {
			return nil, err // caller maps this to a retry-after signal
		}
		return nil, fmt.Errorf("sandboxed execution failed: %w", err)
	}

	if exec.Stdout != "" {
		result.Artifacts = append(result.Artifacts, Artifact{
			Type: "text", Name: "stdout", Content: exec.Stdout,
		})
	}
	for i, shot := range exec.Screenshots {
		result.Artifacts = append(result.Artifacts, Artifact{
			Type:    "screenshot",
			Name:    fmt.Sprintf("screenshot_%d.xwd", i),
			Content: base64.StdEncoding.EncodeToString(shot),
		})
	}

	switch exec.State {
	case sandbox.StateCompleted:
		result.Summary = fmt.Sprintf("Generated and executed %s. Output:\n%s",
			artifact.FileName, strings.TrimSpace(exec.Stdout))
	case sandbox.StateTimedOut, sandbox.StateCrashed:
		// Terminal for this execution, but partial output is still returned
		// as diagnostic value.
		result.Summary = fmt.Sprintf("Generated %s but execution ended in state %s: %s\nPartial output:\n%s",
			artifact.FileName, exec.State, exec.Error, strings.TrimSpace(exec.Stdout))
	}
	return result, nil
}

// summarize condenses browsed content through the LLM; on provider failure
// the raw extract heads the summary instead (degraded but useful).
func (o *Orchestrator) summarize(ctx context.Context, description string, snap *browser.PageSnapshot) string {
	text := snap.Text
	if len(text) > 4000 {
		text = text[:4000]
	}
	prompt := fmt.Sprintf(`Summarize the following web page content as an answer to this task.

Task: %s

Page (%s):
%s

Answer concisely.`, description, snap.URL, text)

	summary, err := o.llm.Chat(ctx, prompt)
	if err != nil {
		log.Printf("⚠️ [ORCH] Summarization failed (%v), returning raw extract", err)
		if len(text) > 800 {
			text = text[:800]
		}
		return text
	}
	return strings.TrimSpace(summary)
}

// publish emits the accounting and activity events; a nil bus disables both.
func (o *Orchestrator) publish(task *Task, result *TaskResult, elapsed time.Duration) {
	if o.bus == nil {
		return
	}
	evt := events.TaskEvent{
		TaskID:     task.ID,
		Class:      string(task.Classification.Class),
		Status:     string(result.Status),
		CostUnits:  result.CostUnits,
		Summary:    truncate(result.Summary, 500),
		DurationMS: elapsed.Milliseconds(),
	}
	if err := o.bus.PublishCompleted(evt); err != nil {
		log.Printf("⚠️ [ORCH] Failed to publish completion event: %v", err)
	}
	if err := o.bus.PublishActivity(evt); err != nil {
		log.Printf("⚠️ [ORCH] Failed to publish activity event: %v", err)
	}
}

// IsRateLimited reports whether an error is the all-providers-exhausted
// terminal condition.
func IsRateLimited(err error) bool {
	return errors.Is(err, keypool.ErrProviderRateLimited)
}

// IsResourceExhausted reports whether an error is the sandbox concurrency
// cap; callers answer with a retry-after signal.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, sandbox.ErrResourceExhausted)
}

// timeSensitiveWords mark tasks whose answers go stale immediately; those
// results never enter the cache.
var timeSensitiveWords = []string{
	"now", "today", "tonight", "tomorrow", "latest", "current", "currently",
	"live", "right now", "this week", "breaking",
}

var yearRe = regexp.MustCompile(`\b20\d{2}\b`)

var monthNames = []string{
	"january", "february", "march", "april", "june", "july",
	"august", "september", "october", "november", "december",
}

func isTimeSensitive(description string) bool {
	desc := strings.ToLower(description)
	for _, w := range timeSensitiveWords {
		if containsWord(desc, w) {
			return true
		}
	}
	if yearRe.MatchString(desc) {
		return true
	}
	// "may" is skipped: too ambiguous as a month.
	for _, m := range monthNames {
		if containsWord(desc, m) {
			return true
		}
	}
	return false
}

// containsWord matches whole words only, so "nowhere" is not "now".
func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i == -1 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isAlnum(s[start-1])
		afterOK := end == len(s) || !isAlnum(s[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// searchTarget picks the URL for a browsing sub-task: explicit URLs in the
// description win, otherwise a search query possibly sharpened by category.
func searchTarget(searchBase, description, category string) string {
	for _, field := range strings.Fields(description) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return strings.TrimRight(field, ".,)")
		}
	}
	query := description
	switch category {
	case "travel":
		query += " flight prices"
	case "finance":
		query += " price quote"
	case "recipes":
		query += " recipe"
	case "reviews":
		query += " reviews"
	}
	return searchBase + url.QueryEscape(query)
}

// costUnits is the per-class price the accounting collaborator bills.
func costUnits(class TaskClass) int {
	switch class {
	case ClassCodeExecution:
		return 3
	case ClassCodeGeneration:
		return 2
	default:
		return 1
	}
}

func languageHint(description string) string {
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "javascript") || strings.Contains(desc, "node"):
		return "javascript"
	case strings.Contains(desc, "golang") || strings.Contains(desc, " go "):
		return "go"
	case strings.Contains(desc, "shell") || strings.Contains(desc, "bash"):
		return "sh"
	default:
		return "python"
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
