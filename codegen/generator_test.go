package codegen

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptedChatter replays canned responses in order
type scriptedChatter struct {
	responses []string
	err       error
	prompts   []string
}

func (s *scriptedChatter) Chat(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("no scripted response left")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func TestGenerateExtractsFencedCode(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		"Here you go:\n```python\nfor i in range(1, 6):\n    print(i)\n```\nEnjoy!",
	}}
	g := NewGenerator(chatter, nil)

	artifact, err := g.Generate(context.Background(), &Request{
		TaskName:    "print_sequence",
		Description: "print the numbers 1 through 5",
		Language:    "python",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if artifact.FileName != "main.py" {
		t.Errorf("file name: got %q", artifact.FileName)
	}
	if artifact.Language != "python" {
		t.Errorf("language: got %q", artifact.Language)
	}
	if !strings.Contains(artifact.Code, "for i in range(1, 6)") {
		t.Errorf("code body wrong: %q", artifact.Code)
	}
	if strings.Contains(artifact.Code, "```") {
		t.Error("fences must be stripped")
	}
}

func TestGenerateRetriesOnWrongLanguage(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		"```go\npackage main\n\nfunc main() {}\n```",
		"```python\nprint('ok')\n```",
	}}
	g := NewGenerator(chatter, nil)

	artifact, err := g.Generate(context.Background(), &Request{
		Description: "print ok",
		Language:    "python",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(artifact.Code, "print('ok')") {
		t.Errorf("retry result wrong: %q", artifact.Code)
	}
	if len(chatter.prompts) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(chatter.prompts))
	}
	if !strings.Contains(chatter.prompts[1], "previous attempt was rejected") {
		t.Error("retry prompt should be strengthened")
	}
}

func TestGenerateFailsAfterSecondWrongLanguage(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		"```go\npackage main\n\nfunc main() {}\n```",
		"```go\npackage main\n\nfunc main() {}\n```",
	}}
	g := NewGenerator(chatter, nil)

	_, err := g.Generate(context.Background(), &Request{Description: "x", Language: "python"})
	if err == nil {
		t.Fatal("expected an error after two wrong-language responses")
	}
}

func TestGenerateSurfacesProviderError(t *testing.T) {
	wantErr := errors.New("all providers down")
	g := NewGenerator(&scriptedChatter{err: wantErr}, nil)

	_, err := g.Generate(context.Background(), &Request{Description: "x", Language: "python"})
	if !errors.Is(err, wantErr) {
		t.Errorf("provider error should propagate typed, got %v", err)
	}
}

func TestGenerateAcceptsRawCodeResponse(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		"import sys\nprint('raw')",
	}}
	g := NewGenerator(chatter, nil)

	artifact, err := g.Generate(context.Background(), &Request{Description: "x", Language: "python"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(artifact.Code, "print('raw')") {
		t.Errorf("raw code should be accepted: %q", artifact.Code)
	}
}

func TestBuildPromptUsesCategoryTemplate(t *testing.T) {
	g := NewGenerator(&scriptedChatter{}, nil)

	prompt := g.buildPrompt(&Request{
		Description: "find flights",
		Language:    "python",
		Category:    "travel",
	})
	if !strings.Contains(prompt, "travel search tasks") {
		t.Error("travel template should be selected")
	}

	prompt = g.buildPrompt(&Request{Description: "anything", Language: "python", Category: "unknown"})
	if !strings.Contains(prompt, "expert programmer. Write a small, self-contained program") {
		t.Error("unknown category should fall back to the general template")
	}
}

func TestBuildPromptIncludesWebGrounding(t *testing.T) {
	g := NewGenerator(&scriptedChatter{}, nil)
	prompt := g.buildPrompt(&Request{
		Description: "summarize",
		Language:    "python",
		WebContext:  "flight UA123 $250",
	})
	if !strings.Contains(prompt, "flight UA123 $250") {
		t.Error("web grounding should appear in the prompt")
	}
}

func TestBuildPromptTruncatesLongGrounding(t *testing.T) {
	g := NewGenerator(&scriptedChatter{}, nil)
	prompt := g.buildPrompt(&Request{
		Description: "summarize",
		Language:    "python",
		WebContext:  strings.Repeat("x", 20000),
	})
	if len(prompt) > 8000 {
		t.Errorf("grounding should be capped, prompt len=%d", len(prompt))
	}
}

func TestTemplateOverrides(t *testing.T) {
	g := NewGenerator(&scriptedChatter{}, map[string]string{"Finance": "CUSTOM FINANCE PREAMBLE"})
	prompt := g.buildPrompt(&Request{Description: "x", Language: "python", Category: "finance"})
	if !strings.Contains(prompt, "CUSTOM FINANCE PREAMBLE") {
		t.Error("config override should replace the built-in template")
	}
}

func TestWrongLanguageDetection(t *testing.T) {
	if got := wrongLanguage("def main():\n    pass", "go"); got != "python" {
		t.Errorf("python-in-go: got %q", got)
	}
	if got := wrongLanguage("package main\n\nfunc main() {}", "python"); got != "go" {
		t.Errorf("go-in-python: got %q", got)
	}
	if got := wrongLanguage("print('hi')", "python"); got != "" {
		t.Errorf("correct language flagged: %q", got)
	}
	// Go code containing a string literal with "def " should not be flagged.
	if got := wrongLanguage("package main\n\nfunc main() { println(\"def \") }", "go"); got != "" {
		t.Errorf("go false positive: %q", got)
	}
}
