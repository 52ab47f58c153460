package codegen

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chatter is the LLM surface the generator needs. The production value is
// *llm.Client; tests substitute a canned implementation.
type Chatter interface {
	Chat(ctx context.Context, prompt string) (string, error)
}

// Request describes one code generation job.
type Request struct {
	TaskName    string
	Description string
	Language    string
	Category    string // finance, travel, recipes, reviews, general
	WebContext  string // extracted page text used as grounding, may be empty
}

// SourceArtifact is structured generated source. Generation never executes
// anything; running code is the sandbox engine's job.
type SourceArtifact struct {
	ID        string    `json:"id"`
	FileName  string    `json:"file_name"`
	Language  string    `json:"language"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Generator turns task descriptions into source artifacts via the LLM.
type Generator struct {
	llm       Chatter
	templates map[string]string
}

// NewGenerator builds a Generator. templateOverrides (from config YAML) are
// merged over the built-in category templates.
func NewGenerator(llm Chatter, templateOverrides map[string]string) *Generator {
	templates := make(map[string]string, len(defaultTemplates))
	for k, v := range defaultTemplates {
		templates[k] = v
	}
	for k, v := range templateOverrides {
		templates[strings.ToLower(k)] = v
	}
	return &Generator{llm: llm, templates: templates}
}

// Generate produces a source artifact for the request. On a wrong-language
// response it retries once with a strengthened prompt before giving up.
func (g *Generator) Generate(ctx context.Context, req *Request) (*SourceArtifact, error) {
	if req.Language == "" {
		req.Language = "python"
	}
	prompt := g.buildPrompt(req)

	response, err := g.llm.Chat(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("code generation LLM call failed: %w", err)
	}

	code, err := extractCode(response, req.Language)
	if err != nil {
		log.Printf("🔄 [CODEGEN] %v, retrying with strengthened prompt", err)
		retryPrompt := prompt + "\n\nIMPORTANT: The previous attempt was rejected. You MUST return only " +
			req.Language + " code inside a ```" + req.Language + " code block."
		response, err = g.llm.Chat(ctx, retryPrompt)
		if err != nil {
			return nil, fmt.Errorf("code generation retry failed: %w", err)
		}
		code, err = extractCode(response, req.Language)
		if err != nil {
			return nil, fmt.Errorf("failed to extract code: %w", err)
		}
	}

	return &SourceArtifact{
		ID:        uuid.New().String(),
		FileName:  "main." + fileExtension(req.Language),
		Language:  req.Language,
		Code:      code,
		CreatedAt: time.Now(),
	}, nil
}

// buildPrompt assembles the generation prompt: category template, task
// description, optional web grounding, and the output contract.
func (g *Generator) buildPrompt(req *Request) string {
	var b strings.Builder

	tmpl, ok := g.templates[strings.ToLower(req.Category)]
	if !ok {
		tmpl = g.templates["general"]
	}
	b.WriteString(tmpl)
	b.WriteString("\n\nTask: ")
	if req.TaskName != "" {
		b.WriteString(req.TaskName)
		b.WriteString("\nDescription: ")
	}
	b.WriteString(strings.TrimSpace(req.Description))

	if req.WebContext != "" {
		grounding := req.WebContext
		if len(grounding) > 6000 {
			grounding = grounding[:6000]
		}
		b.WriteString("\n\nExtracted web content to use as input data:\n")
		b.WriteString(grounding)
	}

	fence := "```" + req.Language
	fmt.Fprintf(&b, `

Requirements:
1. Generate complete, runnable %s code
2. Use only standard library modules unless the task demands otherwise
3. Do NOT perform network calls unless the task explicitly asks for them
4. Print results to stdout
5. Return ONLY the code in a markdown code block opened with %s
`, req.Language, fence)
	return b.String()
}

// extractCode pulls the code body out of a fenced markdown response and
// rejects obvious wrong-language output.
func extractCode(response, language string) (string, error) {
	response = strings.TrimSpace(response)

	code := ""
	start := strings.Index(response, "```"+language)
	if start != -1 {
		start += len("```" + language)
	} else if start = strings.Index(response, "```"); start != -1 {
		// Generic fence; skip past a possible language tag on the same line.
		rest := response[start+3:]
		if nl := strings.Index(rest, "\n"); nl != -1 && nl < 20 {
			start += 3 + nl
		} else {
			start += 3
		}
	}

	if start == -1 {
		// No fence at all; accept raw responses that look like code.
		if looksLikeCode(response) {
			log.Printf("⚠️ [CODEGEN] No code block found, response looks like raw code")
			code = response
		} else {
			return "", fmt.Errorf("no code block found in response")
		}
	} else {
		end := strings.Index(response[start:], "```")
		if end == -1 {
			code = strings.TrimSpace(response[start:])
		} else {
			code = strings.TrimSpace(response[start : start+end])
		}
	}

	if code == "" {
		return "", fmt.Errorf("extracted code is empty")
	}
	if wrong := wrongLanguage(code, language); wrong != "" {
		return "", fmt.Errorf("LLM generated %s code when %s was requested", wrong, language)
	}
	return code, nil
}

func looksLikeCode(s string) bool {
	return strings.Contains(s, "def ") || strings.Contains(s, "func ") ||
		strings.Contains(s, "import ") || strings.Contains(s, "package ") ||
		strings.Contains(s, "class ") || strings.Contains(s, "print(")
}

// wrongLanguage returns the detected language name when the code clearly is
// not what was asked for, empty string otherwise.
func wrongLanguage(code, want string) string {
	switch strings.ToLower(want) {
	case "go", "golang":
		if strings.Contains(code, "def ") && !strings.Contains(code, "func ") {
			return "python"
		}
	case "python", "py":
		if strings.Contains(code, "package main") && strings.Contains(code, "func main()") {
			return "go"
		}
	case "javascript", "js", "node":
		if strings.Contains(code, "def ") || strings.Contains(code, "if __name__") {
			return "python"
		}
	}
	return ""
}

func fileExtension(language string) string {
	switch strings.ToLower(language) {
	case "python", "py":
		return "py"
	case "javascript", "js", "node":
		return "js"
	case "go", "golang":
		return "go"
	case "sh", "bash", "shell":
		return "sh"
	default:
		return "txt"
	}
}
