package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/forgecode/forge/internal/event"
)

const editDescription = `Performs exact string replacements in files.

Usage:
- The file_path parameter must be an absolute path
- The old_string must exist in the file (exact match required)
- The new_string will replace old_string
- Use replace_all to replace all occurrences
- The edit will FAIL if old_string is not unique (unless using replace_all)`

// EditTool implements in-place file editing.
type EditTool struct {
	workDir string
}

// EditInput represents the input for the replace_in_file tool.
type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// NewEditTool creates a new edit tool.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) ID() string          { return "replace_in_file" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to edit"
			},
			"oldString": {
				"type": "string",
				"description": "The exact text to replace"
			},
			"newString": {
				"type": "string",
				"description": "The text to replace it with"
			},
			"replaceAll": {
				"type": "boolean",
				"description": "Replace all occurrences (default: false)"
			}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

// editMatch is one resolved replacement strategy: the literal text to
// replace and a label describing how it was found.
type editMatch struct {
	target   string
	count    int
	strategy string // "exact", "normalized", "fuzzy"
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.OldString == params.NewString {
		return nil, fmt.Errorf("old_string and new_string must be different")
	}

	info, err := os.Stat(params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	content, err := os.ReadFile(params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	before := string(content)

	match, err := t.resolveMatch(before, params)
	if err != nil {
		return nil, err
	}

	base := before
	if match.strategy == "normalized" {
		base = normalizeLineEndings(before)
	}
	var after string
	if params.ReplaceAll {
		after = strings.ReplaceAll(base, match.target, params.NewString)
	} else {
		after = strings.Replace(base, match.target, params.NewString, 1)
	}

	return t.writeEdited(params.FilePath, before, after, match, info.Mode(), toolCtx)
}

// resolveMatch picks the replacement target: exact match first, then
// line-ending normalization, then a Levenshtein-similarity block match
// for text the model reproduced imperfectly.
func (t *EditTool) resolveMatch(text string, params EditInput) (editMatch, error) {
	if n := strings.Count(text, params.OldString); n > 0 {
		if n > 1 && !params.ReplaceAll {
			return editMatch{}, fmt.Errorf("old_string appears %d times in file. Use replace_all or provide more context", n)
		}
		if !params.ReplaceAll {
			n = 1
		}
		return editMatch{target: params.OldString, count: n, strategy: "exact"}, nil
	}

	normalizedOld := normalizeLineEndings(params.OldString)
	if strings.Contains(normalizeLineEndings(text), normalizedOld) {
		return editMatch{target: normalizedOld, count: 1, strategy: "normalized"}, nil
	}

	if match, sim := findBestMatch(text, params.OldString); match != "" && sim >= 0.7 {
		return editMatch{target: match, count: 1, strategy: "fuzzy"}, nil
	}

	return editMatch{}, fmt.Errorf("old_string not found in file. The content may have changed or the string doesn't exist")
}

// writeEdited commits the new content, preserving the file's original
// permission bits, and reports everything downstream consumers key off:
// before/after for the session diff record, the content hash and mtime
// for working memory, resource dedup, and the staleness rule, and the
// unified diff for rendering.
func (t *EditTool) writeEdited(path, before, after string, match editMatch, mode fs.FileMode, toolCtx *Context) (*Result, error) {
	if err := os.WriteFile(path, []byte(after), mode.Perm()); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if toolCtx != nil && toolCtx.SessionID != "" {
		event.Publish(event.Event{
			Type: event.FileEdited,
			Data: event.FileEditedData{File: path},
		})
	}

	diffText, additions, deletions := buildDiffMetadata(path, before, after, t.workDir)
	sum := sha256.Sum256([]byte(after))

	var modTime int64
	if info, err := os.Stat(path); err == nil {
		modTime = info.ModTime().Unix()
	}

	title := fmt.Sprintf("Edited %s", filepath.Base(path))
	output := fmt.Sprintf("Replaced %d occurrence(s)", match.count)
	if match.strategy != "exact" {
		title = fmt.Sprintf("Edited %s (%s)", filepath.Base(path), match.strategy)
		output = fmt.Sprintf("Replaced %d occurrence(s) via %s matching", match.count, match.strategy)
	}

	return &Result{
		Title:  title,
		Output: output,
		Metadata: map[string]any{
			"file":         path,
			"replacements": match.count,
			"strategy":     match.strategy,
			"before":       before,
			"after":        after,
			"diff":         diffText,
			"additions":    additions,
			"deletions":    deletions,
			"contentHash":  hex.EncodeToString(sum[:]),
			"modTime":      modTime,
		},
	}, nil
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// findBestMatch finds the substring most similar to target.
func findBestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLines := strings.Split(target, "\n")

	if len(targetLines) == 1 {
		// Single line - search for similar line
		bestMatch := ""
		bestSimilarity := 0.0

		for _, line := range lines {
			sim := similarity(line, target)
			if sim > bestSimilarity {
				bestSimilarity = sim
				bestMatch = line
			}
		}
		return bestMatch, bestSimilarity
	}

	// Multi-line - search for similar block
	targetLen := len(targetLines)
	bestMatch := ""
	bestSimilarity := 0.0

	for i := 0; i <= len(lines)-targetLen; i++ {
		block := strings.Join(lines[i:i+targetLen], "\n")
		sim := similarity(block, target)
		if sim > bestSimilarity {
			bestSimilarity = sim
			bestMatch = block
		}
	}

	return bestMatch, bestSimilarity
}

// similarity is normalized Levenshtein similarity in [0,1].
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// Length-ratio approximation for extreme inputs keeps the per-line
	// scan bounded.
	if len(a) > 10000 || len(b) > 10000 {
		maxLen := max(len(a), len(b))
		minLen := min(len(a), len(b))
		return float64(minLen) / float64(maxLen)
	}

	dist := levenshtein.ComputeDistance(a, b)
	maxLen := max(len(a), len(b))
	return 1.0 - float64(dist)/float64(maxLen)
}

func (t *EditTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
