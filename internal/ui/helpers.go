package ui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"foundry/internal/models"
	"foundry/internal/styles"
	"foundry/internal/transform"
)

func WrappedLineCount(value string, width int) int {
	if width <= 0 {
		return 1
	}
	lines := strings.Split(value, "\n")
	if len(lines) == 0 {
		return 1
	}
	count := 0
	for _, line := range lines {
		w := runewidth.StringWidth(line)
		if w == 0 {
			count++
			continue
		}
		count += (w-1)/width + 1
	}
	return count
}

// PromptPreview flattens text to a single line.
func PromptPreview(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}

// TruncateWidth cuts s to at most width terminal cells.
func TruncateWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}

// FormatArgs renders tool arguments as sorted key=value pairs.
func FormatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(args[k])
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, " ")
}

// FormatOutput pretty prints a tool output and cuts it to max runes.
func FormatOutput(output any, max int) string {
	if output == nil {
		return "(running)"
	}
	var text string
	if b, err := json.MarshalIndent(output, "", "  "); err == nil {
		text = string(b)
	} else {
		text = transform.Stringify(output)
	}
	if s, ok := output.(string); ok {
		text = s
	}
	r := []rune(text)
	if len(r) > max {
		return string(r[:max]) + fmt.Sprintf("\n… (%d more characters)", len(r)-max)
	}
	return text
}

func FormatUserMessage(content string, width int) string {
	label := styles.UserLabelStyle.Render("YOU")
	msg := styles.UserMsgStyle.Width(width - 4).Render(content)
	return fmt.Sprintf("%s\n%s", label, msg)
}

// FormatToolCall is the one-line marker shown under an assistant reply.
func FormatToolCall(tc models.ToolCall, done bool, width int) string {
	mark := "…"
	if done {
		mark = "✓"
	}
	icon := styles.ToolIconStyle.Render("→")
	name := styles.ToolNameStyle.Render(tc.Name)
	args := styles.ToolDetailStyle.Render(TruncateWidth(FormatArgs(tc.Args), width-lipgloss.Width(tc.Name)-10))
	status := styles.ToolStatus(done).Render(mark)
	return styles.ToolActionStyle.Render(fmt.Sprintf("%s %s %s %s", icon, name, args, status))
}

func FormatAgentMessage(content string, tools []string, footer string) string {
	parts := []string{styles.AgentLabelStyle.Render("AGENT")}
	parts = append(parts, tools...)
	if strings.TrimSpace(content) != "" {
		parts = append(parts, styles.AgentMsgStyle.Render(content))
	}
	if footer != "" {
		parts = append(parts, footer)
	}
	return strings.Join(parts, "\n")
}
