// Package safety flags task text that tries to steer an agent away from its
// instructions. Task titles and descriptions come from users and other
// agents, so the executor treats flagged text as quoted data.
package safety

import (
	"regexp"
	"strings"
)

type Level int

const (
	LevelClean Level = iota
	// LevelSuspicious covers chat-template markers and encoded payloads.
	LevelSuspicious
	// LevelInjection is an explicit attempt to override the agent's role.
	LevelInjection
)

func (l Level) String() string {
	switch l {
	case LevelSuspicious:
		return "suspicious"
	case LevelInjection:
		return "injection"
	default:
		return "clean"
	}
}

// Finding is the strongest match in a piece of text.
type Finding struct {
	Level  Level
	Reason string
}

type rule struct {
	re     *regexp.Regexp
	level  Level
	reason string
}

var rules = []rule{
	{regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`), LevelInjection, "ignore previous instructions"},
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`), LevelInjection, "identity override"},
	{regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(the\s+)?(system\s+)?prompt)\b`), LevelInjection, "system prompt override"},
	{regexp.MustCompile(`(?i)\bforget\s+(everything|all|your)\b`), LevelInjection, "memory wipe"},
	{regexp.MustCompile(`(?i)\b(reveal|print|repeat|show)\s+(me\s+)?(your\s+)?(system\s+)?(prompt|instructions)\b`), LevelInjection, "prompt extraction"},
	{regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`), LevelSuspicious, "[SYSTEM] tag"},
	{regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`), LevelSuspicious, "chat template tag"},
	{regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`), LevelSuspicious, "base64 \"ignore\""},
}

// Screen returns the highest-level rule matched by text.
func Screen(text string) Finding {
	if strings.TrimSpace(text) == "" {
		return Finding{}
	}
	var best Finding
	for _, r := range rules {
		if r.level > best.Level && r.re.MatchString(text) {
			best = Finding{Level: r.level, Reason: r.reason}
		}
	}
	return best
}

// Quote fences text so a model reads it as data. Backtick runs inside text
// are broken up so the fence cannot be closed early.
func Quote(text string) string {
	for strings.Contains(text, "```") {
		text = strings.ReplaceAll(text, "```", "`\u200b``")
	}
	return "```untrusted\n" + text + "\n```"
}
