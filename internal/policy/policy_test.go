package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/crewdesk/internal/policy"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoad_DefaultAllowsWhenMissing(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.AllowTool("writer", "specialist", "task_create") {
		t.Fatalf("default policy must allow task tools")
	}
}

func TestAllowTool_Specificity(t *testing.T) {
	p, err := policy.Load(writePolicy(t, `
default: deny
rules:
  - agent: "*"
    tools: [task_list]
  - agent: level:lead
    tools: ["*"]
  - agent: intern
    tools: []
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := []struct {
		agent, level, tool string
		want               bool
	}{
		{"writer", "specialist", "task_list", true},
		{"writer", "specialist", "task_create", false},
		{"boss", "lead", "task_create", true},
		{"intern", "lead", "task_list", false},
	}
	for _, tc := range cases {
		if got := p.AllowTool(tc.agent, tc.level, tc.tool); got != tc.want {
			t.Fatalf("AllowTool(%s,%s,%s) = %v, want %v", tc.agent, tc.level, tc.tool, got, tc.want)
		}
	}
}

func TestAllowTool_DefaultDenyWithoutRules(t *testing.T) {
	p, err := policy.Load(writePolicy(t, "default: deny\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.AllowTool("writer", "specialist", "task_list") {
		t.Fatalf("expected deny")
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	for _, body := range []string{
		"default: maybe\n",
		"rules:\n  - tools: [x]\n",
		"rules:\n  - agent: level:boss\n    tools: [x]\n",
		"rules: [",
	} {
		if _, err := policy.Load(writePolicy(t, body)); err == nil {
			t.Fatalf("expected %q to be rejected", body)
		}
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	path := writePolicy(t, "default: deny\nrules:\n  - agent: writer\n    tools: [task_list]\n")
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	live := policy.NewLivePolicy(initial)
	before := live.PolicyVersion()

	if err := os.WriteFile(path, []byte("default: sometimes\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err == nil {
		t.Fatalf("expected invalid reload to fail")
	}
	if live.PolicyVersion() != before || !live.AllowTool("writer", "specialist", "task_list") {
		t.Fatalf("previous policy must stay active")
	}

	if err := os.WriteFile(path, []byte("default: allow\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err != nil {
		t.Fatalf("valid reload: %v", err)
	}
	if live.PolicyVersion() == before {
		t.Fatalf("version should change after reload")
	}
	snap := live.Snapshot()
	if snap.Default != "allow" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
