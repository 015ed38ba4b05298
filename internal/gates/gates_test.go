package gates

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDetectTypeScriptProject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tsconfig.json", `{"compilerOptions":{}}`)
	writeFile(t, dir, "package.json", `{"scripts":{"build":"tsc","lint":"eslint .","test":"vitest"}}`)

	gates := Detect(dir)
	if len(gates) != 4 {
		t.Fatalf("detected %d gates, want 4", len(gates))
	}

	byName := map[string]Gate{}
	for _, g := range gates {
		byName[g.Name] = g
	}
	if g := byName["typescript"]; g.Command != "tsc --noEmit" || g.TimeoutSeconds != 60 {
		t.Errorf("typescript gate = %+v", g)
	}
	if g := byName["build"]; g.TimeoutSeconds != 120 {
		t.Errorf("build timeout = %d", g.TimeoutSeconds)
	}
	if g := byName["test"]; !g.Optional || g.TimeoutSeconds != 300 {
		t.Errorf("test gate = %+v", g)
	}
	// Declared order: typescript first.
	if gates[0].Name != "typescript" {
		t.Errorf("order = %v", gates)
	}
}

func TestDetectEmptyProject(t *testing.T) {
	if gates := Detect(t.TempDir()); len(gates) != 0 {
		t.Errorf("gates = %+v", gates)
	}
}

func TestConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tsconfig.json", `{}`)
	writeFile(t, dir, ConfigFileName, `{
		// disable typescript, add a custom gate, bump the batch threshold
		"gates": [
			{"name": "typescript", "enabled": false},
			{"name": "vet", "command": "go vet ./...", "enabled": true, "timeout": 45},
		],
		"triggers": {"batch_threshold": 8},
		"options": {"run_tests": false, "fail_fast": true, "timeout_multiplier": 2.0},
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	byName := map[string]Gate{}
	for _, g := range cfg.Gates {
		byName[g.Name] = g
	}
	if byName["typescript"].Enabled {
		t.Error("typescript not disabled")
	}
	if g := byName["vet"]; !g.Enabled || g.TimeoutSeconds != 45 {
		t.Errorf("vet gate = %+v", g)
	}
	if cfg.Triggers.BatchThreshold != 8 {
		t.Errorf("batch threshold = %d", cfg.Triggers.BatchThreshold)
	}
	if cfg.Options.RunTests {
		t.Error("run_tests not disabled")
	}
	if cfg.Options.TimeoutMultiplier != 2.0 {
		t.Errorf("multiplier = %v", cfg.Options.TimeoutMultiplier)
	}
}

func TestGateTimeoutMultiplier(t *testing.T) {
	g := Gate{TimeoutSeconds: 60}
	if d := g.Timeout(1.5); d.Seconds() != 90 {
		t.Errorf("timeout = %v", d)
	}
	// Zero timeout falls back to 60s.
	if d := (Gate{}).Timeout(1.0); d.Seconds() != 60 {
		t.Errorf("default timeout = %v", d)
	}
}

func TestParseTypeScriptDiagnostics(t *testing.T) {
	out := `src/app.ts(14,5): error TS2322: Type 'string' is not assignable to type 'number'.
src/util.ts(3,1): error TS2304: Cannot find name 'fetchh'.
some unrelated line`

	errs := parseDiagnostics("typescript", out)
	if len(errs) != 2 {
		t.Fatalf("errors = %+v", errs)
	}
	e := errs[0]
	if e.File != "src/app.ts" || e.Line != 14 || e.Column != 5 || e.Code != "TS2322" {
		t.Errorf("parsed = %+v", e)
	}
}

func TestParseGenericDiagnostics(t *testing.T) {
	out := `> project@1.0.0 lint
ok file one
ERROR: semicolons are a lifestyle
2 checks failed
just noise`

	errs := parseDiagnostics("lint", out)
	if len(errs) != 2 {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestParseDiagnosticsCap(t *testing.T) {
	out := ""
	for range 30 {
		out += "error: boom\n"
	}
	if errs := parseDiagnostics("build", out); len(errs) != maxErrorsPerGate {
		t.Errorf("cap not applied: %d", len(errs))
	}
}

func TestParseDiagnosticsEmptyOutput(t *testing.T) {
	errs := parseDiagnostics("build", "")
	if len(errs) != 1 || errs[0].Message != "command failed" {
		t.Errorf("errs = %+v", errs)
	}
}

func TestFormatErrors(t *testing.T) {
	result := SuiteResult{Runs: []GateRun{
		{GateName: "typescript", Success: false, Errors: []GateError{
			{File: "a.ts", Line: 3, Code: "TS1005", Message: "';' expected."},
		}},
		{GateName: "lint", Success: true},
	}}

	got := FormatErrors(result)
	want := "[typescript]\n  a.ts:3 (TS1005): ';' expected."
	if got != want {
		t.Errorf("formatted = %q, want %q", got, want)
	}
}
