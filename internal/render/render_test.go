package render

import "testing"

func TestRenderSubstitution(t *testing.T) {
	cases := []struct {
		name     string
		template string
		ctx      map[string]any
		want     string
	}{
		{"plain", "echo {{msg}}", map[string]any{"msg": "hi"}, "echo hi"},
		{"spaced braces", "echo {{ msg }}", map[string]any{"msg": "hi"}, "echo hi"},
		{"repeated", "{{a}} and {{a}}", map[string]any{"a": "x"}, "x and x"},
		{"unknown renders empty", "run {{missing}} done", nil, "run  done"},
		{"int", "-n {{n}}", map[string]any{"n": int64(8)}, "-n 8"},
		{"float", "-r {{r}}", map[string]any{"r": 0.25}, "-r 0.25"},
		{"bool", "--flag={{f}}", map[string]any{"f": true}, "--flag=true"},
		{"list joins with spaces", "cat {{files}}", map[string]any{"files": []string{"a.txt", "b.txt"}}, "cat a.txt b.txt"},
		{"no placeholders", "true", map[string]any{"x": "y"}, "true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Render(tc.template, tc.ctx); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.template, got, tc.want)
			}
		})
	}
}

func TestSanitizeAllowlist(t *testing.T) {
	cases := []struct{ in, want string }{
		{"simple", "simple"},
		{"reads_1.fastq", "reads_1.fastq"},
		{"v1.2+build-3", "v1.2+build-3"},
		{"hello world", "hello_world"},
		{"a;rm -rf /", "a_rm_-rf__"},
		{"$(whoami)", "__whoami_"},
		{"back`tick`", "back_tick_"},
		{"quo'te\"s", "quo_te_s"},
		{"новый.txt", "_____.txt"},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestQuoteCannotBreakOut(t *testing.T) {
	got := Quote("it's a 'trap'")
	if got != "'it_s_a__trap_'" {
		t.Errorf("Quote = %q", got)
	}
	// The sanitised interior can never contain a quote, so the wrapping
	// quotes always delimit exactly one shell word.
	inner := got[1 : len(got)-1]
	for _, r := range inner {
		if r == '\'' {
			t.Fatalf("quote survived sanitisation: %q", got)
		}
	}
}

func TestEscapeLeavesNumericsUntouched(t *testing.T) {
	params := map[string]any{
		"s":    "a b",
		"n":    int64(3),
		"f":    1.5,
		"b":    false,
		"list": []string{"x y", "z"},
	}
	out := EscapeAll(params)
	if out["s"] != "'a_b'" {
		t.Errorf("s = %v", out["s"])
	}
	if out["n"] != int64(3) || out["f"] != 1.5 || out["b"] != false {
		t.Errorf("numerics changed: %v %v %v", out["n"], out["f"], out["b"])
	}
	list, ok := out["list"].([]string)
	if !ok || list[0] != "'x_y'" || list[1] != "'z'" {
		t.Errorf("list = %v", out["list"])
	}
}

func TestRenderDeterministic(t *testing.T) {
	ctx := map[string]any{"a": "1", "b": []string{"p", "q"}}
	first := Render("{{a}}-{{b}}-{{a}}", ctx)
	for i := 0; i < 10; i++ {
		if got := Render("{{a}}-{{b}}-{{a}}", ctx); got != first {
			t.Fatalf("render not deterministic: %q vs %q", got, first)
		}
	}
}
