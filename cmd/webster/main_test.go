package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "migrate", "tools", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	t.Setenv("WEBSTER_CONFIG", "/etc/webster/env.yaml")

	if got := resolveConfigPath("/tmp/flag.yaml"); got != "/tmp/flag.yaml" {
		t.Errorf("resolveConfigPath(flag) = %q, want /tmp/flag.yaml", got)
	}
	if got := resolveConfigPath(""); got != "/etc/webster/env.yaml" {
		t.Errorf("resolveConfigPath(\"\") = %q, want env value", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("line one\nline two", 72); got != "line one line two" {
		t.Errorf("truncate flattened = %q", got)
	}
	long := truncate("abcdefghij", 5)
	if long != "abcd…" {
		t.Errorf("truncate(long) = %q", long)
	}
}
