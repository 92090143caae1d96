package executor

import (
	"context"
	"strings"
	"testing"
)

func TestCommandExecutor(t *testing.T) {
	e := NewCommandExecutor()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		result, err := e.Execute(ctx, &Spec{
			Command: "/bin/sh",
			Args:    []string{"-c", "echo out; echo err 1>&2"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.ExitCode != 0 {
			t.Errorf("exit code: have: %d, want: 0", result.ExitCode)
		}
		if have, want := strings.TrimSpace(result.Stdout), "out"; have != want {
			t.Errorf("stdout: have: %q, want: %q", have, want)
		}
		if have, want := strings.TrimSpace(result.Stderr), "err"; have != want {
			t.Errorf("stderr: have: %q, want: %q", have, want)
		}
		if result.EndedAt.Before(result.StartedAt) {
			t.Error("ended before started")
		}
	})

	t.Run("nonzero_exit", func(t *testing.T) {
		result, err := e.Execute(ctx, &Spec{
			Command: "/bin/sh",
			Args:    []string{"-c", "exit 3"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.ExitCode != 3 {
			t.Errorf("exit code: have: %d, want: 3", result.ExitCode)
		}
	})

	t.Run("launch_failure", func(t *testing.T) {
		result, err := e.Execute(ctx, &Spec{
			Command: "/nonexistent/preservd-test-binary",
		})
		if err != nil {
			t.Fatal("launch failure must not be an error")
		}
		if result.ExitCode != LaunchFailureCode {
			t.Errorf("exit code: have: %d, want: %d", result.ExitCode, LaunchFailureCode)
		}
		if result.Stderr == "" {
			t.Error("expected diagnostic stderr")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := e.Execute(cancelled, &Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 10"}}); err == nil {
			t.Fatal("expected infrastructure error")
		}
	})
}

func TestReplacements(t *testing.T) {
	pkg := Replacements{
		"SIPDirectory":     "/work/pkg-1",
		"SIPUUID":          "pkg-1",
		"config:normalize": "true",
	}

	for _, test := range []struct {
		name string
		in   string
		want string
	}{
		{"dir", "%SIPDirectory%/objects", "/work/pkg-1/objects"},
		{"config", "--normalize=%config:normalize%", "--normalize=true"},
		{"unmapped", "%noSuchName%", "%noSuchName%"},
		{"plain", "verbatim", "verbatim"},
	} {
		t.Run(test.name, func(t *testing.T) {
			if have := pkg.Expand(test.in); have != test.want {
				t.Errorf("have: %q, want: %q", have, test.want)
			}
		})
	}

	t.Run("with_file", func(t *testing.T) {
		file := pkg.With(Replacements{
			"fileUUID":  "f-9",
			"inputFile": "/work/pkg-1/objects/a.tif",
		})
		args := file.ExpandArgs([]string{"%inputFile%", "%SIPUUID%"})
		if have, want := args[0], "/work/pkg-1/objects/a.tif"; have != want {
			t.Errorf("have: %q, want: %q", have, want)
		}
		if have, want := args[1], "pkg-1"; have != want {
			t.Errorf("have: %q, want: %q", have, want)
		}
		if _, ok := pkg["fileUUID"]; ok {
			t.Error("With must not mutate the receiver")
		}
	})
}
