package main

import (
	"io/fs"
	"testing"

	"github.com/spf13/cobra"
)

func TestResolveConfirmSecret_Configured(t *testing.T) {
	secret, generated, err := resolveConfirmSecret("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if generated {
		t.Error("configured secret reported as generated")
	}
	if string(secret) != "0123456789abcdef0123456789abcdef" {
		t.Errorf("unexpected secret %q", secret)
	}
}

func TestResolveConfirmSecret_Generated(t *testing.T) {
	a, generated, err := resolveConfirmSecret("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !generated || len(a) != 32 {
		t.Errorf("expected a generated 32-byte secret, got %d bytes (generated=%v)", len(a), generated)
	}
	b, _, _ := resolveConfirmSecret("")
	if string(a) == string(b) {
		t.Error("generated secrets should differ")
	}
}

func TestMigrationFiles_Embedded(t *testing.T) {
	files, err := fs.Glob(migrationFiles(""), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Error("expected embedded migrations")
	}
}

func TestMigrationFiles_Dir(t *testing.T) {
	dir := t.TempDir()
	if _, err := fs.Stat(migrationFiles(dir), "."); err != nil {
		t.Errorf("expected directory fs: %v", err)
	}
}

func TestSubcommands(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		subs []string
	}{
		{migrateCmd(), []string{"up", "status"}},
		{tenantCmd(), []string{"create"}},
		{accessionCmd(), []string{"preview", "next"}},
	}
	for _, tt := range tests {
		for _, want := range tt.subs {
			sub, _, err := tt.cmd.Find([]string{want})
			if err != nil || sub.Name() != want {
				t.Errorf("%s: missing subcommand %q", tt.cmd.Name(), want)
			}
		}
	}
}

func TestAccessionFlags(t *testing.T) {
	next, _, err := accessionCmd().Find([]string{"next"})
	if err != nil {
		t.Fatalf("find next: %v", err)
	}
	for _, name := range []string{"prefix", "tenant", "modality"} {
		if next.Flags().Lookup(name) == nil {
			t.Errorf("accession next is missing --%s", name)
		}
	}
}
