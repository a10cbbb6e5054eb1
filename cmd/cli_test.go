package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootParams(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("Can't get user home directory: %v", err)
	}

	// Check default config and db
	config := rootCmd.PersistentFlags().Lookup("config").Value.String()
	inventory := rootCmd.PersistentFlags().Lookup("db").Value.String()

	if config != filepath.Join(home, ".artimport", "artimport.yaml") {
		t.Errorf("Default config mismatch should be %s but is %s", filepath.Join(home, ".artimport", "artimport.yaml"), config)
	}

	if inventory != filepath.Join(home, ".artimport", "test_results.db") {
		t.Errorf("Default db location mismatch should be %s but is %s", filepath.Join(home, ".artimport", "test_results.db"), inventory)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	b := bytes.NewBufferString("")

	cmd := NewRootCmd()
	cmd.SetOut(b)
	cmd.SetErr(b)
	cmd.SetArgs(args)
	err := cmd.Execute()

	return b.String(), err
}

func outputTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, "camp", "test_a")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Can't create output tree: %v", err)
	}

	csv := "Pass,Failure_Messages\nFalse,gain too low\nTrue,\n"
	if err := os.WriteFile(filepath.Join(dir, "a_combined.csv"), []byte(csv), 0o644); err != nil {
		t.Fatalf("Can't write artefact: %v", err)
	}

	return root
}

func TestImport(t *testing.T) {
	root := outputTree(t)
	db := filepath.Join(t.TempDir(), "test_results.db")

	out, err := execute(t, root, "--db", db, "--config", "")
	if err != nil {
		t.Fatalf("Import failed: %v\n%s", err, out)
	}

	for _, want := range []string{"Import run", "Processed:\t\t1", "DATABASE SUMMARY", "Tests:              1", "gain too low"} {
		if !strings.Contains(out, want) {
			t.Errorf("Import output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, root, "--db", db, "--config", "")
	if err != nil {
		t.Fatalf("Second import failed: %v", err)
	}

	if !strings.Contains(out, "Already current:\t1") {
		t.Errorf("Second import should skip the unchanged artefact:\n%s", out)
	}

	out, err = execute(t, root, "--db", db, "--config", "", "--full")
	if err != nil {
		t.Fatalf("Full import failed: %v", err)
	}

	if !strings.Contains(out, "Processed:\t\t1") {
		t.Errorf("Full import should process the artefact again:\n%s", out)
	}

	out, err = execute(t, "--summary", "--db", db, "--config", "")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}

	if strings.Contains(out, "Import run") || !strings.Contains(out, "- Failed:         1") {
		t.Errorf("Unexpected summary output:\n%s", out)
	}
}

func TestImportErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test_results.db")

	if _, err := execute(t, "--db", db, "--config", ""); err == nil {
		t.Errorf("Expected error without directory argument")
	}

	if _, err := execute(t, filepath.Join(t.TempDir(), "missing"), "--db", db, "--config", ""); err == nil {
		t.Errorf("Expected error for missing directory")
	}

	if _, err := execute(t, "--summary", "--db", db, "--config", "", "--log-format", "xml"); err == nil {
		t.Errorf("Expected error for unknown log format")
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "from-config.db")
	config := filepath.Join(dir, "artimport.yaml")

	data := "db: " + db + "\nlog_format: json\n"
	if err := os.WriteFile(config, []byte(data), 0o644); err != nil {
		t.Fatalf("Can't write config: %v", err)
	}

	if out, err := execute(t, "--summary", "--config", config); err != nil {
		t.Fatalf("Summary failed: %v\n%s", err, out)
	}

	if _, err := os.Stat(db); err != nil {
		t.Errorf("Database from config file not created: %v", err)
	}

	envDB := filepath.Join(dir, "from-env.db")
	t.Setenv("ARTIMPORT_DB", envDB)

	if out, err := execute(t, "--summary", "--config", ""); err != nil {
		t.Fatalf("Summary failed: %v\n%s", err, out)
	}

	if _, err := os.Stat(envDB); err != nil {
		t.Errorf("Database from environment not created: %v", err)
	}
}

func TestShowAndDelete(t *testing.T) {
	root := outputTree(t)
	db := filepath.Join(t.TempDir(), "test_results.db")

	if out, err := execute(t, root, "--db", db, "--config", ""); err != nil {
		t.Fatalf("Import failed: %v\n%s", err, out)
	}

	out, err := execute(t, "show", "campaigns", "--db", db, "--config", "")
	if err != nil {
		t.Fatalf("Show campaigns failed: %v", err)
	}

	if !strings.Contains(out, "Found 1 campaigns") || !strings.Contains(out, "camp") {
		t.Errorf("Unexpected show campaigns output:\n%s", out)
	}

	out, err = execute(t, "show", "tests", "-c", "camp", "--full", "--db", db, "--config", "")
	if err != nil {
		t.Fatalf("Show tests failed: %v", err)
	}

	for _, want := range []string{"Found 1 tests in camp", "Status:\t\t failed", "Results:\t 2", "Failure:\t gain too low"} {
		if !strings.Contains(out, want) {
			t.Errorf("Show tests output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "show", "tests", "--db", db, "--config", ""); err == nil {
		t.Errorf("Expected error without campaign flag")
	}

	out, err = execute(t, "delete", "-c", "camp", "--db", db, "--config", "")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if !strings.Contains(out, "Campaign camp with all data removed") {
		t.Errorf("Unexpected delete output:\n%s", out)
	}

	if _, err := execute(t, "show", "tests", "-c", "camp", "--db", db, "--config", ""); err == nil {
		t.Errorf("Expected error for deleted campaign")
	}

	if _, err := execute(t, "delete", "-c", "camp", "--db", db, "--config", ""); err == nil {
		t.Errorf("Expected error deleting missing campaign")
	}

	out, err = execute(t, root, "--db", db, "--config", "")
	if err != nil {
		t.Fatalf("Re-import failed: %v", err)
	}

	if !strings.Contains(out, "Processed:\t\t1") {
		t.Errorf("Re-import should restore the deleted campaign:\n%s", out)
	}
}
