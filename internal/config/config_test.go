package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tis24dev/cmsfleet/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmsfleet.env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigParsesValues(t *testing.T) {
	path := writeConfig(t, `
# fleet settings
DB_PATH=/srv/fleet/state.db
ARCHIVE_ROOT="/srv/fleet/archives" # inline comment
DEBUG_LEVEL=debug
USE_COLOR=false
COMPRESSION_TYPE=xz
COMPRESSION_LEVEL=9
MAX_BACKUPS=2
COMMAND_TIMEOUT=90
CONNECT_TIMEOUT=5s
BACKUP_IGNORE=var/cache
BACKUP_IGNORE=*.log, tmp
export LOCK_OWNER=ops
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.DBPath != "/srv/fleet/state.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.ArchiveRoot != "/srv/fleet/archives" {
		t.Errorf("ArchiveRoot = %q", cfg.ArchiveRoot)
	}
	if cfg.DebugLevel != types.LogLevelDebug {
		t.Errorf("DebugLevel = %v", cfg.DebugLevel)
	}
	if cfg.UseColor {
		t.Error("UseColor should be false")
	}
	if cfg.CompressionType != types.CompressionXZ || cfg.CompressionLevel != 9 {
		t.Errorf("compression = %s/%d", cfg.CompressionType, cfg.CompressionLevel)
	}
	if cfg.MaxBackups != 2 {
		t.Errorf("MaxBackups = %d", cfg.MaxBackups)
	}
	if cfg.CommandTimeout != 90*time.Second {
		t.Errorf("CommandTimeout = %s", cfg.CommandTimeout)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %s", cfg.ConnectTimeout)
	}
	want := []string{"var/cache", "*.log", "tmp"}
	if len(cfg.BackupIgnore) != len(want) {
		t.Fatalf("BackupIgnore = %v; want %v", cfg.BackupIgnore, want)
	}
	for i := range want {
		if cfg.BackupIgnore[i] != want[i] {
			t.Errorf("BackupIgnore[%d] = %q; want %q", i, cfg.BackupIgnore[i], want[i])
		}
	}
	if cfg.LockOwner != "ops" {
		t.Errorf("LockOwner = %q", cfg.LockOwner)
	}
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CompressionType != types.CompressionGzip {
		t.Errorf("default compression = %s", cfg.CompressionType)
	}
	if cfg.MaxBackups != 5 || cfg.ConnectRetries != 3 {
		t.Errorf("defaults = max %d retries %d", cfg.MaxBackups, cfg.ConnectRetries)
	}
	if cfg.LockOwner == "" {
		t.Error("LockOwner should default to a host-based owner")
	}
}

func TestRelativeRootsBecomeAbsolute(t *testing.T) {
	path := writeConfig(t, "DB_PATH=state/fleet.db\nARCHIVE_ROOT=archives\nTEMP_DIR=/tmp/fleet\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(wd, "state", "fleet.db"); cfg.DBPath != want {
		t.Errorf("DBPath = %q; want %q", cfg.DBPath, want)
	}
	if want := filepath.Join(wd, "archives"); cfg.ArchiveRoot != want {
		t.Errorf("ArchiveRoot = %q; want %q", cfg.ArchiveRoot, want)
	}
	if cfg.TempDir != "/tmp/fleet" {
		t.Errorf("TempDir = %q", cfg.TempDir)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "MAX_BACKUPS=4\n")
	t.Setenv("MAX_BACKUPS", "9")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxBackups != 9 {
		t.Fatalf("MaxBackups = %d; want env override 9", cfg.MaxBackups)
	}
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown compression", "COMPRESSION_TYPE=lz4\n"},
		{"encryption without recipient", "ENCRYPT_ARCHIVE=true\n"},
		{"webhook without url", "WEBHOOK_ENABLED=yes\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestSetAndReparse(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "COMPRESSION_TYPE=gzip\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CompressionType != types.CompressionGzip {
		t.Fatalf("gzip alias not normalized: %s", cfg.CompressionType)
	}
	cfg.Set("COMPRESSION_TYPE", "bzip2")
	if err := cfg.Reparse(); err != nil {
		t.Fatalf("Reparse: %v", err)
	}
	if cfg.CompressionType != types.CompressionBzip2 {
		t.Fatalf("CompressionType = %s; want bz2", cfg.CompressionType)
	}
	if v, ok := cfg.Get("COMPRESSION_TYPE"); !ok || v != "bzip2" {
		t.Fatalf("Get = %q,%v", v, ok)
	}
}

func TestCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.env")
	if err := os.WriteFile(creds, []byte("shop-ftp=\"p@ss word\"\n# comment\nblog-ssh=hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(writeConfig(t, "CREDENTIALS_FILE="+creds+"\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.Credentials["shop-ftp"]; got != "p@ss word" {
		t.Fatalf("shop-ftp = %q", got)
	}
	if got := cfg.Credentials["blog-ssh"]; got != "hunter2" {
		t.Fatalf("blog-ssh = %q", got)
	}

	if _, err := LoadConfig(writeConfig(t, "CREDENTIALS_FILE="+filepath.Join(dir, "missing.env")+"\n")); err == nil {
		t.Fatal("expected error for missing credentials file")
	}
}
