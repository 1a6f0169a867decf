package archive

import (
	"path/filepath"
	"testing"
)

func TestValidateEntryName(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"./var/www/index.php", "var/www/index.php", true},
		{"var/www/", "var/www", true},
		{"../../etc/passwd", "", false},
		{"var/www/../../../etc/passwd", "", false},
		{"a/../b", "", false},
		{"/etc/passwd", "", false},
		{`..\..\evil`, "", false},
		{"", "", false},
		{"bad\x00name", "", false},
		{"dots..are/fine", "dots..are/fine", true},
	}
	for _, tt := range tests {
		got, err := ValidateEntryName(tt.name)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ValidateEntryName(%q) = %q, %v", tt.name, got, err)
		}
	}
}

func TestResolveEntryTarget(t *testing.T) {
	root := t.TempDir()
	got, err := ResolveEntryTarget(root, "lib/a.php")
	if err != nil || got != filepath.Join(root, "lib", "a.php") {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := ResolveEntryTarget(root, "../outside"); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestValidateLinkTarget(t *testing.T) {
	tests := []struct {
		name, link string
		ok         bool
	}{
		{"srv/site/alias.php", "lib/a.php", true},
		{"srv/site/lib/x", "../index.php", true},
		{"srv/site/evil", "../../etc", false},
		{"srv/site/abs", "/etc/passwd", false},
	}
	for _, tt := range tests {
		err := ValidateLinkTarget("srv/site", tt.name, tt.link)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateLinkTarget(%q -> %q) = %v", tt.name, tt.link, err)
		}
	}
}

func TestCheckCommonParent(t *testing.T) {
	dirs := []string{"var/www/site", "var/www/site/lib", "var/www/site/uploads/2024"}
	tests := []struct {
		root   string
		levels int
		ok     bool
	}{
		{"/var/www/site", 0, true},
		{"/var/www/clone", 0, false},
		{"/var/www/clone", 1, true},
		{"/srv/clone", 2, false},
		{"/srv/clone", 3, true},
		{"/anything", -1, true},
	}
	for _, tt := range tests {
		err := CheckCommonParent(dirs, tt.root, tt.levels)
		if (err == nil) != tt.ok {
			t.Errorf("CheckCommonParent(%s, %d) = %v", tt.root, tt.levels, err)
		}
	}
	if got := CommonParent(dirs); got != "var/www/site" {
		t.Fatalf("CommonParent = %q", got)
	}
}
