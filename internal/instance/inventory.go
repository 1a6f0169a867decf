package instance

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
)

// Inventory is the YAML document accepted by ImportInventory.
type Inventory struct {
	Instances []InventoryEntry `yaml:"instances"`
}

// InventoryEntry describes one instance to register.
type InventoryEntry struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	User        string            `yaml:"user"`
	Credential  string            `yaml:"credential"`
	Webroot     string            `yaml:"webroot"`
	WebURL      string            `yaml:"weburl"`
	TempDir     string            `yaml:"tempdir"`
	BackupUser  string            `yaml:"backup_user"`
	BackupGroup string            `yaml:"backup_group"`
	BackupPerm  string            `yaml:"backup_perm"`
	VCS         string            `yaml:"vcs"`
	PHP         string            `yaml:"php"`
	DB          DBConfig          `yaml:"db"`
	Tags        map[string]string `yaml:"tags"`
	Ignore      []string          `yaml:"ignore"`
}

// ImportResult lists what an import did.
type ImportResult struct {
	Registered []*Instance
	Skipped    []string
}

func (e InventoryEntry) toInstance() (*Instance, error) {
	access := types.AccessLocal
	if e.Type != "" {
		parsed, ok := types.ParseAccessType(e.Type)
		if !ok {
			return nil, fmt.Errorf("%s: unknown access type %q", e.Name, e.Type)
		}
		access = parsed
	}
	return &Instance{
		Name: e.Name,
		Access: transport.Descriptor{
			Type:          access,
			Host:          e.Host,
			Port:          e.Port,
			User:          e.User,
			CredentialRef: e.Credential,
		},
		Webroot:     e.Webroot,
		WebURL:      e.WebURL,
		TempDir:     e.TempDir,
		BackupUser:  e.BackupUser,
		BackupGroup: e.BackupGroup,
		BackupPerm:  e.BackupPerm,
		VCSType:     types.VCSType(e.VCS),
		PHPPath:     e.PHP,
		DB:          e.DB,
		Tags:        e.Tags,
		Ignore:      e.Ignore,
	}, nil
}

// ImportInventory registers every entry of a YAML inventory. Entries that
// duplicate an existing site are skipped with a warning; invalid entries
// abort the import before anything is stored.
func (m *Manager) ImportInventory(ctx context.Context, r io.Reader) (ImportResult, error) {
	var inv Inventory
	if err := yaml.NewDecoder(r).Decode(&inv); err != nil {
		if errors.Is(err, io.EOF) {
			return ImportResult{}, nil
		}
		return ImportResult{}, fmt.Errorf("parse inventory: %w", err)
	}

	candidates := make([]*Instance, 0, len(inv.Instances))
	for idx, entry := range inv.Instances {
		inst, err := entry.toInstance()
		if err != nil {
			return ImportResult{}, fmt.Errorf("entry %d: %w", idx+1, err)
		}
		if err := inst.Validate(); err != nil {
			return ImportResult{}, fmt.Errorf("entry %d: %w", idx+1, err)
		}
		candidates = append(candidates, inst)
	}

	var res ImportResult
	for _, inst := range candidates {
		tags := inst.Tags
		inst.Tags = nil
		if err := m.Register(ctx, inst); err != nil {
			if errors.Is(err, ErrDuplicate) {
				m.logger.Warning("Skipping %s: %v", inst.Name, err)
				res.Skipped = append(res.Skipped, inst.Name)
				continue
			}
			return res, err
		}
		for k, v := range tags {
			if err := m.SetTag(ctx, inst.ID, k, v); err != nil {
				return res, err
			}
		}
		inst.Tags = tags
		res.Registered = append(res.Registered, inst)
	}
	return res, nil
}
