// Package checksum builds per-file hash manifests of instance trees and
// compares live trees against them to detect drift.
package checksum

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrManifestExists is returned when a manifest is saved twice for the
// same instance and revision. Manifests never change once captured.
var ErrManifestExists = errors.New("manifest already captured for this revision")

// Manifest maps slash-separated paths, relative to the webroot, to md5
// digests.
type Manifest struct {
	InstanceID int64
	Revision   string
	// Source is "source" when built from the repository, "instance" when
	// hashed from the live tree.
	Source string
	Files  map[string]string
}

// Store persists manifests keyed by (instance, revision).
type Store interface {
	SaveManifest(ctx context.Context, m *Manifest) error
	LoadManifest(ctx context.Context, instanceID int64, revision string) (*Manifest, error)
}

// Diff is the result of a check. Clean paths are omitted.
type Diff struct {
	New      map[string]string
	Modified map[string]string
	// Deleted holds the hash recorded in the manifest.
	Deleted map[string]string
}

// Clean reports whether the live tree matched the manifest.
func (d Diff) Clean() bool {
	return len(d.New) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Warning returns the drift as a non-fatal warning, or nil when clean.
func (d Diff) Warning(instanceID int64) *DriftWarning {
	if d.Clean() {
		return nil
	}
	return &DriftWarning{InstanceID: instanceID, Diff: d}
}

// Compare classifies every path of live against the manifest files.
func Compare(manifest, live map[string]string) Diff {
	d := Diff{New: map[string]string{}, Modified: map[string]string{}, Deleted: map[string]string{}}
	for p, h := range live {
		old, ok := manifest[p]
		switch {
		case !ok:
			d.New[p] = h
		case !strings.EqualFold(old, h):
			d.Modified[p] = h
		}
	}
	for p, h := range manifest {
		if _, ok := live[p]; !ok {
			d.Deleted[p] = h
		}
	}
	return d
}

// DriftWarning reports files that diverge from the recorded baseline.
type DriftWarning struct {
	InstanceID int64
	Diff
}

func (w *DriftWarning) Error() string {
	return fmt.Sprintf("instance %d drifted from its baseline: %d new, %d modified, %d deleted",
		w.InstanceID, len(w.New), len(w.Modified), len(w.Deleted))
}

// Lines renders the drift as sorted "<flag> <path>" lines for reports.
func (w *DriftWarning) Lines() []string {
	var out []string
	for flag, set := range map[string]map[string]string{"A": w.New, "M": w.Modified, "D": w.Deleted} {
		for p := range set {
			out = append(out, flag+" "+p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][2:] < out[j][2:] })
	return out
}
