package aab

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the staged module tree plus the paths of the intermediate
// artifacts. It is produced once by StageLayout and read by every later stage.
type Layout struct {
	Root        string
	ManifestDir string
	DexDir      string
	ResDir      string
	AssetsDir   string
	LibDir      string

	ResZip    string // compiled resources, directory mode
	FlatDir   string // compiled resources, batched mode
	ProtoApk  string // linked package in protobuf format
	IdsFile   string
	ModuleZip string
	Bundle    string
}

// Dirs returns the five canonical subdirectories in creation order.
func (l Layout) Dirs() []string {
	return []string{l.ManifestDir, l.DexDir, l.ResDir, l.AssetsDir, l.LibDir}
}

// NewLayout computes the layout for bc without touching the filesystem.
func NewLayout(bc BuildContext) Layout {
	bc = bc.withDefaults()
	l := LayoutAt(filepath.Join(bc.BuildDir, bc.ModuleName))
	l.IdsFile = filepath.Join(bc.BuildDir, "ids.txt")
	l.ModuleZip = filepath.Join(bc.BuildDir, bc.ModuleName+".zip")
	l.Bundle = bc.DeployPath
	return l
}

// LayoutAt returns the module tree rooted at root. Paths outside the root
// (ids file, module archive, bundle) are left empty.
func LayoutAt(root string) Layout {
	return Layout{
		Root:        root,
		ManifestDir: filepath.Join(root, "manifest"),
		DexDir:      filepath.Join(root, "dex"),
		ResDir:      filepath.Join(root, "res"),
		AssetsDir:   filepath.Join(root, "assets"),
		LibDir:      filepath.Join(root, "lib"),
		ResZip:      filepath.Join(root, "resources.zip"),
		FlatDir:     filepath.Join(root, "resources-flat"),
		ProtoApk:    filepath.Join(root, "output.apk"),
	}
}

// Create makes the root and the canonical subdirectories, skipping any that
// already exist.
func (l Layout) Create() error {
	for _, dir := range append([]string{l.Root}, l.Dirs()...) {
		if err := ensureDir(dir); err != nil {
			return fsError(fmt.Errorf("create %s: %w", dir, err))
		}
	}
	return nil
}

// StageLayout creates the module skeleton under bc.BuildDir and moves the
// compiled dex files and native libraries into it. Resources and assets are
// left empty; they come out of the linked package later.
//
// A failed move aborts the stage. Entries moved before the failure stay
// where they are.
func StageLayout(bc BuildContext) (Layout, error) {
	layout := NewLayout(bc)

	if err := os.MkdirAll(bc.BuildDir, 0o755); err != nil {
		return layout, fsError(err)
	}
	if err := layout.Create(); err != nil {
		return layout, err
	}

	dexEntries, err := readDirIfExists(bc.DexDir)
	if err != nil {
		return layout, fsError(err)
	}
	for _, e := range dexEntries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := moveEntry(filepath.Join(bc.DexDir, e.Name()), filepath.Join(layout.DexDir, e.Name())); err != nil {
			return layout, fsError(err)
		}
	}

	libEntries, err := readDirIfExists(bc.LibsDir)
	if err != nil {
		return layout, fsError(err)
	}
	for _, e := range libEntries {
		if err := moveEntry(filepath.Join(bc.LibsDir, e.Name()), filepath.Join(layout.LibDir, e.Name())); err != nil {
			return layout, fsError(err)
		}
	}

	debugf("Staged %d dex files and %d lib entries under %s\n", len(dexEntries), len(libEntries), layout.Root)
	return layout, nil
}
