package aab

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// compileArgs are appended to every aapt2 compile call.
var compileArgs = []string{"--no-crunch", "-v"}

// linkFlags keep resource ids and content stable for the extraction stage:
// the linked package is post-processed, not shipped.
var linkFlags = []string{
	"--auto-add-overlay",
	"--no-version-vectors",
	"--no-auto-version",
	"--no-version-transitions",
	"--no-resource-deduping",
	"--non-final-ids",
	"-v",
}

// CompileResources flattens bc.ResDir. With a zero batch size the whole
// directory is compiled into layout.ResZip by a single aapt2 call; otherwise
// the files are compiled in sorted shards into layout.FlatDir.
func CompileResources(ctx context.Context, r Runner, bc BuildContext, layout Layout) error {
	if bc.CompileBatchSize <= 0 {
		args := append([]string{"compile", "--dir", bc.ResDir, "-o", layout.ResZip}, compileArgs...)
		return r.Execute(ctx, Invocation{Path: bc.Aapt2, Args: args, Stdout: bc.Stdout, Stderr: bc.Stderr})
	}

	files, err := resourceFiles(bc.ResDir)
	if err != nil {
		return fsError(err)
	}
	if err := os.MkdirAll(layout.FlatDir, 0o755); err != nil {
		return fsError(err)
	}
	for i, shard := range shardPaths(files, bc.CompileBatchSize) {
		debugf("aapt2 compile shard %d (%d files)\n", i+1, len(shard))
		args := append([]string{"compile", "-o", layout.FlatDir}, compileArgs...)
		args = append(args, shard...)
		if err := r.Execute(ctx, Invocation{Path: bc.Aapt2, Args: args, Stdout: bc.Stdout, Stderr: bc.Stderr}); err != nil {
			return err
		}
	}
	return nil
}

// LinkResources links the compiled resources, the assets and the manifest
// into a protobuf-format package at layout.ProtoApk.
func LinkResources(ctx context.Context, r Runner, bc BuildContext, layout Layout) error {
	args, err := linkArgs(bc, layout)
	if err != nil {
		return err
	}
	return r.Execute(ctx, Invocation{Path: bc.Aapt2, Args: args, Stdout: bc.Stdout, Stderr: bc.Stderr})
}

func linkArgs(bc BuildContext, layout Layout) ([]string, error) {
	args := []string{"link", "--proto-format", "-o", layout.ProtoApk, "-I", bc.AndroidRuntime}
	if bc.CompileBatchSize <= 0 {
		args = append(args, "-R", layout.ResZip)
	} else {
		flats, err := flatFiles(layout.FlatDir)
		if err != nil {
			return nil, fsError(err)
		}
		for _, f := range flats {
			args = append(args, "-R", f)
		}
	}
	args = append(args,
		"-A", bc.AssetsDir,
		"--manifest", bc.ManifestPath,
		"--emit-ids", layout.IdsFile,
	)
	return append(args, linkFlags...), nil
}

// resourceFiles lists every regular file below dir in lexical order.
func resourceFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list resources in %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func flatFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var flats []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".flat") {
			flats = append(flats, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(flats)
	return flats, nil
}

// shardPaths splits paths into consecutive groups of at most size entries.
func shardPaths(paths []string, size int) [][]string {
	if size <= 0 || len(paths) == 0 {
		return nil
	}
	shards := make([][]string, 0, (len(paths)+size-1)/size)
	for len(paths) > size {
		shards = append(shards, paths[:size])
		paths = paths[size:]
	}
	return append(shards, paths)
}
