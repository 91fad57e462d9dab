package aab

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// BuildBundle runs bundletool in a fresh JVM with an explicit heap limit to
// turn the module archive into the bundle at layout.Bundle.
func BuildBundle(ctx context.Context, r Runner, bc BuildContext, layout Layout) error {
	// bundletool refuses to overwrite its output.
	if err := os.Remove(layout.Bundle); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fsError(err)
	}
	return r.Execute(ctx, Invocation{
		Path:   bc.JavaBin,
		Args:   bundletoolArgs(bc, layout),
		Stdout: bc.Stdout,
		Stderr: bc.Stderr,
	})
}

func bundletoolArgs(bc BuildContext, layout Layout) []string {
	return []string{
		"-jar",
		fmt.Sprintf("-mx%dM", bc.HeapMB),
		bc.Bundletool,
		"build-bundle",
		"--modules=" + layout.ModuleZip,
		"--output=" + layout.Bundle,
	}
}
