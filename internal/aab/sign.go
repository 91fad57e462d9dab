package aab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	signatureAlgorithm = "SHA256withRSA"
	digestAlgorithm    = "SHA-256"
)

// SignBundle embeds a jar signature into the bundle in place.
func SignBundle(ctx context.Context, r Runner, bc BuildContext, layout Layout) error {
	return r.Execute(ctx, Invocation{
		Path:   bc.Jarsigner,
		Args:   jarsignerArgs(bc, layout),
		Stdout: bc.Stdout,
		Stderr: bc.Stderr,
	})
}

func jarsignerArgs(bc BuildContext, layout Layout) []string {
	return []string{
		"-sigalg", signatureAlgorithm,
		"-digestalg", digestAlgorithm,
		"-keystore", bc.Keystore,
		"-storepass", bc.StorePass,
		layout.Bundle,
		bc.KeyAlias,
	}
}

// SignatureEntries returns the signature block entries (META-INF/*.SF and
// the RSA/DSA/EC block files) found in the archive at path.
func SignatureEntries(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var sigs []string
	for _, f := range r.File {
		dir, name := filepath.Split(f.Name)
		if dir != "META-INF/" {
			continue
		}
		switch strings.ToUpper(filepath.Ext(name)) {
		case ".SF", ".RSA", ".DSA", ".EC":
			sigs = append(sigs, f.Name)
		}
	}
	return sigs, nil
}

// KeystoreOptions describes a signing key to generate with keytool.
type KeystoreOptions struct {
	Keytool   string
	Path      string
	Alias     string
	StorePass string
	DName     string
	Validity  int // days
}

// GenerateKeystore creates a self-signed RSA key for signing bundles. It
// refuses to overwrite an existing keystore.
func GenerateKeystore(ctx context.Context, r Runner, opts KeystoreOptions) error {
	if opts.Keytool == "" {
		opts.Keytool = "keytool"
	}
	if opts.Alias == "" {
		opts.Alias = defaultKeyAlias
	}
	if opts.StorePass == "" {
		opts.StorePass = defaultStorePass
	}
	if opts.DName == "" {
		opts.DName = "CN=Android Debug,O=Android,C=US"
	}
	if opts.Validity == 0 {
		opts.Validity = 10000
	}
	if _, err := os.Stat(opts.Path); err == nil {
		return fmt.Errorf("keystore %s already exists", opts.Path)
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	return r.Execute(ctx, Invocation{
		Path: opts.Keytool,
		Args: []string{
			"-genkeypair",
			"-keystore", opts.Path,
			"-alias", opts.Alias,
			"-storepass", opts.StorePass,
			"-keypass", opts.StorePass,
			"-keyalg", "RSA",
			"-keysize", "2048",
			"-validity", fmt.Sprint(opts.Validity),
			"-dname", opts.DName,
		},
	})
}
