package engine

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// placeOutcome reports how an exported file was placed locally.
type placeOutcome int

const (
	// placedNew means the file was moved into the desired path.
	placedNew placeOutcome = iota

	// placedIdentical means the desired path already held byte-identical
	// content; the new file was discarded.
	placedIdentical

	// placedRenamed means the desired path held different content and
	// the new file was placed under a numeric-suffix name.
	placedRenamed
)

// placeLocal moves tmpPath into root/relPath, applying the collision
// policy: a free path gets an atomic rename, identical existing content
// discards the staging copy, different content gets a numeric-suffix
// rename. Returns the relative path actually used.
func placeLocal(tmpPath, root, relPath string) (placeOutcome, string, error) {
	dest := filepath.Join(root, relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return placedNew, "", fmt.Errorf("create destination directory: %w", err)
	}

	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := rename(tmpPath, dest); err != nil {
			return placedNew, "", err
		}
		return placedNew, relPath, nil
	}

	same, err := sameContent(tmpPath, dest)
	if err != nil {
		return placedNew, "", err
	}
	if same {
		_ = os.Remove(tmpPath)
		return placedIdentical, relPath, nil
	}

	ext := filepath.Ext(relPath)
	base := relPath[:len(relPath)-len(ext)]
	for i := 1; ; i++ {
		candidateRel := fmt.Sprintf("%s (%d)%s", base, i, ext)
		candidate := filepath.Join(root, candidateRel)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := rename(tmpPath, candidate); err != nil {
				return placedRenamed, "", err
			}
			return placedRenamed, candidateRel, nil
		}
	}
}

// rename moves src to dest, falling back to copy+remove across
// filesystems.
func rename(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open for copy: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("copy to destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("flush destination: %w", err)
	}
	return os.Remove(src)
}

// sameContent compares two files by size, then hash.
func sameContent(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if ai.Size() != bi.Size() {
		return false, nil
	}
	ah, err := fileDigest(a)
	if err != nil {
		return false, err
	}
	bh, err := fileDigest(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ah, bh), nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
