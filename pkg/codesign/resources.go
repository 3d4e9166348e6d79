package codesign

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aluedeke/go-ipack/pkg/digest"
	"howett.net/plist"
)

// CodeResourcesPath is the manifest location inside a bundle
const CodeResourcesPath = "_CodeSignature/CodeResources"

// CodeResources accumulates per-file digests into the
// _CodeSignature/CodeResources manifest. The legacy files section carries
// SHA1 digests, files2 carries both.
type CodeResources struct {
	files  map[string]interface{}
	files2 map[string]interface{}
}

// NewCodeResources returns an empty manifest
func NewCodeResources() *CodeResources {
	return &CodeResources{
		files:  make(map[string]interface{}),
		files2: make(map[string]interface{}),
	}
}

// AddFile records the digests of a bundle-relative, slash separated path
func (cr *CodeResources) AddFile(relPath string, d digest.Digests) {
	optional := isOptional(relPath)

	if optional {
		cr.files[relPath] = map[string]interface{}{
			"hash":     d.SHA1,
			"optional": true,
		}
	} else {
		cr.files[relPath] = d.SHA1
	}

	// Info.plist and PkgInfo are in files but not files2
	if shouldOmitFromFiles2(relPath) {
		return
	}
	entry := map[string]interface{}{
		"hash":  d.SHA1,
		"hash2": d.SHA256,
	}
	if optional {
		entry["optional"] = true
	}
	cr.files2[relPath] = entry
}

// Len returns the number of files recorded
func (cr *CodeResources) Len() int { return len(cr.files) }

// Bytes marshals the manifest as an XML property list
func (cr *CodeResources) Bytes() ([]byte, error) {
	codeResources := map[string]interface{}{
		"files":  cr.files,
		"files2": cr.files2,
		"rules":  defaultRules(),
		"rules2": defaultRules2(),
	}

	data, err := plist.MarshalIndent(codeResources, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// WriteCodeResources writes manifest data into the bundle at appPath
func WriteCodeResources(appPath string, data []byte) error {
	codeSignDir := filepath.Join(appPath, "_CodeSignature")
	if err := os.MkdirAll(codeSignDir, 0755); err != nil {
		return fmt.Errorf("failed to create _CodeSignature directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(appPath, filepath.FromSlash(CodeResourcesPath)), data, 0644); err != nil {
		return fmt.Errorf("failed to write CodeResources: %w", err)
	}
	return nil
}

// WalkResources calls fn for every directory and file of the bundle at
// appPath that belongs in the archive and the manifest, in lexical order.
// rel is slash separated and relative to appPath.
func WalkResources(appPath, executable string, fn func(rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(appPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(appPath, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if ShouldOmitResource(rel, executable) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		return fn(rel, d)
	})
}

// ShouldOmitResource reports whether a bundle-relative path stays out of the
// manifest. Nested bundles keep their own _CodeSignature directories.
func ShouldOmitResource(rel, executable string) bool {
	switch rel {
	case executable, "_CodeSignature", "CodeResources", "ResourceRules.plist":
		return true
	}
	if strings.HasPrefix(rel, "_CodeSignature/") {
		return true
	}
	return shouldOmit(rel)
}

func shouldOmit(rel string) bool {
	base := path.Base(rel)

	if base == ".DS_Store" || base == ".git" || strings.Contains(rel, ".git/") {
		return true
	}

	// AppleDouble files
	if strings.HasPrefix(base, "._") {
		return true
	}

	return strings.HasSuffix(rel, ".lproj/locversion.plist")
}

func isOptional(rel string) bool {
	return strings.Contains(rel, ".lproj/")
}

// shouldOmitFromFiles2 matches the omit rules of rules2 for Info.plist and PkgInfo
func shouldOmitFromFiles2(rel string) bool {
	return rel == "Info.plist" || rel == "PkgInfo"
}

func defaultRules() map[string]interface{} {
	// float64 weights produce <real> values
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func defaultRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
