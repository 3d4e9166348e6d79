package packer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/aluedeke/go-ipack/pkg/codesign"
	"github.com/aluedeke/go-ipack/pkg/digest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ResourceDigests are the digests a resource pass hands to the executable
// packer: the serialized CodeResources manifest and the bundle's Info.plist.
type ResourceDigests struct {
	Resources digest.Digests
	InfoPlist digest.Digests
}

// ZeroResourceDigests is the value used for executables outside a bundle.
func ZeroResourceDigests() ResourceDigests {
	return ResourceDigests{Resources: digest.ZeroDigests(), InfoPlist: digest.ZeroDigests()}
}

// Lines returns the four digests as upper-case hex in the order resources
// SHA-1, resources SHA-256, Info.plist SHA-1, Info.plist SHA-256. Missing
// digests print as zeros.
func (d ResourceDigests) Lines() []string {
	lines := make([]string, 0, 4)
	for _, ds := range []digest.Digests{d.Resources, d.InfoPlist} {
		for _, alg := range digest.Algorithms {
			b := ds.Get(alg)
			if len(b) == 0 {
				b = alg.Zero()
			}
			lines = append(lines, digest.Hex(b))
		}
	}
	return lines
}

// ResourcePacker stores the resource files of a bundle as archive entries
// and produces the CodeResources manifest covering them.
type ResourcePacker struct {
	zw      *zip.Writer
	baseDir string
	// appPath is slash separated, relative to baseDir and ends in "/"
	appPath    string
	executable string

	// Precomputed skips hashing and returns these digests instead.
	Precomputed *ResourceDigests
	// NoBundle returns zero digests without storing anything.
	NoBundle bool

	Progress func(name string)
	Logger   zerolog.Logger
}

// NewResourcePacker returns a packer for the bundle at baseDir/appPath
// writing into zw.
func NewResourcePacker(zw *zip.Writer, baseDir, appPath, executable string) *ResourcePacker {
	return &ResourcePacker{
		zw:         zw,
		baseDir:    baseDir,
		appPath:    normalizeAppPath(appPath),
		executable: executable,
		Logger:     zerolog.Nop(),
	}
}

// Pack runs the resource pass and returns the digests for the executable.
func (rp *ResourcePacker) Pack(ctx context.Context) (ResourceDigests, error) {
	switch {
	case rp.NoBundle:
		return ZeroResourceDigests(), nil
	case rp.Precomputed != nil:
		rp.Logger.Debug().Msg("Using precomputed resource digests")
		return *rp.Precomputed, nil
	}

	appDir := filepath.Join(rp.baseDir, filepath.FromSlash(rp.appPath))
	manifest := codesign.NewCodeResources()
	result := ResourceDigests{InfoPlist: digest.ZeroDigests()}

	err := codesign.WalkResources(appDir, rp.executable, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := rp.appPath + rel
		if d.IsDir() {
			return rp.storeDir(name + "/")
		}

		sums, err := rp.storeFile(name, filepath.Join(appDir, filepath.FromSlash(rel)), d)
		if err != nil {
			return err
		}
		manifest.AddFile(rel, sums)
		if rel == codesign.InfoPlistName {
			result.InfoPlist = sums
		}
		if rp.Progress != nil {
			rp.Progress(name)
		}
		return nil
	})
	if err != nil {
		return ResourceDigests{}, err
	}

	data, err := manifest.Bytes()
	if err != nil {
		return ResourceDigests{}, err
	}
	if err := rp.storeDir(rp.appPath + "_CodeSignature/"); err != nil {
		return ResourceDigests{}, err
	}
	w, err := rp.zw.CreateHeader(&zip.FileHeader{Name: rp.appPath + codesign.CodeResourcesPath, Method: zip.Deflate})
	if err != nil {
		return ResourceDigests{}, &IOError{Op: "create archive entry", Path: codesign.CodeResourcesPath, Err: err}
	}
	h := digest.NewHasher(w)
	if _, err := h.Write(data); err != nil {
		return ResourceDigests{}, &IOError{Op: "write archive entry", Path: codesign.CodeResourcesPath, Err: err}
	}
	result.Resources = h.Digests()

	rp.Logger.Debug().Int("files", manifest.Len()).Msg("Stored bundle resources")
	return result, nil
}

func (rp *ResourcePacker) storeDir(name string) error {
	if _, err := rp.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store}); err != nil {
		return &IOError{Op: "create archive entry", Path: name, Err: err}
	}
	return nil
}

func (rp *ResourcePacker) storeFile(name, path string, d fs.DirEntry) (digest.Digests, error) {
	info, err := d.Info()
	if err != nil {
		return digest.Digests{}, &IOError{Op: "stat", Path: path, Err: err}
	}
	fh, err := zip.FileInfoHeader(info)
	if err != nil {
		return digest.Digests{}, &IOError{Op: "stat", Path: path, Err: err}
	}
	fh.Name = name
	fh.Method = zip.Deflate

	w, err := rp.zw.CreateHeader(fh)
	if err != nil {
		return digest.Digests{}, &IOError{Op: "create archive entry", Path: name, Err: err}
	}
	return hashFile(w, path)
}

// hashFile copies the file at path through a Hasher into w.
func hashFile(w io.Writer, path string) (digest.Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Digests{}, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	h := digest.NewHasher(w)
	if _, err := io.Copy(h, f); err != nil {
		return digest.Digests{}, &IOError{Op: "copy", Path: path, Err: err}
	}
	return h.Digests(), nil
}

// HashResources computes the digests a resource pass over the bundle at
// appDir would produce, without building an archive, along with the
// serialized CodeResources. Files are hashed concurrently.
func HashResources(ctx context.Context, appDir, executable string) (ResourceDigests, []byte, error) {
	var files []string
	err := codesign.WalkResources(appDir, executable, func(rel string, d fs.DirEntry) error {
		if !d.IsDir() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return ResourceDigests{}, nil, err
	}

	sums := make([]digest.Digests, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, rel := range files {
		i, rel := i, rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := hashFile(nil, filepath.Join(appDir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			sums[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ResourceDigests{}, nil, err
	}

	manifest := codesign.NewCodeResources()
	result := ResourceDigests{InfoPlist: digest.ZeroDigests()}
	for i, rel := range files {
		manifest.AddFile(rel, sums[i])
		if rel == codesign.InfoPlistName {
			result.InfoPlist = sums[i]
		}
	}

	data, err := manifest.Bytes()
	if err != nil {
		return ResourceDigests{}, nil, fmt.Errorf("failed to build CodeResources: %w", err)
	}
	result.Resources = digest.Bytes(data)
	return result, data, nil
}

// normalizeAppPath returns p slash separated with a trailing slash, or ""
// for the archive root.
func normalizeAppPath(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." || p == "" {
		return ""
	}
	if p[len(p)-1] != '/' {
		p += "/"
	}
	return p
}
