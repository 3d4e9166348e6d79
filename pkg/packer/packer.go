package packer

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-ipack/pkg/codesign"
	"github.com/rs/zerolog"
)

// Application describes one bundle to sign and package.
type Application struct {
	// BaseDir is the directory archive entry names are relative to.
	BaseDir string
	// AppDir is the bundle directory relative to BaseDir, "Payload/My.app"
	// for an ipa layout.
	AppDir string
	// AppName is the executable inside AppDir. Empty means the bundle's
	// CFBundleExecutable.
	AppName string
	// AppID is the signing identifier. Empty means the bundle's
	// CFBundleIdentifier.
	AppID        string
	TeamID       string
	Entitlements *codesign.Entitlements

	// Precomputed resource digests skip the resource pass.
	Precomputed *ResourceDigests
	// NoBundle signs a bare executable with zero resource digests.
	NoBundle bool
}

// Report is the outcome of storing one application.
type Report struct {
	Resources  ResourceDigests
	Executable *Result
}

// Option configures a Packer.
type Option func(*Packer)

// WithLogger sets the logger used for progress and layout decisions.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Packer) { p.logger = logger }
}

// WithInPlace signs the bundle on disk instead of producing an archive.
func WithInPlace(inPlace bool) Option {
	return func(p *Packer) { p.inPlace = inPlace }
}

// WithProgress registers a callback invoked after each stored resource.
func WithProgress(fn func(name string)) Option {
	return func(p *Packer) { p.progress = fn }
}

// WithReservation overrides the placeholder signature size.
func WithReservation(size int) Option {
	return func(p *Packer) { p.reservation = size }
}

// WithVMPageSize overrides the granularity of the __LINKEDIT vm size.
func WithVMPageSize(size uint64) Option {
	return func(p *Packer) { p.vmPageSize = size }
}

// Packer signs application bundles into a zip archive, or in place.
type Packer struct {
	zw          *zip.Writer
	signer      Signer
	inPlace     bool
	progress    func(string)
	reservation int
	vmPageSize  uint64
	logger      zerolog.Logger
}

// NewPacker returns a Packer writing the archive to dest. In place, dest
// is ignored and may be nil.
func NewPacker(dest io.Writer, signer Signer, opts ...Option) *Packer {
	p := &Packer{
		signer: signer,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.inPlace {
		p.zw = zip.NewWriter(dest)
	}
	return p
}

// StoreApplication stores the application directory entry, runs the
// resource pass and packs the executable with the resulting digests. The
// report is returned as far as it got, also on failure.
func (p *Packer) StoreApplication(ctx context.Context, app Application) (*Report, error) {
	appDir := filepath.Join(app.BaseDir, filepath.FromSlash(app.AppDir))
	if err := p.resolveBundleInfo(&app, appDir); err != nil {
		return nil, err
	}
	logger := p.logger.With().Str("app", app.AppDir).Str("executable", app.AppName).Logger()

	report := &Report{}
	var err error
	if p.inPlace {
		report.Resources, err = p.hashInPlace(ctx, app, appDir, logger)
	} else {
		report.Resources, err = p.storeResources(ctx, app, logger)
	}
	if err != nil {
		return nil, err
	}

	exe := NewExecutablePacker(app.AppID, app.TeamID, p.signer)
	exe.Entitlements = app.Entitlements
	exe.Resources = report.Resources.Resources
	exe.InfoPlist = report.Resources.InfoPlist
	exe.Reservation = p.reservation
	exe.VMPageSize = p.vmPageSize
	exe.Logger = logger
	exePath := filepath.Join(appDir, app.AppName)

	if p.inPlace {
		report.Executable, err = exe.PackInPlace(exePath)
	} else {
		report.Executable, err = p.storeExecutable(exe, app, exePath)
	}
	if err != nil {
		return report, err
	}

	logger.Info().
		Str("identifier", app.AppID).
		Uint32("code_limit", report.Executable.CodeLimit).
		Msg("Stored application")
	return report, nil
}

// Close finishes the archive.
func (p *Packer) Close() error {
	if p.zw == nil {
		return nil
	}
	return p.zw.Close()
}

func (p *Packer) resolveBundleInfo(app *Application, appDir string) error {
	var err error
	if app.AppName == "" {
		if app.NoBundle {
			return errors.New("executable name is required without a bundle")
		}
		if app.AppName, err = codesign.GetAppExecutableName(appDir); err != nil {
			return err
		}
	}
	if app.AppID == "" {
		if app.NoBundle {
			return errors.New("application identifier is required without a bundle")
		}
		if app.AppID, err = codesign.GetAppBundleID(appDir); err != nil {
			return err
		}
	}
	return nil
}

func (p *Packer) storeResources(ctx context.Context, app Application, logger zerolog.Logger) (ResourceDigests, error) {
	rp := NewResourcePacker(p.zw, app.BaseDir, app.AppDir, app.AppName)
	rp.Precomputed = app.Precomputed
	rp.NoBundle = app.NoBundle
	rp.Progress = p.progress
	rp.Logger = logger

	// Intermediate directories first, "Payload/" before "Payload/My.app/"
	for i := 0; i < len(rp.appPath); i++ {
		if rp.appPath[i] == '/' {
			if err := rp.storeDir(rp.appPath[:i+1]); err != nil {
				return ResourceDigests{}, err
			}
		}
	}
	return rp.Pack(ctx)
}

// hashInPlace computes the resource digests without an archive and writes
// the manifest into the bundle.
func (p *Packer) hashInPlace(ctx context.Context, app Application, appDir string, logger zerolog.Logger) (ResourceDigests, error) {
	switch {
	case app.NoBundle:
		return ZeroResourceDigests(), nil
	case app.Precomputed != nil:
		return *app.Precomputed, nil
	}

	digests, manifest, err := HashResources(ctx, appDir, app.AppName)
	if err != nil {
		return ResourceDigests{}, err
	}
	if err := codesign.WriteCodeResources(appDir, manifest); err != nil {
		return ResourceDigests{}, &IOError{Op: "write manifest", Path: appDir, Err: err}
	}
	logger.Debug().Msg("Wrote CodeResources into bundle")
	return digests, nil
}

func (p *Packer) storeExecutable(exe *ExecutablePacker, app Application, exePath string) (*Result, error) {
	info, err := os.Stat(exePath)
	if err != nil {
		return nil, &IOError{Op: "stat executable", Path: exePath, Err: err}
	}
	fh, err := zip.FileInfoHeader(info)
	if err != nil {
		return nil, &IOError{Op: "stat executable", Path: exePath, Err: err}
	}
	fh.Name = normalizeAppPath(app.AppDir) + app.AppName
	fh.Method = zip.Deflate

	w, err := p.zw.CreateHeader(fh)
	if err != nil {
		return nil, &IOError{Op: "create archive entry", Path: fh.Name, Err: err}
	}
	return exe.PackFile(w, exePath)
}
