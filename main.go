package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/aluedeke/go-ipack/pkg/codesign"
	"github.com/aluedeke/go-ipack/pkg/config"
	"github.com/aluedeke/go-ipack/pkg/macho"
	"github.com/aluedeke/go-ipack/pkg/packer"
	"github.com/docopt/docopt-go"
	"github.com/kr/pretty"
	"github.com/schollz/progressbar/v3"
)

const version = "1.0.0"

const usage = `go-ipack - iOS Application Signing and Packaging Tool

Signs the executable of an iOS application bundle and stores the bundle in
an IPA archive, or signs it in place.

Usage:
  go-ipack pack [<archive>] [--config=<path>] [--keystore=<path>] [--storepass=<password>] [--keypass=<password>] [--basedir=<dir>] [--appdir=<dir>] [--appname=<name>] [--appid=<id>] [--teamid=<id>] [--entitlements=<path> | --profile=<path>] [--resources-hash=<hex>] [--info-plist-hash=<hex>] [--resources-256-hash=<hex>] [--info-plist-256-hash=<hex>] [--no-bundle] [--in-place] [--progress] [-v]
  go-ipack hashes --appdir=<dir> [--basedir=<dir>] [--appname=<name>] [-v]
  go-ipack info --binary=<path> [--dump]
  go-ipack verify --binary=<path> [-v]
  go-ipack diff --binary1=<path> --binary2=<path>
  go-ipack -h | --help
  go-ipack --version

Commands:
  pack      Sign an application and store it in <archive>, or sign it in place
  hashes    Print the resource and Info.plist digests of a bundle
  info      Describe an executable and its embedded signature
  verify    Re-hash a signed executable and check its signature
  diff      Compare the embedded signatures of two executables

Options:
  --config=<path>              Configuration file (.json, .yaml or .yml)
  --keystore=<path>            PKCS#12 or PEM keystore (or IPACK_KEYSTORE env var)
  --storepass=<password>       Keystore password (or IPACK_STOREPASS env var)
  --keypass=<password>         Key password, tried when the store password fails (or IPACK_KEYPASS env var)
  --basedir=<dir>              Directory archive entry names are relative to
  --appdir=<dir>               Application bundle directory, relative to --basedir
  --appname=<name>             Executable name (defaults to CFBundleExecutable)
  --appid=<id>                 Signing identifier (defaults to CFBundleIdentifier)
  --teamid=<id>                10 character team identifier
  --entitlements=<path>        Entitlements property list
  --profile=<path>             Provisioning profile to take the entitlements from
  --resources-hash=<hex>       Precomputed CodeResources SHA-1
  --info-plist-hash=<hex>      Expected Info.plist SHA-1
  --resources-256-hash=<hex>   Precomputed CodeResources SHA-256
  --info-plist-256-hash=<hex>  Expected Info.plist SHA-256
  --no-bundle                  Sign a bare executable with zero resource digests
  --in-place                   Sign the bundle on disk instead of writing an archive
  --progress                   Show a progress bar while storing resources
  --binary=<path>              Executable to inspect or verify
  --binary1=<path>             First executable to compare
  --binary2=<path>             Second executable to compare
  --dump                       Print the parsed header and signature structures
  -v --verbose                 Enable debug logging
  -h --help                    Show this help message
  --version                    Show version

Examples:
  # Sign and package an application
  go-ipack pack MyApp.ipa --keystore=dev.p12 --storepass=secret \
    --basedir=build --appdir=Payload/MyApp.app --teamid=ABCDE12345 \
    --entitlements=MyApp.entitlements

  # Sign in place with the keystore taken from the environment
  export IPACK_KEYSTORE=/path/to/dev.p12
  export IPACK_STOREPASS=secret
  go-ipack pack --in-place --basedir=build --appdir=Payload/MyApp.app --teamid=ABCDE12345

  # Compute the resource digests once, then sign with them
  go-ipack hashes --basedir=build --appdir=Payload/MyApp.app

  # Check a signed executable
  go-ipack verify --binary=build/Payload/MyApp.app/MyApp
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	verbose, _ := opts.Bool("--verbose")
	setVerbose(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var run func(context.Context, docopt.Opts) error
	if cmd, _ := opts.Bool("pack"); cmd {
		run = runPack
	} else if cmd, _ := opts.Bool("hashes"); cmd {
		run = runHashes
	} else if cmd, _ := opts.Bool("info"); cmd {
		run = runInfo
	} else if cmd, _ := opts.Bool("verify"); cmd {
		run = runVerify
	} else if cmd, _ := opts.Bool("diff"); cmd {
		run = runDiff
	}
	if run == nil {
		return
	}

	if err := run(ctx, opts); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runPack(ctx context.Context, opts docopt.Opts) error {
	cfg, err := packConfiguration(opts)
	if err != nil {
		return err
	}
	if len(cfg.Applications) > 1 {
		logger.Warn().
			Int("applications", len(cfg.Applications)).
			Msg("Only the first application is packed, ignoring the rest")
	}

	identity, err := cfg.Signing.LoadIdentity(cfg.Applications[0].Profile)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	signer, err := codesign.NewCMSSigner(identity)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	logger.Debug().Str("subject", signer.SubjectName()).Msg("Loaded signing identity")

	app, err := cfg.Applications[0].PackerApplication()
	if err != nil {
		return err
	}
	if profile := cfg.Applications[0].Profile; profile != "" {
		if err := checkProfile(profile, identity, app); err != nil {
			return err
		}
	}

	packOpts := []packer.Option{packer.WithLogger(logger), packer.WithInPlace(cfg.InPlace)}
	if progress, _ := opts.Bool("--progress"); progress && !cfg.InPlace {
		bar, err := newProgressBar(app)
		if err != nil {
			return err
		}
		defer bar.Finish()
		packOpts = append(packOpts, packer.WithProgress(func(string) { _ = bar.Add(1) }))
	}

	var (
		out  *os.File
		dest io.Writer
	)
	if !cfg.InPlace {
		if out, err = os.Create(cfg.Archive); err != nil {
			return fmt.Errorf("failed to create packer: %w", err)
		}
		dest = out
	}

	p := packer.NewPacker(dest, signer, packOpts...)

	report, err := p.StoreApplication(ctx, app)
	if report != nil {
		printDigests(report.Resources)
	}
	if closeErr := p.Close(); err == nil {
		err = closeErr
	}
	if out != nil {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(cfg.Archive)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", app.AppDir, err)
	}
	return nil
}

// packConfiguration layers the command line over the configuration file
// and the environment.
func packConfiguration(opts docopt.Opts) (*config.Configuration, error) {
	cfg := new(config.Configuration)
	if path, _ := opts.String("--config"); path != "" {
		format, err := config.FormatFromPath(path)
		if err != nil {
			return nil, err
		}
		if cfg, err = config.LoadConfigurationFromFile(path, format); err != nil {
			return nil, err
		}
		logger.Debug().Str("file", path).Msg("Loaded configuration file")
	}

	setString(opts, "<archive>", &cfg.Archive)
	if inPlace, _ := opts.Bool("--in-place"); inPlace {
		cfg.InPlace = true
	}
	setString(opts, "--keystore", &cfg.Signing.Keystore)
	setString(opts, "--storepass", &cfg.Signing.StorePass)
	setString(opts, "--keypass", &cfg.Signing.KeyPass)
	cfg.ApplyEnvironment()

	var app config.Application
	if len(cfg.Applications) > 0 {
		app = cfg.Applications[0]
	}
	changed := false
	for flag, dst := range map[string]*string{
		"--basedir":             &app.BaseDir,
		"--appdir":              &app.AppDir,
		"--appname":             &app.AppName,
		"--appid":               &app.AppID,
		"--teamid":              &app.TeamID,
		"--entitlements":        &app.Entitlements,
		"--profile":             &app.Profile,
		"--resources-hash":      &app.ResourcesHash,
		"--info-plist-hash":     &app.InfoPlistHash,
		"--resources-256-hash":  &app.Resources256Hash,
		"--info-plist-256-hash": &app.InfoPlist256Hash,
	} {
		changed = setString(opts, flag, dst) || changed
	}
	if noBundle, _ := opts.Bool("--no-bundle"); noBundle {
		app.NoBundle = true
		changed = true
	}
	switch {
	case len(cfg.Applications) > 0:
		cfg.Applications[0] = app
	case changed:
		cfg.Applications = append(cfg.Applications, app)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkProfile warns when the provisioning profile would keep the signed
// application from installing.
func checkProfile(path string, identity *codesign.SigningIdentity, app packer.Application) error {
	profile, err := codesign.LoadProvisioningProfile(path)
	if err != nil {
		return err
	}

	appID := app.AppID
	if appID == "" && !app.NoBundle {
		appDir := filepath.Join(app.BaseDir, filepath.FromSlash(app.AppDir))
		if appID, err = codesign.GetAppBundleID(appDir); err != nil {
			return err
		}
	}

	log := logger.With().Str("profile", profile.Name).Logger()
	log.Debug().
		Str("application_identifier", profile.GetApplicationIdentifier()).
		Str("team", profile.GetTeamID()).
		Time("expires", profile.ExpirationDate).
		Msg("Loaded provisioning profile")
	if err := profile.Validate(identity, appID, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Signed application will not install with this provisioning profile")
	}
	return nil
}

// setString copies a flag value into dst when the flag was given.
func setString(opts docopt.Opts, flag string, dst *string) bool {
	value, err := opts.String(flag)
	if err != nil || value == "" {
		return false
	}
	*dst = value
	return true
}

func newProgressBar(app packer.Application) (*progressbar.ProgressBar, error) {
	if app.NoBundle || app.Precomputed != nil {
		return progressbar.Default(0, "Storing resources"), nil
	}

	appDir := filepath.Join(app.BaseDir, filepath.FromSlash(app.AppDir))
	exe := app.AppName
	if exe == "" {
		var err error
		if exe, err = codesign.GetAppExecutableName(appDir); err != nil {
			return nil, err
		}
	}

	var files int64
	err := codesign.WalkResources(appDir, exe, func(_ string, d fs.DirEntry) error {
		if !d.IsDir() {
			files++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return progressbar.Default(files, "Storing resources"), nil
}

// printDigests writes the four resource digests to stdout, the only output
// scripts driving the tool parse.
func printDigests(d packer.ResourceDigests) {
	for _, line := range d.Lines() {
		fmt.Println(line)
	}
}

func runHashes(ctx context.Context, opts docopt.Opts) error {
	baseDir, _ := opts.String("--basedir")
	appDir, _ := opts.String("--appdir")
	appName, _ := opts.String("--appname")

	dir := filepath.Join(baseDir, filepath.FromSlash(appDir))
	if appName == "" {
		var err error
		if appName, err = codesign.GetAppExecutableName(dir); err != nil {
			return err
		}
	}

	digests, _, err := packer.HashResources(ctx, dir, appName)
	if err != nil {
		return fmt.Errorf("failed to hash resources: %w", err)
	}
	logger.Debug().Str("app", dir).Msg("Hashed bundle resources")
	printDigests(digests)
	return nil
}

func runInfo(_ context.Context, opts docopt.Opts) error {
	path, _ := opts.String("--binary")
	dump, _ := opts.Bool("--dump")

	info, err := codesign.Inspect(path)
	if err != nil {
		return err
	}
	codesign.PrintBinaryInfo(info, os.Stdout)

	sig, sigErr := codesign.ReadSignatureFile(path)
	if sigErr == nil {
		fmt.Println()
		codesign.PrintSignatureInfo(sig, os.Stdout)
	} else {
		logger.Debug().Err(sigErr).Msg("No embedded signature to show")
	}

	if dump {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		hdr, err := macho.Read(f)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Printf("%# v\n", pretty.Formatter(hdr))
		if sig != nil {
			fmt.Printf("%# v\n", pretty.Formatter(sig.SuperBlob))
			fmt.Printf("%# v\n", pretty.Formatter(sig.CodeDirs))
		}
	}
	return nil
}

func runVerify(ctx context.Context, opts docopt.Opts) error {
	path, _ := opts.String("--binary")

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	result, err := codesign.Verify(ctx, f, st.Size())
	if err != nil {
		return err
	}

	for _, m := range result.Mismatches {
		logger.Error().Str("mismatch", m.String()).Msg("Digest mismatch")
	}
	if !result.CDHashesMatch {
		logger.Error().Msg("CDHashes attribute does not match the code directories")
	}
	if result.SignatureError != nil {
		logger.Error().Err(result.SignatureError).Msg("CMS signature does not verify")
	}
	if !result.OK() {
		return errors.New("signature verification failed")
	}

	logger.Info().
		Str("binary", path).
		Int("pages", result.PagesChecked).
		Int("code_directories", len(result.Info.CodeDirs)).
		Msg("Signature verified")
	return nil
}

func runDiff(_ context.Context, opts docopt.Opts) error {
	path1, _ := opts.String("--binary1")
	path2, _ := opts.String("--binary2")

	diff, err := codesign.CompareBinaries(path1, path2)
	if err != nil {
		return err
	}
	codesign.PrintSignatureDiff(diff, os.Stdout)
	return nil
}
