// Package main provides the go-ipack CLI tool, which signs iOS application
// bundles and stores them in IPA archives.
//
// The signing and packaging building blocks live in the subpackages:
//
//	import "github.com/aluedeke/go-ipack/pkg/packer"
//	import "github.com/aluedeke/go-ipack/pkg/codesign"
//
// # Installation
//
//	go install github.com/aluedeke/go-ipack@latest
//
// # Configuration
//
// The pack command reads an optional JSON or YAML file given with --config.
// Command line flags override the file, and the IPACK_KEYSTORE,
// IPACK_STOREPASS and IPACK_KEYPASS environment variables fill the signing
// settings neither of them provides.
package main
