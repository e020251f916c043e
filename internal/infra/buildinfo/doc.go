// Package buildinfo provides build information for the logicalsnap tools.
//
// Values are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/logicalsnap/internal/infra/buildinfo.Version=v1.0.0"
//
// Without ldflags the module version and VCS revision recorded by the Go
// toolchain are used.
package buildinfo
