package config

// Version is the release version injected at build time via ldflags:
//
//	go build -ldflags "-X 'github.com/rivenmedia/riven/internal/config.Version=v1.0.0'"
//
// Dev builds report "dev".
var Version = "dev"
