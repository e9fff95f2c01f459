package core

// Version is set at build time with -ldflags "-X github.com/d3rp3tt3/router/core.Version=...".
var Version = "dev"
