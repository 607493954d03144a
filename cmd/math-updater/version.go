package main

// Build information, set with -ldflags "-X main.version=..." at release.
var (
	version   = "development"
	gitCommit = "unknown"
	buildDate = "development"
)
