package main

// Version is the CLI version, overridable at build time with
// -ldflags "-X main.Version=...".
var Version = "0.1.0"
