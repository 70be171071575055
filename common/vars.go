package common

// PackageName is the metrics namespace of every binary in this module.
const PackageName = "blobrepo"

// Version is set at build time with -ldflags "-X github.com/ruteri/blobrepo/common.Version=...".
var Version = "dev"
