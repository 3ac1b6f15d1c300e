package constant

// Version is set by the build script via -ldflags "-X".
var Version = "dev"
