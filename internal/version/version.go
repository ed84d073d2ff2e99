package version

// Version is the current version of loadpg.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.1.0"

// Name is the application name.
const Name = "loadpg"

// Description is a short description of the application.
const Description = "Streaming bulk data loader into PostgreSQL"
