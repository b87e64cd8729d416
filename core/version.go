// Package core provides the foundational components shared across the fleet
// broker runtime.
//
// This package includes version information, core constants, and utility
// functions that are used throughout the application. It serves as the
// central location for application-wide configuration and metadata.
package core

// VERSION of project.
var VERSION = "undefined" // set during the build process with -ldflags
