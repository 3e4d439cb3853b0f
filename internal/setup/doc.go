// Package setup owns the service configuration file and the one-time host
// preparation (storage directories, capture bridge, container network).
//
// Like a collection of scripts it is the only package allowed a package level
// logger; see SetLogger.
package setup
