// Package persistence stores device credentials returned by provisioning so
// they survive restarts.
//
// Credentials are kept per registration id in a single versioned JSON file.
package persistence
