// Package provider talks to the external render-job service that prepares
// full-resolution artifacts for download.
package provider
