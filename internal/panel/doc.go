// Package panel serves the bench page: a single static page that shows
// both fan positions live and issues moves through the HTTP API.
//
// The page is embedded in the binary. Handler can be pointed at a
// directory instead while editing the page, in which case files are read
// from disk on every request.
package panel
