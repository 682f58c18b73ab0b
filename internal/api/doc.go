// Package api exposes the admin HTTP interface of the extension host: listing
// and unloading extensions, dispatching events, browsing load reports, health
// and metrics.
package api
