// Package web carries the embedded browser client assets.
package web

import "embed"

//go:embed static
var Assets embed.FS
