package viewer

import (
	_ "embed"
)

// pageHTML is the viewer page: the live annotated stream in a 640x480 box
// with the error banner below it.
//
//go:embed page.html
var pageHTML []byte
