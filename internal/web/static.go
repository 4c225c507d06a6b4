package web

import (
	"embed"
)

// staticFiles holds the embedded web UI: the virtual joystick page, its
// script and stylesheet.
//
//go:embed static/*
var staticFiles embed.FS
