package assets

import "embed"

//go:embed index.html dashboard.js
var FS embed.FS
