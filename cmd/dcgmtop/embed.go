package main

import _ "embed"

// embeddedConfig holds the YAML configuration embedded at build time.
// Deployments can overwrite embed_config.yaml before compiling to ship a
// site-specific baseline; runtime config files and env vars still override it.
//
//go:embed embed_config.yaml
var embeddedConfig []byte
