// Package config loads scriptgate configuration.
//
// Values come from SCRIPTGATE_* environment variables processed by envconfig,
// optionally merged with a YAML file (scriptgate.yaml, configs/scriptgate.yaml
// or the path in SCRIPTGATE_CONFIG). The delivery node table can live in a
// separate YAML file referenced by SCRIPTGATE_NODES_FILE:
//
//	nodes:
//	  - id: eu-west
//	    region: eu-west
//	    url: https://eu-west.scriptgate.dev
//	    health_score: 90
//
// Protocol ceilings (token and challenge lifetimes) live in constants.go and
// are enforced by validate.
package config
