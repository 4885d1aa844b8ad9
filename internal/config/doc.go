// Package config handles HCL configuration parsing and validation.
//
// # Overview
//
// outpost reads one HCL file. Every value has a default, so an empty file
// (or no file) is a valid configuration. Environment variables are visible
// to the file as env.<NAME>, which is how secrets such as the application
// key are usually supplied:
//
//	subnet   = "community.3"
//	app_key  = env.OUTPOST_APPKEY
//	endpoint = "unix:///run/outpost/provider.sock"
//
//	negotiation {
//	  timeout    = "25m"
//	  expiration = "25m"
//	}
//
//	task "interact" {
//	  package = "hash:sha3:...:http://repo.example/prophecy-0.2.12"
//	}
//
//	provider {
//	  listen = ["unix:///run/outpost/provider.sock"]
//	  unit "/bin/prophecy-on-demand" {
//	    command = ["outpost", "unit", "prophecy"]
//	  }
//	}
//
// # Configuration Blocks
//
//   - negotiation: offer race deadline, agreement window and teardown timeouts
//   - output: capture directories for unit output and raw event logs
//   - log: level, format and per-component level filters
//   - task: per-kind package, binary and arguments
//   - provider: the local provider daemon and its unit table
package config
