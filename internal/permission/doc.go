// Package permission decides which commands each user may run.
//
// Grants are loaded from a JSON document, either a local file or an HTTP
// endpoint, validated against an embedded JSON schema and held in a Store.
// Authorization is a pure lookup against the current grant and is repeated
// for every command, so a grant changed mid-session takes effect on the
// next command.
//
//	[
//	  {
//	    "user_id": "alice",
//	    "generated_at": 1767225600,
//	    "permitted_commands": [
//	      {"command": "tune", "device_id": "radio-1"},
//	      {"command": "station_time", "system_command_handler": "station"}
//	    ]
//	  }
//	]
package permission
