// Package config loads the group encryption engine configuration.
//
// Values come from three layers, later ones winning:
//
//  1. Default()
//  2. a TOML file
//  3. GROUPCRYPT_* environment variables
//
// Durations are written as Go duration strings:
//
//	user_id = "alice"
//	data_dir = "/var/lib/groupcrypt"
//	missing_key_retry_delay = "1s"
//	device_key_ttl = "15m"
//	high_priority_conversations = ["ops"]
//
// The pickle secret should come from GROUPCRYPT_PICKLE_SECRET; Save never
// writes it. Validate rejects values outside the documented bounds.
package config
