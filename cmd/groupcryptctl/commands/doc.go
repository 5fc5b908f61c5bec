// Package commands implements groupcryptctl, an offline tool for the
// device state kept in a groupcrypt database.
//
// The commands open the database directly and never reach a transport:
//
//	groupcryptctl init                      create or load the device
//	groupcryptctl sessions <conversation>   list held session ids
//	groupcryptctl export [--out file]       write every session as JSON
//	groupcryptctl import <file>             import an export, untrusted
//	groupcryptctl rotate-fallback           replace the fallback key
//
// Configuration is read from --config and GROUPCRYPT_* variables; the
// --data-dir, --database, --user and --secret flags override both.
package commands
