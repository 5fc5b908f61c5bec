// Package store persists device and session state for the group encryption
// engine.
//
// A [Store] holds the pickled device account, one outbound group session per
// conversation, inbound group sessions keyed by (conversation, session id),
// shared-secret sessions, cached device keys with an expiry, and the
// decryption replay records. Pickles arrive already sealed by their owners;
// the store never sees key material in the clear.
//
// Two implementations are provided:
//
//   - [OpenSQLite]: a SQLite database through modernc.org/sqlite. Pass
//     ":memory:" for a throwaway database.
//   - [NewMemory]: in-process maps, for tests and ephemeral devices.
//
// # Transactions
//
// WithTx runs a function against a transaction-bound Store. Returning an
// error rolls everything back; a nested WithTx joins the outer transaction:
//
//	err := st.WithTx(ctx, func(tx store.Store) error {
//	    if err := tx.PutOutboundSession(ctx, outbound); err != nil {
//	        return err
//	    }
//	    return tx.PutInboundSession(ctx, inbound)
//	})
//
// Code running inside fn must only use tx. Calling the outer Store from
// inside fn blocks until the transaction ends.
//
// Point lookups return [ErrNotFound] when nothing is stored.
package store
