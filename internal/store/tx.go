package store

import "github.com/jackc/pgx/v5"

// pgxTx is pgx.Tx, the transaction type taken by the store methods that run
// inside a caller-owned transaction (the scheduler's DueScheduledMessages,
// AdvanceScheduledMessage and InsertMessageTx).
type pgxTx = pgx.Tx

// pgxTxCloser is returned by BeginTx; it is pgx.Tx itself, aliased here so
// callers of this package never need to import pgx directly.
type pgxTxCloser = pgx.Tx
