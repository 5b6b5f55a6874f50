package trigger

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/minionhq/minion/internal/db"
)

// Flag is a process-wide emergency flag persisted in the datastore so every
// daemon and CLI invocation observes the same state.
type Flag struct {
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
	SetBy string `db:"set_by" json:"set_by"`
	SetAt string `db:"set_at" json:"set_at"`
}

// SetFlagTx raises a flag inside an existing transaction. Active triggers
// use this so the flag commits atomically with the message insert.
func SetFlagTx(tx *sqlx.Tx, key, setBy string) error {
	_, err := tx.Exec(
		`INSERT INTO flags (key, value, set_by, set_at) VALUES (?, '1', ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = '1', set_by = excluded.set_by, set_at = excluded.set_at`,
		key, setBy, db.NowISO(),
	)
	return err
}

// SetFlag raises a flag in its own transaction.
func SetFlag(store *db.Store, key, setBy string) error {
	tx, err := store.DB.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := SetFlagTx(tx, key, setBy); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearFlag removes a flag. Clearing an absent flag is not an error.
func ClearFlag(store *db.Store, key string) error {
	_, err := store.DB.Exec(`DELETE FROM flags WHERE key = ?`, key)
	return err
}

// FlagSet reports whether a flag is currently raised.
func FlagSet(q sqlx.Queryer, key string) (bool, error) {
	var value string
	err := sqlx.Get(q, &value, `SELECT value FROM flags WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

// GetFlags returns all raised flags.
func GetFlags(store *db.Store) ([]Flag, error) {
	var flags []Flag
	if err := store.RO.Select(&flags, `SELECT key, value, set_by, set_at FROM flags ORDER BY key`); err != nil {
		return nil, err
	}
	return flags, nil
}
