package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ReencryptAll rewrites every encrypted column under a new key inside a
// single transaction: server secrets, OAuth client secrets, token rows, and
// any pending auth-state verifiers. On failure the transaction rolls back
// and the old key stays authoritative.
func (s *Store) ReencryptAll(ctx context.Context, decrypt, encrypt func(string) (string, error)) error {
	reencrypt := func(value sql.NullString) (string, error) {
		if !value.Valid || value.String == "" {
			return "", nil
		}
		plaintext, err := decrypt(value.String)
		if err != nil {
			return "", err
		}
		return encrypt(plaintext)
	}

	type rewrite struct {
		table   string
		keyCol  string
		columns []string
	}
	targets := []rewrite{
		{"servers", "id", []string{"args_enc", "env_enc", "remote_url_enc", "bearer_token_enc", "input_params_enc"}},
		{"oauth_configs", "server_id", []string{"client_secret_enc", "registration_access_token_enc"}},
		{"oauth_tokens", "server_id", []string{"access_token_enc", "refresh_token_enc", "id_token_enc"}},
		{"oauth_auth_states", "state", []string{"code_verifier_enc"}},
	}

	return s.withTx(ctx, "reencrypt-all", func(tx *sql.Tx) error {
		for _, t := range targets {
			cols := t.keyCol
			for _, c := range t.columns {
				cols += ", " + c
			}
			rows, err := tx.Query(fmt.Sprintf(`SELECT %s FROM %s`, cols, t.table))
			if err != nil {
				return err
			}

			type pending struct {
				key    string
				values []string
			}
			var updates []pending
			for rows.Next() {
				var key string
				scanned := make([]sql.NullString, len(t.columns))
				dest := make([]any, 0, len(t.columns)+1)
				dest = append(dest, &key)
				for i := range scanned {
					dest = append(dest, &scanned[i])
				}
				if err := rows.Scan(dest...); err != nil {
					rows.Close()
					return err
				}
				values := make([]string, len(t.columns))
				for i, v := range scanned {
					rewritten, err := reencrypt(v)
					if err != nil {
						rows.Close()
						return fmt.Errorf("re-encrypting %s.%s: %w", t.table, t.columns[i], err)
					}
					values[i] = rewritten
				}
				updates = append(updates, pending{key: key, values: values})
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, u := range updates {
				set := ""
				args := make([]any, 0, len(t.columns)+1)
				for i, c := range t.columns {
					if i > 0 {
						set += ", "
					}
					set += c + " = ?"
					args = append(args, u.values[i])
				}
				args = append(args, u.key)
				if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`,
					t.table, set, t.keyCol), args...); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
