package store

import (
	"context"
	"database/sql"
	"fmt"
)

// aggregateStatements recompute the proponent aggregate columns wholesale,
// one statement per metric, entirely in-store. The joins go through the
// soft proponente_cnpj reference on propostas, so a dangling reference
// simply contributes nothing.
var aggregateStatements = []string{
	`UPDATE proponentes SET total_propostas = (
		SELECT COUNT(*) FROM propostas
		WHERE propostas.proponente_cnpj = proponentes.cnpj
	)`,
	`UPDATE proponentes SET total_emendas = (
		SELECT COUNT(*) FROM proposta_emendas pe
		JOIN propostas p ON p.transfer_gov_id = pe.proposta_transfer_gov_id
		WHERE p.proponente_cnpj = proponentes.cnpj
	)`,
	`UPDATE proponentes SET valor_total_emendas = COALESCE((
		SELECT SUM(e.valor) FROM proposta_emendas pe
		JOIN propostas p ON p.transfer_gov_id = pe.proposta_transfer_gov_id
		JOIN emendas e ON e.transfer_gov_id = pe.emenda_transfer_gov_id
		WHERE p.proponente_cnpj = proponentes.cnpj
	), 0)`,
}

// RefreshProponentAggregates overwrites total_propostas, total_emendas
// and valor_total_emendas for every proponent. Runs on the loader's
// transaction, after the base upserts and before commit, so aggregates
// are never visible in a partially updated state.
func RefreshProponentAggregates(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range aggregateStatements {
		stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		_, err := tx.ExecContext(stmtCtx, stmt)
		cancel()
		if err != nil {
			return fmt.Errorf("refresh proponent aggregates: %w", err)
		}
	}
	return nil
}
