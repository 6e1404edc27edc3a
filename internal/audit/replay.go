package audit

import (
	"fmt"

	"bot-orchestrator-go/internal/ledger"
	"bot-orchestrator-go/internal/models"
)

// Replay rebuilds a ledger by applying the executed entries, in sequence order, to an
// empty ledger built from the account's asset specs. Simulated and rejected entries
// never touched the ledger and are skipped.
func Replay(entries []models.AuditEntry, specs []models.HoldingSpec) (*ledger.Ledger, error) {
	l, err := ledger.NewEmpty(specs)
	if err != nil {
		return nil, err
	}
	var last uint64
	for _, e := range entries {
		if e.Seq <= last {
			return nil, fmt.Errorf("replay: entry %d out of order after %d", e.Seq, last)
		}
		last = e.Seq
		if e.Outcome != models.OutcomeExecuted {
			continue
		}
		if e.Action == models.ActionDeposit {
			if err := l.Deposit(e.Asset, e.Quantity, e.Price); err != nil {
				return nil, fmt.Errorf("replay entry %d: %w", e.Seq, err)
			}
			continue
		}
		_, err := l.ApplyTrade(ledger.Trade{
			Side:         e.Side,
			Asset:        e.Asset,
			Quantity:     e.Quantity,
			Price:        e.Price,
			FundingAsset: e.FundingAsset,
			FundingQty:   e.FundingQty,
		})
		if err != nil {
			return nil, fmt.Errorf("replay entry %d: %w", e.Seq, err)
		}
	}
	return l, nil
}
