package selfplay

import (
	"github.com/brensch/reversi/executor/mcts"
	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/store"
)

// BuildRows converts labelled move records to training rows. With augment
// every record yields one row per board symmetry.
func BuildRows(gameID, source, digest string, records []mcts.MoveRecord, augment bool) []store.TrainingRow {
	syms := 1
	if augment {
		syms = game.NumSymmetries
	}
	rows := make([]store.TrainingRow, 0, len(records)*syms)
	for _, r := range records {
		turn := int32(game.PopCount(r.Own|r.Enemy) - 4)
		for sym := 0; sym < syms; sym++ {
			policy := game.TransformPolicy(r.Policy[:], sym)
			rows = append(rows, store.TrainingRow{
				GameID:      gameID,
				Turn:        turn,
				Own:         game.Transform(r.Own, sym),
				Enemy:       game.Transform(r.Enemy, sym),
				Symmetry:    int32(sym),
				Policy:      policy[:],
				Value:       r.Z,
				Source:      source,
				ModelDigest: digest,
			})
		}
	}
	return rows
}
