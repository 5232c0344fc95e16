// visualize.go - Console rendering for debugging self-play games.
//
// RenderBoard draws a position with coloured stones; PrintBoard logs it
// together with the evaluator input planes for the side to move.
package selfplay

import (
	"fmt"
	"strings"

	"github.com/brensch/reversi/executor/convert"
	"github.com/brensch/reversi/game"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
)

// RenderBoard draws s in move notation order: rows A-H, columns 1-8. last is
// highlighted when it is a square.
func RenderBoard(profile termenv.Profile, s game.State, last int) string {
	black := profile.Color("#E0E0E0")
	white := profile.Color("#FF5F5F")
	hint := profile.Color("#5F87AF")
	legal := s.LegalMoves()

	var sb strings.Builder
	sb.WriteString("  1 2 3 4 5 6 7 8\n")
	for row := 0; row < 8; row++ {
		fmt.Fprintf(&sb, "%c ", 'A'+row)
		for col := 0; col < 8; col++ {
			i := row*8 + col
			bit := uint64(1) << uint(i)
			var cell termenv.Style
			switch {
			case s.Black&bit != 0:
				cell = profile.String("O").Foreground(black).Bold()
			case s.White&bit != 0:
				cell = profile.String("X").Foreground(white).Bold()
			case !s.Done && legal&bit != 0:
				cell = profile.String("*").Foreground(hint)
			default:
				cell = profile.String(".")
			}
			if i == last {
				cell = cell.Underline()
			}
			sb.WriteString(cell.String())
			sb.WriteByte(' ')
		}
		sb.WriteByte('\n')
	}
	b, w := s.Counts()
	fmt.Fprintf(&sb, "turn=%d next=%s black=%d white=%d", s.Turn, s.Next, b, w)
	if s.Done {
		fmt.Fprintf(&sb, " winner=%s", s.Winner)
	}
	sb.WriteByte('\n')
	return sb.String()
}

// PrintBoard logs the board and the input planes at trace level.
func PrintBoard(logger zerolog.Logger, s game.State, last int) {
	if logger.GetLevel() > zerolog.TraceLevel {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n=== TRACE Turn %d (last=%s) ===\n", s.Turn, game.ActionToMove(last))
	sb.WriteString(RenderBoard(termenv.EnvColorProfile(), s, last))
	printEncodedLayers(&sb, s)
	logger.Trace().Msg(sb.String())
}

func printEncodedLayers(sb *strings.Builder, s game.State) {
	own, enemy := s.OwnEnemy()
	dataPtr := convert.PlanesToFloat32(own, enemy)
	data := *dataPtr
	defer convert.PutFloatBuffer(dataPtr)

	names := [convert.Channels]string{"own", "enemy"}
	sb.WriteString("\n--- TRACE Encoded input layers (C,H,W) ---\n")
	for c := 0; c < convert.Channels; c++ {
		fmt.Fprintf(sb, "Layer %d (%s):\n", c, names[c])
		base := c * convert.Height * convert.Width
		for y := 0; y < convert.Height; y++ {
			for x := 0; x < convert.Width; x++ {
				if data[base+y*convert.Width+x] == 0 {
					sb.WriteString(" .")
					continue
				}
				sb.WriteString(" 1")
			}
			sb.WriteByte('\n')
		}
	}
}
