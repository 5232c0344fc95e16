package game

import (
	"fmt"
	"strings"
)

const (
	BlackChar = 'O'
	WhiteChar = 'X'
	ExtraChar = '*'
)

// BoardString renders the board with a '#' frame. Squares set in extra but
// empty on the board are drawn as '*'.
func BoardString(black, white, extra uint64) string {
	var sb strings.Builder
	sb.WriteString("##########\n")
	for y := 0; y < 8; y++ {
		sb.WriteByte('#')
		for x := 0; x < 8; x++ {
			bit := uint64(1) << uint(y*8+x)
			switch {
			case black&bit != 0:
				sb.WriteByte(BlackChar)
			case white&bit != 0:
				sb.WriteByte(WhiteChar)
			case extra&bit != 0:
				sb.WriteByte(ExtraChar)
			default:
				sb.WriteByte(' ')
			}
		}
		sb.WriteString("#\n")
	}
	sb.WriteString("##########\n")
	return sb.String()
}

// ParseBoard reads a framed board as produced by BoardString. Lines starting
// with "##" are frame rows and are skipped.
func ParseBoard(text string) (black, white uint64) {
	y := 0
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "##") || line == "" {
			continue
		}
		if y >= 8 {
			break
		}
		row := line[1:]
		if len(row) > 8 {
			row = row[:8]
		}
		for x, ch := range row {
			switch ch {
			case BlackChar:
				black |= 1 << uint(y*8+x)
			case WhiteChar:
				white |= 1 << uint(y*8+x)
			}
		}
		y++
	}
	return black, white
}

// ActionToMove converts a square index to record notation. The letter names
// index/8 and the digit index%8+1, so 0 is "A1", 44 is "F5" and 63 is "H8".
// NoMove is written as "PA".
func ActionToMove(action int) string {
	if action < 0 || action > 63 {
		return "PA"
	}
	return fmt.Sprintf("%c%d", 'A'+action/8, action%8+1)
}

// MoveToAction parses record notation. "PA" (pass) returns NoMove.
func MoveToAction(move string) (int, error) {
	m := strings.ToLower(strings.TrimSpace(move))
	if strings.HasPrefix(m, "pa") {
		return NoMove, nil
	}
	if len(m) < 2 || m[0] < 'a' || m[0] > 'h' || m[1] < '1' || m[1] > '8' {
		return NoMove, fmt.Errorf("parse move %q: %w", move, ErrInvalidPosition)
	}
	return int(m[0]-'a')*8 + int(m[1]-'1'), nil
}
