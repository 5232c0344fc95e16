package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/brensch/reversi/game"
)

// InitialBoardGGF is the standard opening in GGF square notation.
const InitialBoardGGF = "---------------------------O*------*O---------------------------"

var ErrMalformedGGF = errors.New("malformed ggf record")

// GGFRecord is one game in Generic Game Format. Moves holds move strings as
// written, e.g. "F5", "F5/1.5/120" or "PA".
type GGFRecord struct {
	Place      string
	Date       time.Time
	BlackName  string
	WhiteName  string
	Result     string
	ThinkTime  time.Duration
	Board      string
	BoardColor string
	Moves      []GGFMove
}

type GGFMove struct {
	Color string // "B" or "W"
	Move  string
}

// MakeGGF renders a self-play record. Moves alternate B and W starting with
// Black; passes must already be present as "PA".
func MakeGGF(blackName, whiteName string, date time.Time, moves []string, result string) string {
	if blackName == "" {
		blackName = "black"
	}
	if whiteName == "" {
		whiteName = "white"
	}
	if result == "" {
		result = "?"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(;GM[Othello]PC[RAZSelf]DT[%s]PB[%s]PW[%s]RE[%s]TI[%d:%d]TY[8]BO[8 %s *]",
		date.UTC().Format("2006.01.02_15:04:05.MST"), blackName, whiteName, result, 1, 0, InitialBoardGGF)
	for i, m := range moves {
		color := "B"
		if i%2 == 1 {
			color = "W"
		}
		fmt.Fprintf(&b, "%s[%s]", color, m)
	}
	b.WriteString(";)")
	return b.String()
}

var ggfProperty = regexp.MustCompile(`([a-zA-Z]+)\[([^\]]+)\]`)

// ParseGGF reads the board and moves of a GGF record. Unknown properties are
// ignored.
func ParseGGF(s string) (GGFRecord, error) {
	var rec GGFRecord
	for _, m := range ggfProperty.FindAllStringSubmatch(s, -1) {
		key, value := strings.ToUpper(m[1]), m[2]
		switch key {
		case "BO":
			fields := strings.Fields(value)
			if len(fields) != 3 || len(fields[1]) != 64 {
				return GGFRecord{}, fmt.Errorf("%w: board %q", ErrMalformedGGF, value)
			}
			rec.Board, rec.BoardColor = fields[1], fields[2]
		case "B", "W":
			rec.Moves = append(rec.Moves, GGFMove{Color: key, Move: value})
		case "PB":
			rec.BlackName = value
		case "PW":
			rec.WhiteName = value
		case "PC":
			rec.Place = value
		case "RE":
			rec.Result = value
		case "DT":
			if t, err := time.Parse("2006.01.02_15:04:05.MST", value); err == nil {
				rec.Date = t
			}
		case "TI":
			var mins, secs int
			if _, err := fmt.Sscanf(value, "%d:%d", &mins, &secs); err == nil {
				rec.ThinkTime = time.Duration(mins)*time.Minute + time.Duration(secs)*time.Second
			}
		}
	}
	if rec.Board == "" {
		return GGFRecord{}, fmt.Errorf("%w: no BO property", ErrMalformedGGF)
	}
	return rec, nil
}

// BoardBits converts a GGF square string to bitboards. '*' is black and 'O'
// is white.
func BoardBits(board string) (black, white uint64, err error) {
	if len(board) != 64 {
		return 0, 0, fmt.Errorf("%w: board of %d squares", ErrMalformedGGF, len(board))
	}
	for i := 0; i < 64; i++ {
		switch board[i] {
		case '*':
			black |= 1 << uint(i)
		case 'O':
			white |= 1 << uint(i)
		}
	}
	return black, white, nil
}

// GGFActions returns the starting bitboards and the move actions of rec.
// Annotations after '/' are dropped and passes become game.NoMove.
func GGFActions(rec GGFRecord) (black, white uint64, actions []int, err error) {
	black, white, err = BoardBits(rec.Board)
	if err != nil {
		return 0, 0, nil, err
	}
	actions = make([]int, 0, len(rec.Moves))
	for _, m := range rec.Moves {
		text, _, _ := strings.Cut(m.Move, "/")
		a, err := game.MoveToAction(text)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("%w: move %q", ErrMalformedGGF, m.Move)
		}
		actions = append(actions, a)
	}
	return black, white, actions, nil
}
