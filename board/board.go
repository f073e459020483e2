// Package board implements the XO game rules: the 3x3 board, legal-move
// checks and win/draw detection. It is pure state transformation with no
// I/O; the session and store layers build on it.
package board

import (
	"errors"
	"fmt"
)

// Symbol is a player mark. The zero value is an empty cell.
type Symbol string

const (
	Empty Symbol = ""
	X     Symbol = "X"
	O     Symbol = "O"

	// Draw only ever appears in Result.Winner, never on the board.
	Draw Symbol = "Draw"
)

// Other returns the opposing seat, used to toggle the turn.
func (s Symbol) Other() Symbol {
	if s == X {
		return O
	}
	return X
}

// Board is the 3x3 grid in row-major order, indices 0..8.
type Board [9]Symbol

var (
	ErrOutOfRange = errors.New("cell index out of range")
	ErrCellTaken  = errors.New("cell already taken")
)

// Apply returns a copy of b with cell index set to s. The receiver is
// never mutated; callers keep their board until the committed state
// echoes back from the store.
func Apply(b Board, index int, s Symbol) (Board, error) {
	if index < 0 || index > 8 {
		return b, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if b[index] != Empty {
		return b, fmt.Errorf("%w: %d", ErrCellTaken, index)
	}
	b[index] = s
	return b, nil
}

// Result describes a finished game. Line is nil for a draw.
type Result struct {
	Winner Symbol `json:"winner"`
	Line   []int  `json:"line,omitempty"`
}

// lines lists every winning triple. The order is part of the contract:
// rows, then columns, then diagonals. When a single move completes more
// than one line, the first match in this order is reported.
var lines = [8][3]int{
	{0, 1, 2}, // top row
	{3, 4, 5}, // middle row
	{6, 7, 8}, // bottom row
	{0, 3, 6}, // left column
	{1, 4, 7}, // middle column
	{2, 5, 8}, // right column
	{0, 4, 8}, // diagonal
	{2, 4, 6}, // anti-diagonal
}

// Evaluate scans the board for a terminal state. It returns the winning
// result for the first completed line in scan order, a Draw result when
// the board is full with no line, or nil while the game continues.
func Evaluate(b Board) *Result {
	for _, line := range lines {
		a, c, d := line[0], line[1], line[2]
		if b[a] != Empty && b[a] == b[c] && b[a] == b[d] {
			return &Result{
				Winner: b[a],
				Line:   []int{a, c, d},
			}
		}
	}

	for _, cell := range b {
		if cell == Empty {
			return nil
		}
	}

	return &Result{Winner: Draw}
}
