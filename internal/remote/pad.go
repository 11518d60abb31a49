package remote

import (
	"fmt"
	"strings"

	"github.com/smileynet/fairway/internal/control"
)

// padButton is one cell of the direction pad. The centre button has
// direction Stopped and halts the cart.
type padButton struct {
	label string
	dir   control.Direction
	row   int
	col   int
}

var padButtons = []padButton{
	{label: "▲", dir: control.Forward, row: 0, col: 1},
	{label: "◀", dir: control.TurningLeft, row: 1, col: 0},
	{label: "■", dir: control.Stopped, row: 1, col: 1},
	{label: "▶", dir: control.TurningRight, row: 1, col: 2},
	{label: "▼", dir: control.Backward, row: 2, col: 1},
}

const (
	buttonWidth = 5 // "[ ▲ ]"
	buttonGap   = 2
	padRows     = 3
	padCols     = 3
	padWidth    = padCols*buttonWidth + (padCols-1)*buttonGap

	// Position of the pad inside the right pane's content area.
	padTop  = 3
	padLeft = 2
)

// FollowNotice is shown in place of the pad hint while following.
const FollowNotice = "Manual control is disabled while follow mode is on"

// padButtonAt returns the button under pad-relative cell (x, y).
func padButtonAt(x, y int) (padButton, bool) {
	if x < 0 || y < 0 || y >= padRows || x >= padWidth {
		return padButton{}, false
	}
	stride := buttonWidth + buttonGap
	if x%stride >= buttonWidth {
		return padButton{}, false
	}
	col := x / stride
	for _, b := range padButtons {
		if b.row == y && b.col == col {
			return b, true
		}
	}
	return padButton{}, false
}

// renderPad draws the pad rows. The active direction is highlighted;
// the whole pad is dimmed while disabled.
func renderPad(active control.Direction, disabled bool) []string {
	var cells [padRows][padCols]string
	for _, b := range padButtons {
		text := fmt.Sprintf("[ %s ]", b.label)
		switch {
		case disabled:
			text = dimStyle.Render(text)
		case b.dir != control.Stopped && b.dir == active:
			text = activeButton.Render(text)
		default:
			text = idleButton.Render(text)
		}
		cells[b.row][b.col] = text
	}

	blank := strings.Repeat(" ", buttonWidth)
	gap := strings.Repeat(" ", buttonGap)
	indent := strings.Repeat(" ", padLeft)
	rows := make([]string, padRows)
	for r := range cells {
		parts := make([]string, padCols)
		for c := range cells[r] {
			if cells[r][c] == "" {
				parts[c] = blank
			} else {
				parts[c] = cells[r][c]
			}
		}
		rows[r] = indent + strings.Join(parts, gap)
	}
	return rows
}
