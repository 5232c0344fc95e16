package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/brensch/reversi/executor/inference"
	"github.com/brensch/reversi/executor/selfplay"
	tea "github.com/charmbracelet/bubbletea"
)

type GameUpdate struct {
	Result selfplay.GameResult
}

type model struct {
	gamesPlayed   int
	totalExamples int
	moves         int64
	inferences    int64
	threshold     float32
	startTime     time.Time
	recentGames   []string
	updates       chan GameUpdate
	stats         func() inference.RuntimeStats
}

func initialModel(updates chan GameUpdate, stats func() inference.RuntimeStats) model {
	return model{
		startTime: time.Now(),
		updates:   updates,
		stats:     stats,
	}
}

type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func waitForUpdate(updates chan GameUpdate) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case TickMsg:
		m.moves = totalMoves.Load()
		m.inferences = totalInferences.Load()
		return m, tickCmd()
	case GameUpdate:
		r := msg.Result
		m.gamesPlayed++
		m.totalExamples += len(r.Rows)
		m.threshold = r.ResignThreshold
		logMsg := fmt.Sprintf("#%d %-5s %2d-%2d turns %2d sims %d ex %d", r.GameIdx, r.Winner, r.Black, r.White, r.Turns, r.Sims, len(r.Rows))
		if r.Resigned {
			logMsg += " (resigned)"
		}
		if r.FalsePositive {
			logMsg += " (false positive)"
		}
		m.recentGames = append([]string{logMsg}, m.recentGames...)
		if len(m.recentGames) > 10 {
			m.recentGames = m.recentGames[:10]
		}
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m model) View() string {
	duration := time.Since(m.startTime)
	perSec := func(n float64) float64 {
		if duration < time.Second {
			return 0
		}
		return n / duration.Seconds()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Games Played:     %d\n", m.gamesPlayed)
	fmt.Fprintf(&b, "Total Examples:   %d\n", m.totalExamples)
	fmt.Fprintf(&b, "Total Moves:      %d\n", m.moves)
	fmt.Fprintf(&b, "Total Inferences: %d\n", m.inferences)
	fmt.Fprintf(&b, "Resign Threshold: %.3f\n", m.threshold)
	fmt.Fprintf(&b, "Duration:         %s\n", duration.Round(time.Second))
	fmt.Fprintf(&b, "Games/Sec:        %.2f\n", perSec(float64(m.gamesPlayed)))
	fmt.Fprintf(&b, "Moves/Sec:        %.2f\n", perSec(float64(m.moves)))
	fmt.Fprintf(&b, "Inferences/Sec:   %.2f\n", perSec(float64(m.inferences)))
	if m.stats != nil {
		st := m.stats()
		fmt.Fprintf(&b, "Batch avg=%.1f last=%d q=%d run avg=%.2fms\n", st.AvgBatchSize, st.LastBatchSize, st.QueueLen, st.AvgRunMs)
	}

	b.WriteString("\nRecent Games:\n")
	for _, g := range m.recentGames {
		b.WriteString(g + "\n")
	}
	b.WriteString("\nPress q to quit.\n")
	return b.String()
}
