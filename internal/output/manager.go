package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type unitOutput struct {
	ID          int
	Label       string
	Status      string
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

// Manager redraws the state of every registered unit in place. When stdout
// is not a terminal it prints one line per finished unit instead.
type Manager struct {
	outputs     map[int]*unitOutput
	mutex       sync.RWMutex
	numLines    int
	maxStreams  int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	unitCount   int
	displayWg   sync.WaitGroup
	interactive bool
	out         io.Writer
}

func NewManager() *Manager {
	return &Manager{
		outputs:     make(map[int]*unitOutput),
		maxStreams:  6,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
		interactive: isTerminal(),
		out:         os.Stdout,
	}
}

// Register adds a unit labelled by its source and returns its id.
func (m *Manager) Register(label string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.unitCount++
	m.outputs[m.unitCount] = &unitOutput{
		ID:          m.unitCount,
		Label:       label,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	return m.unitCount
}

// SetMessage uses the first line of text as the unit message and the rest
// as its stream lines.
func (m *Manager) SetMessage(id int, text string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info, exists := m.outputs[id]
	if !exists || info.Complete {
		return
	}
	lines := strings.Split(text, "\n")
	info.Message = lines[0]
	info.StreamLines = info.StreamLines[:0]
	for _, line := range lines[1:] {
		info.StreamLines = append(info.StreamLines, wrapText(line, 6)...)
	}
	if len(info.StreamLines) > m.maxStreams {
		info.StreamLines = info.StreamLines[len(info.StreamLines)-m.maxStreams:]
	}
	info.Status = "active"
	info.LastUpdated = time.Now()
}

func (m *Manager) Complete(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.StreamLines = nil
		info.Message = message
		info.Complete = true
		info.Status = "success"
		info.LastUpdated = time.Now()
		m.printPlain(info)
	}
}

func (m *Manager) ReportError(id int, message string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.StreamLines = nil
		info.Message = message
		info.Complete = true
		info.Status = "error"
		info.Error = err
		info.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{Label: info.Label, Error: err, Time: time.Now()})
		m.printPlain(info)
	}
}

func (m *Manager) printPlain(info *unitOutput) {
	if m.interactive {
		return
	}
	fmt.Fprintf(m.out, "%s %s\n", m.statusIndicator(info.Status), info.Message)
}

// Sink returns the status sink for unit id.
func (m *Manager) Sink(id int) Sink {
	return &unitSink{m: m, id: id}
}

type unitSink struct {
	m  *Manager
	id int
}

func (s *unitSink) Edit(text string) {
	s.m.SetMessage(s.id, text)
}

func (s *unitSink) Finish(text string, err error) {
	if err != nil {
		s.m.ReportError(s.id, text, err)
		return
	}
	s.m.Complete(s.id, text)
}

func (m *Manager) statusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) styledMessage(info *unitOutput) string {
	switch info.Status {
	case "success":
		return successStyle.Render(info.Message)
	case "error":
		return errorStyle.Render(info.Message)
	case "pending":
		return pendingStyle.Render("Waiting...")
	default:
		return pendingStyle.Render(info.Message)
	}
}

func (m *Manager) sortedUnits() []*unitOutput {
	units := make([]*unitOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		units = append(units, info)
	}
	// running units first, then waiting, then finished, each in registration order
	rank := func(u *unitOutput) int {
		switch {
		case u.Complete:
			return 2
		case u.Status == "pending":
			return 1
		default:
			return 0
		}
	}
	sort.Slice(units, func(i, j int) bool {
		if rank(units[i]) != rank(units[j]) {
			return rank(units[i]) < rank(units[j])
		}
		return units[i].ID < units[j].ID
	})
	return units
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	_, termHeight := getTerminalSize()
	availableLines := termHeight - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}

	lineCount := 0
	indent := strings.Repeat(" ", 2+4)
	for _, info := range m.sortedUnits() {
		if lineCount >= availableLines {
			break
		}
		end := time.Now()
		if info.Complete {
			end = info.LastUpdated
		}
		elapsed := end.Sub(info.StartTime).Round(time.Second)
		fmt.Fprintf(m.out, "  %s %s %s\n", m.statusIndicator(info.Status), debugStyle.Render(elapsed.String()), m.styledMessage(info))
		lineCount++
		for _, line := range info.StreamLines {
			if lineCount >= availableLines {
				break
			}
			fmt.Fprintf(m.out, "%s%s\n", indent, streamStyle.Render(line))
			lineCount++
		}
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	if !m.interactive {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

// StopDisplay draws the final state and prints the summary.
func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
	m.ShowSummary()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Fprintf(m.out, "    %s %s %s\n",
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			detailStyle.Render(report.Label))
		fmt.Fprintf(m.out, "      %s\n", errorStyle.Render(fmt.Sprintf("Error: %v", report.Error)))
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var success, failures int
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			success++
		case "error":
			failures++
		}
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, len(m.outputs))))
	if failures > 0 {
		fmt.Fprintln(m.out, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.outputs))))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}

// Failures reports how many units ended in error.
func (m *Manager) Failures() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.errors)
}
