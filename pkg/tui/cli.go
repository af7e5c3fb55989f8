// Package tui renders workflow progress and results on the terminal.
// Simple streaming output - no full-screen TUI, just styled lines.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/metaboflow/metaboflow/pkg/stages"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

// PrintHeader prints the application banner.
func PrintHeader(version string) {
	fmt.Println()
	fmt.Println(titleStyle.Render("  METABOFLOW") + mutedStyle.Render(" v"+version))
	fmt.Println(mutedStyle.Render("  Metabolomics mass-spec processing workbench"))
	fmt.Println()
}

// PrintWorkflowPlan prints the input files and the ordered stages before a run.
func PrintWorkflowPlan(files []string, steps []stages.StepConfig) {
	fmt.Println(accentStyle.Render("▸ WORKFLOW"))
	for _, f := range files {
		fmt.Printf("  %s %s\n", mutedStyle.Render("input:"), titleStyle.Render(f))
	}
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	fmt.Printf("  %s %s\n", mutedStyle.Render("stages:"), codeStyle.Render(strings.Join(names, " → ")))
	fmt.Println()
}

// RunProgressBar creates a progress bar sized to the number of workflow steps.
func RunProgressBar(totalSteps int) *progressbar.ProgressBar {
	return progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("  processing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// ProgressPrinter returns a workflow progress callback that drives a bar
// and prints the current stage name next to it.
func ProgressPrinter(totalSteps int) func(workflow.ProgressEvent) {
	bar := RunProgressBar(totalSteps)
	return func(ev workflow.ProgressEvent) {
		bar.Describe("  " + ev.CurrentStep)
		_ = bar.Set(ev.StepIndex + 1)
	}
}

// PrintStageResult prints a single completed stage line.
func PrintStageResult(res workflow.StageResult) {
	mark := successStyle.Render("✓")
	if !res.Success {
		mark = accentStyle.Render("✗")
	}
	where := ""
	if res.ExecutedRemotely {
		where = mutedStyle.Render(" (remote)")
	}
	took := time.Duration(res.ProcessingTimeMs) * time.Millisecond
	line := fmt.Sprintf("  %s %-22s %s%s", mark, res.StepName, mutedStyle.Render(formatDuration(took)), where)
	fmt.Println(line)
	if res.Message != "" && res.Success {
		fmt.Println(mutedStyle.Render("      " + res.Message))
	}
	if res.Error != "" {
		fmt.Println(accentStyle.Render("      " + res.Error))
	}
}

// PrintRunSummary prints the post-run report.
func PrintRunSummary(res *workflow.RunResult) {
	fmt.Println()
	switch {
	case res.Canceled:
		fmt.Println(accentStyle.Render("  ✗ RUN CANCELED"))
	case res.Success:
		fmt.Println(successStyle.Render("  ✓ RUN COMPLETE"))
	default:
		fmt.Println(accentStyle.Render("  ✗ RUN FINISHED WITH FAILURES"))
	}
	fmt.Println()

	fmt.Printf("  %s %s\n", mutedStyle.Render("Run:"), titleStyle.Render(res.RunID))
	fmt.Printf("  %s %s\n", mutedStyle.Render("Time:"), titleStyle.Render(formatDuration(res.CompletedAt.Sub(res.StartedAt))))

	fmt.Println(mutedStyle.Render("  ─────────────────────────────────────"))
	printCount("Peaks detected", res.Summary.PeaksDetected)
	printCount("Compounds identified", res.Summary.CompoundsIdentified)
	printCount("Significant features", res.Summary.SignificantFeatures)
	fmt.Println(mutedStyle.Render("  ─────────────────────────────────────"))

	for _, sr := range res.Results {
		PrintStageResult(sr)
	}
	fmt.Println()
}

func printCount(label string, n int) {
	if n == 0 {
		return
	}
	fmt.Printf("  %s %s\n", mutedStyle.Render(label+":"), titleStyle.Render(formatNumber(int64(n))))
}

// PrintParseReport prints what a document parse produced.
func PrintParseReport(file, format string, spectra, peaks int, degraded bool, took time.Duration) {
	mark := successStyle.Render("✓")
	note := ""
	if degraded {
		mark = accentStyle.Render("!")
		note = accentStyle.Render(" degraded")
	}
	fmt.Printf("  %s %s %s%s\n", mark, titleStyle.Render(file), mutedStyle.Render("("+format+")"), note)
	fmt.Printf("    %s %s spectra, %s peaks %s\n",
		mutedStyle.Render("parsed:"),
		formatNumber(int64(spectra)),
		formatNumber(int64(peaks)),
		mutedStyle.Render("in "+formatDuration(took)))
}

// ClearLine clears the current terminal line.
func ClearLine() {
	fmt.Print("\r\033[K")
}

// Spinner shows a loading indicator until done is closed.
func Spinner(message string, done chan bool) {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	for {
		select {
		case <-done:
			fmt.Printf("\r%s %s\n", successStyle.Render("✓"), message)
			return
		default:
			fmt.Printf("\r%s %s", accentStyle.Render(frames[i]), message)
			i = (i + 1) % len(frames)
			time.Sleep(80 * time.Millisecond)
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// FormatBytes renders a byte count in human units.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
