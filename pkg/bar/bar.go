// Package bar draws terminal progress for the scanner commands.
package bar

import (
	"fmt"

	"github.com/k0kubun/go-ansi"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/schollz/progressbar/v3"
)

func New(length int, text string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		length,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Negotiation returns a bar that follows the protocol candidates and the
// progress callback that drives it.
func Negotiation() (*progressbar.ProgressBar, func(p frame.Protocol, n, total int)) {
	max := len(frame.DefaultPriority)
	b := New(max, "negotiating")
	return b, func(p frame.Protocol, n, total int) {
		if total != max {
			max = total
			b.ChangeMax(total)
		}
		b.Describe(fmt.Sprintf("[cyan][%d/%d][reset] %s", n, total, p))
		b.Set(n - 1)
	}
}
