package cmd

import (
	"bytes"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
)

// renderBar draws a one-shot progress bar for r, counted in chunks.
func renderBar(r transfer.Record) string {
	var buf bytes.Buffer
	bar := progressbar.NewOptions(r.TotalChunks,
		progressbar.OptionSetWriter(&buf),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionEnableColorCodes(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	_ = bar.Set(r.Done())

	out := buf.String()
	if i := strings.LastIndex(out, "\r"); i >= 0 {
		out = out[i+1:]
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = bar.String()
	}
	return out
}
