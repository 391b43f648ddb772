package cmd

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressBar renders percentages on a terminal. It satisfies scribe.Sink.
type progressBar struct {
	container *mpb.Progress
	bar       *mpb.Bar
}

// newProgressBar draws to w when it is a terminal and discards otherwise.
func newProgressBar(w io.Writer, name string) *progressBar {
	if !isTTY(w) {
		w = io.Discard
	}

	container := mpb.New(
		mpb.WithOutput(w),
		mpb.WithRefreshRate(120*time.Millisecond),
		mpb.WithWidth(40),
	)
	bar := container.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(name+" ", decor.WC{W: len(name) + 1, C: decor.DindentRight}),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncSpace),
			decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace), " ✓ "),
		),
	)

	return &progressBar{container: container, bar: bar}
}

func (p *progressBar) SendProgress(_ context.Context, percent int) error {
	p.bar.SetCurrent(int64(percent))
	return nil
}

// Finish completes or aborts the bar and waits for the last render.
func (p *progressBar) Finish(success bool) {
	if success {
		p.bar.SetTotal(100, true)
	} else {
		p.bar.Abort(false)
	}
	p.container.Wait()
}

func isTTY(writer io.Writer) bool {
	if file, ok := writer.(*os.File); ok {
		stat, err := file.Stat()
		if err != nil {
			return false
		}
		return (stat.Mode() & os.ModeCharDevice) != 0
	}
	return false
}
