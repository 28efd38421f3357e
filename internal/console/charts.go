package console

import (
	"strings"

	"github.com/guptarohit/asciigraph"

	"github.com/andrey-zotov/ib-console/internal/marketdata"
	"github.com/andrey-zotov/ib-console/internal/models"
	"github.com/andrey-zotov/ib-console/internal/monitor"
)

type marketChart = marketdata.ChartData

const chartHeight = 3

// padBlock right-pads every line of a block to the given visible width.
func padBlock(block []string, width int) []string {
	out := make([]string, 0, len(block))
	for _, s := range block {
		if pad := width - visibleLen(s); pad > 0 {
			s += strings.Repeat(" ", pad)
		}
		out = append(out, s)
	}
	return out
}

// mergeBlocks joins blocks horizontally, line by line. Shorter blocks are
// padded with blanks of their own width.
func mergeBlocks(blocks ...[]string) []string {
	maxLines := 0
	for _, b := range blocks {
		if len(b) > maxLines {
			maxLines = len(b)
		}
	}

	out := make([]string, maxLines)
	for i := 0; i < maxLines; i++ {
		for _, b := range blocks {
			if i < len(b) {
				out[i] += b[i]
			} else if len(b) > 0 {
				out[i] += strings.Repeat(" ", visibleLen(b[0]))
			}
		}
	}
	return out
}

// chartBlock renders one resampled series as an ASCII chart with a time
// range footer.
func chartBlock(title string, data marketdata.ChartData, width int) []string {
	block := []string{title + ":"}
	series := data.Resample(width)
	if len(series) > 0 {
		plot := asciigraph.Plot(series,
			asciigraph.Height(chartHeight),
			asciigraph.SeriesColors(asciigraph.LightBlue),
		)
		block = append(block, strings.Split(plot, "\n")...)
	}
	block = append(block, " "+data.TimeFrom.Format("15:04")+" - "+data.TimeTo.Format("15:04"))
	return block
}

// printCharts renders the market chart next to one chart per position,
// sized to fit the terminal width.
func (c *Console) printCharts(engine *monitor.Engine, acc *models.Account) {
	blockWidth := c.width/(1+len(acc.Positions)) - 1
	chartWidth := blockWidth - 12
	if chartWidth < 10 {
		chartWidth = 10
	}

	var blocks [][]string
	if market, err := engine.MarketChartData(); err == nil {
		blocks = append(blocks, chartBlock("SPX", market, chartWidth))
	}

	for _, p := range sortedPositions(acc) {
		data, ok := engine.PositionChartData(&p)
		if !ok || len(data.Values) == 0 {
			continue
		}
		blocks = append(blocks, chartBlock(p.Symbol, data, chartWidth))
	}

	if len(blocks) == 0 {
		return
	}
	padded := make([][]string, 0, len(blocks))
	for _, b := range blocks {
		padded = append(padded, padBlock(b, blockWidth))
	}
	for _, line := range mergeBlocks(padded...) {
		c.Print(line)
	}
	c.Print("")
}
