package console

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/andrey-zotov/ib-console/internal/models"
	"github.com/andrey-zotov/ib-console/internal/monitor"
)

const defaultWidth = 120

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

var (
	bright = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	dim    = color.New(color.Faint)

	statusColors = map[models.OrderStatus]*color.Color{
		models.OrderStatusSent:      color.New(color.FgCyan),
		models.OrderStatusActive:    color.New(color.FgHiGreen),
		models.OrderStatusError:     red,
		models.OrderStatusOK:        green,
		models.OrderStatusCancelled: dim,
	}
)

// Console renders account state to the terminal. It tracks how many lines
// the last dashboard used so the next one can redraw in place.
type Console struct {
	out   io.Writer
	width int
	lines int
}

// New creates a console writing to stdout. Width follows the COLUMNS
// environment variable when set.
func New() *Console {
	width := defaultWidth
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 20 {
		width = cols
	}
	return &Console{out: os.Stdout, width: width}
}

// visibleLen is the printed length of a string, ignoring color sequences.
func visibleLen(s string) int {
	return len(ansiRE.ReplaceAllString(s, ""))
}

// Print writes one padded line and counts it for dashboard redraw.
func (c *Console) Print(s string) {
	if pad := c.width - 30 - visibleLen(s); pad > 0 {
		s += strings.Repeat(" ", pad)
	}
	fmt.Fprintln(c.out, s)
	c.lines++
}

func fmtFloat(v float64, just int) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	for len(s) < just {
		s = " " + s
	}
	return s
}

func fmtPctChange(v float64, just int) string {
	if v == 0 {
		s := "-"
		for len(s) < just {
			s += " "
		}
		return s
	}
	s := fmtFloat(v, 0) + "%"
	if v > 0 {
		s = "+" + s
	}
	for len(s) < just {
		s = " " + s
	}
	return s
}

func profitColor(v float64) *color.Color {
	if v >= 0 {
		return green
	}
	return red
}

// PrintAccount renders the account balance block.
func (c *Console) PrintAccount(acc *models.Account) {
	c.Print(bright.Sprint(acc.Code))
	c.Print("  Value:     " + bright.Sprint(fmtFloat(acc.TotalValue, 10)))
	c.Print("  Available: " + bright.Sprint(fmtFloat(acc.AvailableFunds, 10)))
	c.Print("  Cash:      " + bright.Sprint(fmtFloat(acc.CashValue, 10)))
	c.Print("  Day trades: " + strconv.Itoa(acc.DayTradesRemaining))
	c.Print("")
}

// sortedPositions orders positions by descending cost basis, then symbol.
func sortedPositions(acc *models.Account) []models.Position {
	positions := make([]models.Position, len(acc.Positions))
	copy(positions, acc.Positions)
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Value != positions[j].Value {
			return positions[i].Value > positions[j].Value
		}
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions
}

// PrintPositions renders the positions table with per-position P&L.
func (c *Console) PrintPositions(acc *models.Account) {
	if len(acc.Positions) == 0 {
		c.Print("  No positions open")
		c.Print("")
		return
	}

	header := fmt.Sprintf("  Positions: \t\t Total cost: %s\t Total profit: ", fmtFloat(acc.PositionsValue(), 10))
	header += bright.Sprint(profitColor(acc.PositionsProfit()).Sprintf("%s (%s)",
		fmtFloat(acc.PositionsProfit(), 10), fmtPctChange(100*acc.PositionsProfitMargin(), 0)))
	c.Print(header)

	for _, p := range sortedPositions(acc) {
		line := "  " + bright.Sprintf("%-22s", p.Symbol) +
			"\t Qty: " + fmtFloat(float64(p.Qty), 10) +
			"\t Cost: " + fmtFloat(p.Value, 10) +
			"\t Price: " + fmtFloat(p.Price, 10) +
			"\t Profit: " + profitColor(p.Profit).Sprintf("%s (%s)", fmtFloat(p.Profit, 10), fmtPctChange(100*p.ProfitMargin, 0))
		c.Print(line)
	}
	c.Print("")
}

// PrintOrder renders one order line.
func (c *Console) PrintOrder(order *models.Order) {
	statusColor, ok := statusColors[order.Status]
	if !ok {
		statusColor = color.New(color.Reset)
	}
	c.Print("    " + fmt.Sprintf("%-7s", order.Symbol) +
		statusColor.Sprintf("%-7s", order.Status) +
		fmt.Sprintf("%-6s", order.Action) +
		" Qty: " + fmt.Sprintf("%13s", fmt.Sprintf("%d/%d", order.Qty, order.ReqQty)) +
		"  Price: " + fmt.Sprintf("%17s", fmtFloat(order.AvgPrice, 0)+"/"+fmtFloat(order.LmtPrice, 0)) +
		"  Comm: " + fmtFloat(order.Commission, 5))
}

// PrintOrders renders the orders table.
func (c *Console) PrintOrders(orders []models.Order) {
	if len(orders) == 0 {
		return
	}
	c.Print("Orders:")
	for i := range orders {
		c.PrintOrder(&orders[i])
	}
	c.Print("")
}

// Rewind moves the cursor back over the previous dashboard so the next one
// draws in place.
func (c *Console) Rewind() {
	if c.lines > 0 {
		fmt.Fprintf(c.out, "\x1b[%dA", c.lines)
	}
	c.lines = 0
}

// Dashboard renders the full monitor screen: balances, index readouts,
// positions, charts and active orders.
func (c *Console) Dashboard(engine *monitor.Engine, acc *models.Account, orders []models.Order) {
	c.Rewind()
	c.printIndexHeader(engine, acc)
	c.PrintPositions(acc)
	c.printCharts(engine, acc)
	c.PrintOrders(orders)
	c.Print("Updated at " + time.Now().Format("15:04"))
}

// printIndexHeader renders balances side by side with SPX/VIX day change.
func (c *Console) printIndexHeader(engine *monitor.Engine, acc *models.Account) {
	c.Print(bright.Sprint(acc.Code))

	left := []string{
		"  Value:      " + bright.Sprint(fmtFloat(acc.TotalValue, 10)),
		"  Available:  " + bright.Sprint(fmtFloat(acc.AvailableFunds, 10)),
		"  Cash:       " + bright.Sprint(fmtFloat(acc.CashValue, 10)),
		"  Day trades: " + bright.Sprint(strconv.Itoa(acc.DayTradesRemaining)),
	}

	right := []string{
		"  SPX:     " + indexReadout(engine.MarketChartData),
		"  VIX:     " + indexReadout(engine.VolatilityChartData),
	}

	for _, line := range mergeBlocks(padBlock(left, 50), padBlock(right, 30)) {
		c.Print(line)
	}
	c.Print("")
}

// indexReadout formats an index value with its day change percentage.
func indexReadout(query func() (marketChart, error)) string {
	data, err := query()
	if err != nil || len(data.Values) == 0 {
		return "-"
	}
	open, last := data.Values[0], data.Values[len(data.Values)-1]
	change := 0.
	if open != 0 {
		change = (last - open) / open * 100
	}
	return profitColor(change).Sprintf("%s (%s)", fmtFloat(last, 0), fmtPctChange(change, 0))
}
