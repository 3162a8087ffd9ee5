package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"housing-retrofit/models"
)

// PrintSummary writes a human readable report of a run to w.
func PrintSummary(w io.Writer, s *RunSummary) {
	sep := strings.Repeat("═", 58)
	thin := strings.Repeat("─", 58)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  🏠 HOUSING RETROFIT PIPELINE\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Run\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Run id  : \033[1m%s\033[0m\n", s.Run.RunID)
	fmt.Fprintf(w, "  Scope   : %s\n", s.Run.Scope)
	if s.Run.ParentRunID != "" {
		fmt.Fprintf(w, "  Parent  : %s\n", s.Run.ParentRunID)
	}
	status := "\033[1;32m" + s.Run.Status + "\033[0m"
	if s.Run.Status == models.RunFailed {
		status = "\033[1;31m" + s.Run.Status + "\033[0m"
	}
	fmt.Fprintf(w, "  Status  : %s\n", status)
	if s.Run.Error != "" {
		fmt.Fprintf(w, "  Error   : %s\n", s.Run.Error)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Stages\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  %-9s %9s %9s %11s %10s\n", "stage", "in", "out", "quarantined", "duplicates")
	for _, r := range s.Reports() {
		fmt.Fprintf(w, "  %-9s %9d %9d %11d %10d\n", r.Stage, r.RowsIn, r.RowsOut, r.RejectedCount, r.DuplicatesRemoved)
	}
	fmt.Fprintln(w)

	if s.Silver != nil && len(s.Silver.Report.Reasons) > 0 {
		fmt.Fprintf(w, "\033[1;33m  Quarantine reasons\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		type reasonCount struct {
			reason string
			count  int
		}
		var reasons []reasonCount
		for reason, n := range s.Silver.Report.Reasons {
			reasons = append(reasons, reasonCount{reason, n})
		}
		sort.Slice(reasons, func(i, j int) bool {
			if reasons[i].count != reasons[j].count {
				return reasons[i].count > reasons[j].count
			}
			return reasons[i].reason < reasons[j].reason
		})
		for _, rc := range reasons {
			fmt.Fprintf(w, "  %-36s %d\n", truncate(rc.reason, 34), rc.count)
		}
		if s.QuarantineFile != "" {
			fmt.Fprintf(w, "  Exported to %s\n", s.QuarantineFile)
		}
		fmt.Fprintln(w)
	}

	if s.Gold != nil {
		printPortfolio(w, s.Gold, thin)
	}

	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)
}

func printPortfolio(w io.Writer, g *GoldResult, thin string) {
	counts := map[string]int{}
	var savings, co2 float64
	for _, f := range g.Features {
		counts[f.RetrofitPriority]++
		savings += f.AnnualSavings
		if f.CO2SavingTonnes != nil {
			co2 += *f.CO2SavingTonnes
		}
	}

	fmt.Fprintf(w, "\033[1;33m  Portfolio\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Properties        : \033[1m%d\033[0m\n", len(g.Features))
	for _, p := range []string{models.PriorityHigh, models.PriorityMedium, models.PriorityLow, models.PriorityUnscored} {
		bar := strings.Repeat("█", barWidth(counts[p], len(g.Features)))
		fmt.Fprintf(w, "  %-17s : %s (%d)\n", p, bar, counts[p])
	}
	fmt.Fprintf(w, "  Savings potential : \033[1;32m£%.2f/yr\033[0m\n", round(savings, 2))
	fmt.Fprintf(w, "  CO2 saving        : \033[1;32m%.2f t/yr\033[0m\n", round(co2, 2))
	fmt.Fprintf(w, "  Portfolio groups  : %d\n", len(g.Aggregates))
	fmt.Fprintln(w)
}

// barWidth scales n out of total onto a 30 character bar.
func barWidth(n, total int) int {
	if total == 0 {
		return 0
	}
	return n * 30 / total
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
