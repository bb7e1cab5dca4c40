package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/config"
	"github.com/AIFMgroup/AIFM-sub013/models"
)

// Ops tool: lists dead-lettered posting claims so someone can work through
// the remediation queue from a terminal.
func main() {
	companyID := flag.String("company-id", "", "Optional: limit to one company. If empty, lists all companies.")
	limit := flag.Int("limit", 200, "Maximum rows to print")
	since := flag.String("since", "", "Optional: only claims updated on/after this date (YYYY-MM-DD)")
	flag.Parse()

	ctx := context.Background()
	db := config.ConnectDatabaseWithRetry()

	q := db.WithContext(ctx).
		Model(&models.PostingClaim{}).
		Where("state = ?", models.ClaimStateDeadLetter).
		Order("updated_at DESC").
		Limit(*limit)
	if strings.TrimSpace(*companyID) != "" {
		q = q.Where("company_id = ?", strings.TrimSpace(*companyID))
	}
	if strings.TrimSpace(*since) != "" {
		t, err := time.Parse("2006-01-02", strings.TrimSpace(*since))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -since date %q: %v\n", *since, err)
			os.Exit(1)
		}
		q = q.Where("updated_at >= ?", t)
	}

	var claims []models.PostingClaim
	if err := q.Find(&claims).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list dead letters: %v\n", err)
		os.Exit(1)
	}
	if len(claims) == 0 {
		fmt.Println("no dead-lettered claims found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPANY\tJOB\tATTEMPTS\tCATEGORY\tUPDATED\tLAST ERROR")
	for _, c := range claims {
		category := ""
		if c.LastErrorCategory != nil {
			category = *c.LastErrorCategory
		}
		lastErr := ""
		if c.LastError != nil {
			lastErr = *c.LastError
		}
		if len(lastErr) > 120 {
			lastErr = lastErr[:117] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			c.CompanyId, c.JobId, c.Attempts, category,
			c.UpdatedAt.Format("2006-01-02 15:04"), lastErr)
	}
	_ = w.Flush()
	fmt.Printf("\n%d dead-lettered claim(s)\n", len(claims))
}
