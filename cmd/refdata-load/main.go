package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/config"
	"github.com/AIFMgroup/AIFM-sub013/models"
	"github.com/AIFMgroup/AIFM-sub013/workflow"
)

// Ops tool: loads a company reference snapshot (chart of accounts, cost
// centers, voucher series, fiscal calendar, system account mapping) from a
// JSON file into the cache the posting pipeline reads.
func main() {
	file := flag.String("file", "", "Path to a JSON-encoded reference snapshot")
	companyID := flag.String("company-id", "", "Optional: override the company id inside the file")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *file, err)
		os.Exit(1)
	}
	var snapshot models.ReferenceSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		fmt.Fprintf(os.Stderr, "invalid snapshot JSON: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*companyID) != "" {
		snapshot.CompanyId = strings.TrimSpace(*companyID)
	}
	if snapshot.CompanyId == "" {
		fmt.Fprintln(os.Stderr, "snapshot has no company_id (pass -company-id)")
		os.Exit(1)
	}
	snapshot.FetchedAt = time.Now().UTC()

	ctx := context.Background()
	rdb, _ := config.ConnectRedisWithRetry(ctx)
	defer rdb.Close()

	if err := workflow.NewRedisReferenceData(rdb).Put(ctx, &snapshot); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store snapshot: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("loaded reference snapshot for company %s (%d accounts, %d cost centers, %d fiscal years)\n",
		snapshot.CompanyId, len(snapshot.Accounts), len(snapshot.CostCenters), len(snapshot.FiscalYears))
}
