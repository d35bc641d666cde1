// dealctl re-verifies deal seals offline: given an exported deal JSON it
// recomputes the digest over the canonical fields and compares it to the
// stored seal, without talking to the service or its database.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CapTomas/Proofo-sub003/pkg/canonical"
	"github.com/CapTomas/Proofo-sub003/pkg/domain"
	"github.com/CapTomas/Proofo-sub003/pkg/seal"
)

const usage = "usage: dealctl seal verify --deal <path> | dealctl seal compute --deal <path>"

func main() {
	if len(os.Args) < 3 || os.Args[1] != "seal" {
		failSummary("", "", "", usage)
		os.Exit(2)
	}
	switch os.Args[2] {
	case "verify":
		runSealVerify(os.Args[3:])
	case "compute":
		runSealCompute(os.Args[3:])
	default:
		failSummary("", "", "", usage)
		os.Exit(2)
	}
}

func loadDeal(args []string) (domain.Deal, error) {
	path := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--deal" && i+1 < len(args) {
			path = strings.TrimSpace(args[i+1])
			i++
		}
	}
	if path == "" {
		return domain.Deal{}, fmt.Errorf("--deal is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.Deal{}, fmt.Errorf("read deal failed: %w", err)
	}
	var d domain.Deal
	if err := json.Unmarshal(b, &d); err != nil {
		return domain.Deal{}, fmt.Errorf("parse deal failed: %w", err)
	}
	return d, nil
}

func runSealVerify(args []string) {
	d, err := loadDeal(args)
	if err != nil {
		failSummary("", "", "", err.Error())
		os.Exit(2)
	}
	if d.DealSeal == "" || d.ConfirmedAt == nil {
		failSummary(d.DealID, d.DealSeal, "", "deal is not sealed")
		os.Exit(1)
	}
	canon, err := canonical.Serialize(d.SealVersion, d.DealID, d.Terms, d.SignatureURL, *d.ConfirmedAt)
	if err != nil {
		failSummary(d.DealID, d.DealSeal, "", err.Error())
		os.Exit(1)
	}
	recomputed := seal.Compute(canon)
	if !seal.Verify(d.DealSeal, canon) {
		failSummary(d.DealID, d.DealSeal, recomputed, "stored seal does not match recomputed digest")
		os.Exit(1)
	}
	passSummary(d.DealID, d.DealSeal, recomputed)
}

func runSealCompute(args []string) {
	d, err := loadDeal(args)
	if err != nil {
		failSummary("", "", "", err.Error())
		os.Exit(2)
	}
	if d.ConfirmedAt == nil {
		failSummary(d.DealID, "", "", "deal has no confirmed_at; nothing to seal over")
		os.Exit(1)
	}
	version := d.SealVersion
	if version == "" {
		version = canonical.Version
	}
	canon, err := canonical.Serialize(version, d.DealID, d.Terms, d.SignatureURL, *d.ConfirmedAt)
	if err != nil {
		failSummary(d.DealID, "", "", err.Error())
		os.Exit(1)
	}
	passSummary(d.DealID, "", seal.Compute(canon))
}

func passSummary(dealID, stored, recomputed string) {
	fmt.Printf("{\"status\":\"PASS\",\"deal_id\":%s,\"stored_seal\":%s,\"recomputed_seal\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(dealID),
		jsonQuote(stored),
		jsonQuote(recomputed),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failSummary(dealID, stored, recomputed, reason string) {
	fmt.Printf("{\"status\":\"FAIL\",\"deal_id\":%s,\"stored_seal\":%s,\"recomputed_seal\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(dealID),
		jsonQuote(stored),
		jsonQuote(recomputed),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
