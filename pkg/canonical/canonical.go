// Package canonical renders the fields that participate in a deal seal
// into the exact byte sequence the seal engine digests.
//
// The output format is a frozen contract: any change to field order,
// whitespace or number formatting would break re-verification of every
// deal sealed under it. Format changes require a new version constant,
// and the version used at sealing time is stored on the deal next to the
// seal.
package canonical

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
)

// Version identifies the current canonical layout.
const Version = "deal-seal-v1"

// Serialize produces the canonical bytes for the given version:
//
//	version ‖ dealID ‖ termsJSON ‖ signatureURLOrEmpty ‖ confirmedAtRFC3339
//
// termsJSON is the compact JSON array of the terms in stored order, each
// object with keys id, label, value, type. confirmedAt is rendered in UTC
// at second precision. Unknown versions fail so that deals sealed under a
// future layout re-verify to an explicit error rather than a false
// tamper verdict.
func Serialize(version, dealID string, terms []domain.Term, signatureURL string, confirmedAt time.Time) ([]byte, error) {
	if version != Version {
		return nil, fmt.Errorf("unsupported canonical version %q", version)
	}
	if terms == nil {
		terms = []domain.Term{}
	}
	termsJSON, err := json.Marshal(terms)
	if err != nil {
		return nil, err
	}
	ts := confirmedAt.UTC().Truncate(time.Second).Format(time.RFC3339)

	out := make([]byte, 0, len(version)+len(dealID)+len(termsJSON)+len(signatureURL)+len(ts))
	out = append(out, version...)
	out = append(out, dealID...)
	out = append(out, termsJSON...)
	out = append(out, signatureURL...)
	out = append(out, ts...)
	return out, nil
}
