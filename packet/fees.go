package packet

import (
	"fmt"
	"strconv"
	"strings"
)

// Fee structure per selection code. Amounts arrive as opaque decimal
// strings; the derivation here is the single place this core does
// arithmetic on them, at creation time only.
const (
	excessFundsFeePercent = 30.0
	wholesaleFeePercent   = 10.0
)

// computeFees derives fee_amount/fee_percent from the supplied monetary
// inputs. Missing inputs yield nil fee fields rather than an error; the
// commercial terms are optional at creation.
func computeFees(code SelectionCode, excessFunds, estimatedEquity *string) (feeAmount, feePercent *string) {
	excess, hasExcess := parseAmount(excessFunds)
	equity, hasEquity := parseAmount(estimatedEquity)

	var total float64
	var applied bool
	switch code {
	case SelectionExcessFunds:
		if hasExcess {
			total = excess * excessFundsFeePercent / 100
			applied = true
			feePercent = amountString(excessFundsFeePercent)
		}
	case SelectionWholesale:
		if hasEquity {
			total = equity * wholesaleFeePercent / 100
			applied = true
			feePercent = amountString(wholesaleFeePercent)
		}
	case SelectionCombined:
		if hasExcess {
			total += excess * excessFundsFeePercent / 100
			applied = true
		}
		if hasEquity {
			total += equity * wholesaleFeePercent / 100
			applied = true
		}
		if applied {
			feePercent = amountString(excessFundsFeePercent)
		}
	}
	if applied {
		feeAmount = amountString(total)
	}
	return feeAmount, feePercent
}

func parseAmount(s *string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	cleaned := strings.ReplaceAll(strings.TrimSpace(*s), ",", "")
	cleaned = strings.TrimPrefix(cleaned, "$")
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func amountString(v float64) *string {
	s := fmt.Sprintf("%.2f", v)
	return &s
}
