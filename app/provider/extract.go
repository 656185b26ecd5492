package provider

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Rule reads one JSON path and optionally reshapes the value. An empty
// result means the rule did not match.
type Rule struct {
	Path      string
	Transform func(string) string
}

// Rules are tried in order and the first match wins.
type Rules []Rule

func (rs Rules) First(doc []byte) (string, bool) {
	if len(doc) == 0 || !gjson.ValidBytes(doc) {
		return "", false
	}
	for _, rule := range rs {
		value := gjson.GetBytes(doc, rule.Path)
		if !value.Exists() || value.Type == gjson.Null {
			continue
		}
		s := strings.TrimSpace(value.String())
		if rule.Transform != nil {
			s = rule.Transform(s)
		}
		if s != "" {
			return s, true
		}
	}
	return "", false
}

type PaymentDetails struct {
	ReceiptURL *string
	CardBin    *string
	CardLast4  *string
	CardBrand  *string
	PGProvider *string
}

type Extractor struct {
	ReceiptURL Rules
	CardBin    Rules
	CardLast4  Rules
	CardBrand  Rules
	PGProvider Rules
}

// DefaultExtractor knows the response shapes seen from the gateway so far.
// New shapes go in as rules.
func DefaultExtractor() *Extractor {
	return &Extractor{
		ReceiptURL: Rules{
			{Path: "receipt.url"},
			{Path: "receipt_url"},
			{Path: "card.receipt_url"},
			{Path: "payment.receipt_url"},
			{Path: "data.receipt.url"},
		},
		CardBin: Rules{
			{Path: "card.bin"},
			{Path: "card_info.bin"},
			{Path: "method.card.bin"},
			{Path: "card.number", Transform: leadingDigits(6)},
			{Path: "card_number", Transform: leadingDigits(6)},
		},
		CardLast4: Rules{
			{Path: "card.last4"},
			{Path: "card_info.last4"},
			{Path: "method.card.last4"},
			{Path: "card.number", Transform: trailingDigits(4)},
			{Path: "card_number", Transform: trailingDigits(4)},
		},
		CardBrand: Rules{
			{Path: "card.brand", Transform: strings.ToUpper},
			{Path: "card.company", Transform: strings.ToUpper},
			{Path: "card_info.brand", Transform: strings.ToUpper},
			{Path: "method.card.brand", Transform: strings.ToUpper},
		},
		PGProvider: Rules{
			{Path: "pg_provider"},
			{Path: "method.provider"},
			{Path: "easy_pay.provider"},
			{Path: "channel.pg_provider"},
		},
	}
}

// Extract reads details from a single attempt's own gateway response.
func (e *Extractor) Extract(raw []byte) PaymentDetails {
	return PaymentDetails{
		ReceiptURL: first(e.ReceiptURL, raw),
		CardBin:    first(e.CardBin, raw),
		CardLast4:  first(e.CardLast4, raw),
		CardBrand:  first(e.CardBrand, raw),
		PGProvider: first(e.PGProvider, raw),
	}
}

func first(rules Rules, raw []byte) *string {
	if s, ok := rules.First(raw); ok {
		return &s
	}
	return nil
}

func leadingDigits(n int) func(string) string {
	return func(s string) string {
		digits := make([]rune, 0, n)
		for _, r := range s {
			if r < '0' || r > '9' {
				break
			}
			digits = append(digits, r)
			if len(digits) == n {
				return string(digits)
			}
		}
		return ""
	}
}

func trailingDigits(n int) func(string) string {
	return func(s string) string {
		if len(s) < n {
			return ""
		}
		tail := s[len(s)-n:]
		for _, r := range tail {
			if r < '0' || r > '9' {
				return ""
			}
		}
		return tail
	}
}
