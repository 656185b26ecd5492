package billing

import (
	"fmt"
	"time"
)

// Calculator computes billing period boundaries in a fixed civil timezone.
type Calculator struct {
	loc *time.Location
}

func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// NewCalculatorForZone loads an IANA zone name such as "Asia/Seoul".
func NewCalculatorForZone(name string) (*Calculator, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load billing timezone %q: %w", name, err)
	}
	return NewCalculator(loc), nil
}

func (c *Calculator) Location() *time.Location {
	return c.loc
}

// ResolveStart returns where a newly paid period begins: at paidAt when there
// is no prior coverage, otherwise at the later of paidAt and currentEnd.
func (c *Calculator) ResolveStart(paidAt time.Time, currentEnd *time.Time) time.Time {
	paidAt = paidAt.In(c.loc)
	if currentEnd == nil {
		return paidAt
	}
	end := currentEnd.In(c.loc)
	if end.After(paidAt) {
		return end
	}
	return paidAt
}

// AddMonthsEOMAware adds months keeping the billing anniversary. A start on
// the last day of its month lands on the last day of the target month.
func (c *Calculator) AddMonthsEOMAware(start time.Time, months int) time.Time {
	start = start.In(c.loc)
	year, month, day := start.Date()
	hour, minute, sec := start.Clock()

	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, c.loc)
	targetLen := daysIn(target.Year(), target.Month(), c.loc)

	if day == daysIn(year, month, c.loc) || day > targetLen {
		day = targetLen
	}

	return time.Date(target.Year(), target.Month(), day, hour, minute, sec, start.Nanosecond(), c.loc)
}

// NextPeriod returns the [start, end) interval granted by a payment at paidAt.
func (c *Calculator) NextPeriod(paidAt time.Time, currentEnd *time.Time, months int) (time.Time, time.Time) {
	start := c.ResolveStart(paidAt, currentEnd)
	return start, c.AddMonthsEOMAware(start, months)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
